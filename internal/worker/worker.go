package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"minihttpd/internal/events"
	"minihttpd/internal/logger"
	"minihttpd/internal/metrics"
	"minihttpd/internal/queue"
)

var (
	// ErrInvalidPoolSize はワーカー数が1未満のときに返される
	ErrInvalidPoolSize = errors.New("worker: pool size must be at least 1")
	// ErrPoolClosed は Close 後の投入で返される
	ErrPoolClosed = errors.New("worker: pool is closed")
	// ErrQueueDisconnected は生きているワーカーが残っていないときに返される
	ErrQueueDisconnected = errors.New("worker: no live worker is receiving jobs")
	// ErrQueueFull は OverflowReject でキューが満杯のときに返される
	ErrQueueFull = errors.New("worker: queue is full")
	// ErrNilJob は nil ジョブの投入で返される
	ErrNilJob = errors.New("worker: nil job")
)

// Job はワーカーが実行するジョブを表す
type Job func()

// ContextJob はキャンセルトークンを受け取るジョブ
type ContextJob func(ctx context.Context)

// OverflowPolicy は有限キューが満杯のときの振る舞い
type OverflowPolicy int

const (
	OverflowBlock  OverflowPolicy = iota // 空きが出るまで待つ
	OverflowReject                       // ErrQueueFull を返す
)

func (o OverflowPolicy) String() string {
	switch o {
	case OverflowBlock:
		return "block"
	case OverflowReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ParseOverflowPolicy は文字列からポリシーを得る
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(s) {
	case "", "block":
		return OverflowBlock, nil
	case "reject":
		return OverflowReject, nil
	default:
		return OverflowBlock, fmt.Errorf("unknown overflow policy: %q", s)
	}
}

// PoolConfig はワーカープールの設定
type PoolConfig struct {
	Name          string         // ログ・メトリクス用の名前
	Size          int            // ワーカー数（1以上）
	QueueCapacity int            // 待機ジョブ数の上限（0で無制限）
	Overflow      OverflowPolicy // QueueCapacity > 0 のときのみ有効
}

// DefaultPoolConfig はデフォルト設定を返す
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Name:          "default",
		Size:          runtime.NumCPU(),
		QueueCapacity: 0,
		Overflow:      OverflowBlock,
	}
}

// Option はプールの付帯機能を設定する
type Option func(*Pool)

// WithLogger はロガーを設定する
func WithLogger(l *logger.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithEventBus はイベントバスを設定する
func WithEventBus(bus *events.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithMetrics はメトリクスを設定する
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

type task struct {
	id  uint64
	ctx context.Context
	fn  ContextJob
}

type workerIDKey struct{}

// WorkerID はジョブを実行中のワーカーIDを ctx から取り出す
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerIDKey{}).(int)
	return id, ok
}

// Pool は固定数のワーカーと共有キューを管理する
type Pool struct {
	name     string
	size     int
	capacity int
	overflow OverflowPolicy

	queue *queue.Queue[task]
	slots chan struct{} // 有限キューの空き枠。無制限なら nil
	done  chan struct{} // Close 開始で閉じる

	wg        sync.WaitGroup
	closeOnce sync.Once
	closing   atomic.Bool

	nextID    atomic.Uint64
	live      atomic.Int32
	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64

	log     *logger.Logger
	bus     *events.Bus
	metrics *metrics.Metrics
}

// NewPool は size 個のワーカーを持つプールを作成し、全ワーカーの起動を待って返す
func NewPool(size int, opts ...Option) (*Pool, error) {
	config := DefaultPoolConfig()
	config.Size = size
	return NewPoolWithConfig(config, opts...)
}

// NewPoolWithConfig は設定を指定してワーカープールを作成する
func NewPoolWithConfig(config PoolConfig, opts ...Option) (*Pool, error) {
	if config.Size < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidPoolSize, config.Size)
	}
	if config.QueueCapacity < 0 {
		return nil, fmt.Errorf("worker: queue capacity must be non-negative (got %d)", config.QueueCapacity)
	}
	if config.Name == "" {
		config.Name = "default"
	}

	p := &Pool{
		name:     config.Name,
		size:     config.Size,
		capacity: config.QueueCapacity,
		overflow: config.Overflow,
		queue:    queue.New[task](),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Default
	}
	if p.metrics == nil {
		p.metrics = metrics.NewWithConfig(metrics.Config{Name: p.name})
	}
	if p.capacity > 0 {
		p.slots = make(chan struct{}, p.capacity)
	}

	var ready sync.WaitGroup
	ready.Add(p.size)
	for id := range p.size {
		p.spawn(id, &ready)
	}
	ready.Wait()

	p.log.Info(p.name, "WorkerPool started with %d workers (queue: %s)", p.size, p.queueDescription())
	return p, nil
}

func (p *Pool) queueDescription() string {
	if p.capacity == 0 {
		return "unbounded"
	}
	return fmt.Sprintf("%d, %s", p.capacity, p.overflow)
}

// spawn はワーカーゴルーチンを1つ起動する
func (p *Pool) spawn(id int, ready *sync.WaitGroup) {
	p.metrics.SetWorkers(int(p.live.Add(1)))
	p.wg.Add(1)
	go p.worker(id, ready)
}

// worker は個々のワーカーゴルーチン
func (p *Pool) worker(id int, ready *sync.WaitGroup) {
	defer p.wg.Done()

	exited := false
	defer func() {
		if !exited {
			// ジョブ内の runtime.Goexit 等で抜けた。同じIDで補充する
			p.log.Warn(p.name, "worker %d exited abnormally, starting replacement", id)
			p.bus.Publish(events.NewWorkerEvent(events.EventWorkerReplaced, p.name, id))
			p.spawn(id, nil)
		}
		p.metrics.SetWorkers(int(p.live.Add(-1)))
	}()

	p.bus.Publish(events.NewWorkerEvent(events.EventWorkerStarted, p.name, id))
	if ready != nil {
		ready.Done()
	}

	for {
		t, ok := p.queue.Dequeue()
		if !ok {
			exited = true
			p.log.Debug(p.name, "worker %d stopped", id)
			p.bus.Publish(events.NewWorkerEvent(events.EventWorkerStopped, p.name, id))
			return
		}
		p.release()
		p.metrics.SetQueued(p.queue.Len())
		p.execute(id, t)
	}
}

// execute はジョブを1つ実行する。パニックはここで止める
func (p *Pool) execute(id int, t task) {
	if err := t.ctx.Err(); err != nil {
		p.cancelled.Add(1)
		p.metrics.Record(metrics.OutcomeCancelled, 0)
		p.log.Debug(p.name, "worker %d skipped job %d: %v", id, t.id, err)
		return
	}

	ctx := context.WithValue(t.ctx, workerIDKey{}, id)
	start := time.Now()
	p.metrics.SetActive(int(p.active.Add(1)))
	p.log.Debug(p.name, "worker %d got job %d; executing", id, t.id)

	finished := false
	defer func() {
		p.metrics.SetActive(int(p.active.Add(-1)))
		latency := time.Since(start)

		r := recover()
		switch {
		case r != nil:
			p.panicked.Add(1)
			p.metrics.Record(metrics.OutcomePanic, latency)
			p.log.Error(p.name, "worker %d: job %d panicked: %v\n%s", id, t.id, r, debug.Stack())
			p.bus.Publish(events.NewJobPanickedEvent(p.name, id, t.id, fmt.Sprint(r)))
		case !finished:
			p.panicked.Add(1)
			p.metrics.Record(metrics.OutcomePanic, latency)
			p.log.Error(p.name, "worker %d: job %d called runtime.Goexit", id, t.id)
			p.bus.Publish(events.NewJobPanickedEvent(p.name, id, t.id, "runtime.Goexit"))
		default:
			p.completed.Add(1)
			p.metrics.Record(metrics.OutcomeSuccess, latency)
		}
	}()

	t.fn(ctx)
	finished = true
}

// Submit はジョブをプールに送信する
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return ErrNilJob
	}
	return p.submit(context.Background(), func(context.Context) { job() })
}

// SubmitContext はキャンセル可能なジョブを送信する
// ワーカーが取り出した時点で ctx が終了していればジョブは実行されない
func (p *Pool) SubmitContext(ctx context.Context, job ContextJob) error {
	if job == nil {
		return ErrNilJob
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return p.submit(ctx, job)
}

func (p *Pool) submit(ctx context.Context, fn ContextJob) error {
	if p.closing.Load() {
		return p.reject(ErrPoolClosed)
	}
	if p.live.Load() == 0 {
		return p.reject(ErrQueueDisconnected)
	}
	if err := p.acquire(ctx); err != nil {
		return p.reject(err)
	}

	t := task{id: p.nextID.Add(1), ctx: ctx, fn: fn}
	p.submitted.Add(1)
	if err := p.queue.Enqueue(t); err != nil {
		p.submitted.Add(^uint64(0))
		p.release()
		return p.reject(ErrPoolClosed)
	}

	p.metrics.RecordSubmitted()
	p.metrics.SetQueued(p.queue.Len())
	return nil
}

// acquire は有限キューの空き枠を確保する
func (p *Pool) acquire(ctx context.Context) error {
	if p.slots == nil {
		return nil
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	if p.overflow == OverflowReject {
		return ErrQueueFull
	}

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) release() {
	if p.slots != nil {
		<-p.slots
	}
}

func (p *Pool) reject(err error) error {
	p.rejected.Add(1)
	p.metrics.RecordRejected()
	p.bus.Publish(events.NewJobRejectedEvent(p.name, err))
	return err
}

// Close はプールを停止する
// キューを閉じ、受理済みの全ジョブの完了と全ワーカーの終了を待つ。
// 何度呼んでもよい。ジョブ内から呼ぶとデッドロックする
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		close(p.done)
		p.queue.Close()
		p.wg.Wait()

		// ワーカーごとの Set は順序が前後しうるので最終値で上書きする
		p.metrics.SetWorkers(int(p.live.Load()))
		p.metrics.SetActive(int(p.active.Load()))
		p.metrics.SetQueued(p.queue.Len())
		p.bus.Publish(events.NewPoolClosedEvent(p.name))
		p.log.Info(p.name, "WorkerPool stopped (completed: %d, panicked: %d, cancelled: %d)",
			p.completed.Load(), p.panicked.Load(), p.cancelled.Load())
	})
}

// Stats はプールの統計情報
type Stats struct {
	Name      string `json:"name"`
	Size      int    `json:"size"`
	Live      int    `json:"live"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Overflow  string `json:"overflow"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Panicked  uint64 `json:"panicked"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	Closed    bool   `json:"closed"`
}

// Stats は現在の統計を返す
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Size:      p.size,
		Live:      int(p.live.Load()),
		Active:    int(p.active.Load()),
		Queued:    p.queue.Len(),
		Capacity:  p.capacity,
		Overflow:  p.overflow.String(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Cancelled: p.cancelled.Load(),
		Rejected:  p.rejected.Load(),
		Closed:    p.closing.Load(),
	}
}

// Size はワーカー数を返す
func (p *Pool) Size() int {
	return p.size
}

// Name はプール名を返す
func (p *Pool) Name() string {
	return p.name
}

// QueueSize は現在のキューサイズを返す
func (p *Pool) QueueSize() int {
	return p.queue.Len()
}

// Metrics はプールのメトリクスを返す
func (p *Pool) Metrics() *metrics.Metrics {
	return p.metrics
}
