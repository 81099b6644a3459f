package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"minihttpd/internal/events"
	"minihttpd/internal/logger"
	"minihttpd/internal/worker"
)

// FaultKind は注入する障害の種類を表す
type FaultKind int

const (
	FaultNone FaultKind = iota
	FaultPanic
	FaultDelay
)

func (f FaultKind) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultPanic:
		return "panic"
	case FaultDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// InjectedPanic は FaultPanic で投げられる値
type InjectedPanic struct {
	JobSeq uint64
}

func (p InjectedPanic) Error() string {
	return fmt.Sprintf("chaos: injected panic into job %d", p.JobSeq)
}

// Config はInjectorの設定
type Config struct {
	PanicRate float64       // パニックさせる確率（0.0〜1.0）
	DelayRate float64       // 遅延させる確率（0.0〜1.0）
	Delay     time.Duration // 遅延時間
	Seed      int64         // 0 なら時刻から
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		PanicRate: 0.01,
		DelayRate: 0.05,
		Delay:     100 * time.Millisecond,
	}
}

// Validate は設定を検証する
func (c Config) Validate() error {
	if c.PanicRate < 0 || c.PanicRate > 1 {
		return fmt.Errorf("chaos: panic_rate must be between 0 and 1")
	}
	if c.DelayRate < 0 || c.DelayRate > 1 {
		return fmt.Errorf("chaos: delay_rate must be between 0 and 1")
	}
	if c.PanicRate+c.DelayRate > 1 {
		return fmt.Errorf("chaos: panic_rate + delay_rate must not exceed 1")
	}
	if c.Delay < 0 {
		return fmt.Errorf("chaos: delay must be non-negative")
	}
	return nil
}

// Stats は注入の統計情報
type Stats struct {
	Wrapped  uint64            `json:"wrapped"`
	Injected uint64            `json:"injected"`
	ByKind   map[string]uint64 `json:"injected_by_kind"`
}

// Injector はジョブに障害を注入する
type Injector struct {
	config   Config
	eventBus *events.Bus
	log      *logger.Scoped

	enabled atomic.Bool
	seq     atomic.Uint64

	mu     sync.Mutex
	rng    *rand.Rand
	byKind map[FaultKind]uint64
}

// New は新しいInjectorを作成する。作成直後は有効
func New(config Config) (*Injector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	in := &Injector{
		config: config,
		log:    logger.Default.Scope("chaos"),
		rng:    rand.New(rand.NewSource(seed)),
		byKind: make(map[FaultKind]uint64),
	}
	in.enabled.Store(true)
	return in, nil
}

// SetEventBus はイベントバスを設定する
func (in *Injector) SetEventBus(bus *events.Bus) {
	in.eventBus = bus
}

// SetLogger はロガーを設定する
func (in *Injector) SetLogger(l *logger.Logger) {
	in.log = l.Scope("chaos")
}

// Enable は注入を再開する
func (in *Injector) Enable() {
	in.enabled.Store(true)
}

// Disable は注入を止める。Wrap 済みのジョブもそのまま実行されるようになる
func (in *Injector) Disable() {
	in.enabled.Store(false)
}

// Enabled は有効かどうかを返す
func (in *Injector) Enabled() bool {
	return in.enabled.Load()
}

// selectFault は確率に従って障害を選ぶ
func (in *Injector) selectFault() FaultKind {
	in.mu.Lock()
	defer in.mu.Unlock()

	r := in.rng.Float64()
	switch {
	case r < in.config.PanicRate:
		return FaultPanic
	case r < in.config.PanicRate+in.config.DelayRate:
		return FaultDelay
	default:
		return FaultNone
	}
}

// Wrap はジョブを障害注入付きのジョブに包む
func (in *Injector) Wrap(job worker.ContextJob) worker.ContextJob {
	seq := in.seq.Add(1)
	return func(ctx context.Context) {
		if in.enabled.Load() {
			in.inject(ctx, seq)
		}
		job(ctx)
	}
}

// inject は選ばれた障害をジョブ実行前に起こす
func (in *Injector) inject(ctx context.Context, seq uint64) {
	fault := in.selectFault()
	if fault == FaultNone {
		return
	}

	workerID, _ := worker.WorkerID(ctx)
	in.mu.Lock()
	in.byKind[fault]++
	in.mu.Unlock()
	in.eventBus.Publish(events.NewFaultInjectedEvent(workerID, fault.String()))

	switch fault {
	case FaultPanic:
		in.log.Warn("injecting panic into job %d on worker %d", seq, workerID)
		panic(InjectedPanic{JobSeq: seq})
	case FaultDelay:
		in.log.Warn("injecting %v delay into job %d on worker %d", in.config.Delay, seq, workerID)
		select {
		case <-ctx.Done():
		case <-time.After(in.config.Delay):
		}
	}
}

// Stats は注入統計を返す
func (in *Injector) Stats() Stats {
	in.mu.Lock()
	defer in.mu.Unlock()

	byKind := make(map[string]uint64)
	var total uint64
	for k, n := range in.byKind {
		byKind[k.String()] = n
		total += n
	}

	return Stats{
		Wrapped:  in.seq.Load(),
		Injected: total,
		ByKind:   byKind,
	}
}
