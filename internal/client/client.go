package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"minihttpd/internal/logger"
	"minihttpd/internal/metrics"
	"minihttpd/internal/worker"
)

// Config はClientの設定
type Config struct {
	Target        string        // 接続先 host:port
	NumWorkers    int           // ワーカー数（0でCPU数）
	Paths         []string      // リクエストパス（ランダムに選ぶ）
	Timeout       time.Duration // 1リクエストあたりのタイムアウト
	RequestsLimit uint64        // リクエスト上限（0で無制限）
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Target:        "127.0.0.1:3000",
		NumWorkers:    0,
		Paths:         []string{"/"},
		Timeout:       5 * time.Second,
		RequestsLimit: 0,
	}
}

// Report は負荷生成の結果
type Report struct {
	Target   string           `json:"target"`
	Issued   uint64           `json:"issued"`
	Metrics  metrics.Snapshot `json:"metrics"`
	Statuses map[int]uint64   `json:"statuses"`
}

// String は人が読む形式の要約を返す
func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target:   %s\n", r.Target)
	fmt.Fprintf(&b, "Requests: %d (ok: %d, failed: %d)\n", r.Metrics.Completed, r.Metrics.Succeeded, r.Metrics.Failed)
	fmt.Fprintf(&b, "RPS:      %.2f\n", r.Metrics.OverallRPS)
	fmt.Fprintf(&b, "Latency:  avg %v, p99 %v\n", r.Metrics.AverageLatency, r.Metrics.P99Latency)
	for _, code := range []int{200, 400, 404, 405, 500, 503} {
		if n := r.Statuses[code]; n > 0 {
			fmt.Fprintf(&b, "  %d: %d\n", code, n)
		}
	}
	return b.String()
}

// Client は負荷生成器
type Client struct {
	config  Config
	pool    *worker.Pool
	metrics *metrics.Metrics

	running atomic.Bool
	stopped atomic.Bool
	issued  atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	statuses map[int]uint64
}

// New は新しいClientを作成する
func New(config Config) (*Client, error) {
	if config.Target == "" {
		return nil, fmt.Errorf("client: target address is required")
	}
	if len(config.Paths) == 0 {
		config.Paths = []string{"/"}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	// 生成側がキューを溢れさせないよう有限キュー + ブロック
	pool, err := worker.NewPoolWithConfig(worker.PoolConfig{
		Name:          "loadgen",
		Size:          numWorkers,
		QueueCapacity: numWorkers * 4,
		Overflow:      worker.OverflowBlock,
	}, worker.WithLogger(logger.New(io.Discard, logger.LevelError)))
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	return &Client{
		config:   config,
		pool:     pool,
		metrics:  metrics.NewWithConfig(metrics.Config{Name: "loadgen"}),
		statuses: make(map[int]uint64),
	}, nil
}

// Start は負荷生成を開始する
func (c *Client) Start(ctx context.Context) {
	if c.stopped.Load() || c.running.Swap(true) {
		return
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	logger.Info("loadgen", "Client started (target: %s, workers: %d)", c.config.Target, c.pool.Size())

	c.wg.Add(1)
	go c.generateRequests()
}

// generateRequests はリクエストを生成し続ける
func (c *Client) generateRequests() {
	defer c.wg.Done()

	for {
		if c.ctx.Err() != nil {
			return
		}
		if c.config.RequestsLimit > 0 && c.issued.Load() >= c.config.RequestsLimit {
			return
		}

		path := c.config.Paths[rand.Intn(len(c.config.Paths))]
		if err := c.pool.SubmitContext(c.ctx, c.createJob(path)); err != nil {
			return
		}
		c.issued.Add(1)
	}
}

// createJob はリクエストジョブを作成する
func (c *Client) createJob(path string) worker.ContextJob {
	return func(ctx context.Context) {
		start := time.Now()
		status, err := c.get(ctx, path)
		latency := time.Since(start)

		if err != nil || status >= 500 {
			c.metrics.RecordFailure(latency)
		} else {
			c.metrics.RecordSuccess(latency)
		}
		if err == nil {
			c.mu.Lock()
			c.statuses[status]++
			c.mu.Unlock()
		}
	}
}

// get は GET を1回送り、ステータスコードを返す
func (c *Client) get(ctx context.Context, path string) (int, error) {
	d := net.Dialer{Timeout: c.config.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.config.Target)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.config.Timeout))

	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: %s\r\n\r\n", path, c.config.Target); err != nil {
		return 0, err
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("failed to read status line: %w", err)
	}
	status, err := parseStatusLine(line)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, r)
	return status, nil
}

func parseStatusLine(line string) (int, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line: %q", strings.TrimSpace(line))
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code: %q", fields[1])
	}
	return code, nil
}

// Stop は負荷生成を停止し、実行中のリクエストの完了を待つ
func (c *Client) Stop() {
	if c.stopped.Swap(true) {
		return
	}

	if c.running.Swap(false) {
		c.cancel()
		c.wg.Wait()
	}
	c.pool.Close()

	logger.Info("loadgen", "Client stopped (issued: %d)", c.issued.Load())
}

// Metrics はメトリクスを返す
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// IsRunning は実行中かどうかを返す
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// Report は現在の結果を返す
func (c *Client) Report() *Report {
	c.mu.Lock()
	statuses := make(map[int]uint64, len(c.statuses))
	for k, v := range c.statuses {
		statuses[k] = v
	}
	c.mu.Unlock()

	return &Report{
		Target:   c.config.Target,
		Issued:   c.issued.Load(),
		Metrics:  c.metrics.Snapshot(),
		Statuses: statuses,
	}
}

// RunFor は指定時間だけ負荷生成を実行する
func (c *Client) RunFor(ctx context.Context, duration time.Duration) *Report {
	c.Start(ctx)

	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}

	c.Stop()
	return c.Report()
}

// RunRequests は指定数のリクエストを実行する
func (c *Client) RunRequests(ctx context.Context, count uint64) *Report {
	c.config.RequestsLimit = count
	c.Start(ctx)
	c.wg.Wait()
	c.Stop()
	return c.Report()
}
