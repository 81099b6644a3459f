package metrics

import (
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome はジョブ（またはリクエスト）の結果種別
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomePanic
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomePanic:
		return "panic"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var outcomes = []Outcome{OutcomeSuccess, OutcomeFailure, OutcomePanic, OutcomeCancelled}

// Config はメトリクスの設定
type Config struct {
	Name              string // const label "pool" の値
	Namespace         string // Prometheus の namespace
	MaxLatencySamples int    // P99 計算用のサンプル上限
	RuntimeCollectors bool   // Go ランタイム/プロセスのコレクタも登録する
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Name:              "default",
		Namespace:         "minihttpd",
		MaxLatencySamples: 1000,
	}
}

// Metrics はジョブの実行結果と待ち行列の状態を収集する
type Metrics struct {
	submitted      atomic.Uint64
	rejected       atomic.Uint64
	counts         [4]atomic.Uint64
	totalLatencyNs atomic.Uint64
	active         atomic.Int64
	queued         atomic.Int64
	workers        atomic.Int64

	mu                sync.RWMutex
	startTime         time.Time
	lastResetTime     time.Time
	windowCount       uint64
	latencies         []time.Duration
	maxLatencySamples int

	registry *prometheus.Registry
	prom     promSet
}

type promSet struct {
	submitted prometheus.Counter
	rejected  prometheus.Counter
	completed *prometheus.CounterVec
	duration  prometheus.Histogram
	active    prometheus.Gauge
	queued    prometheus.Gauge
	workers   prometheus.Gauge
}

// New はデフォルト設定でメトリクスを作成する
func New() *Metrics {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig は設定を指定してメトリクスを作成する
func NewWithConfig(config Config) *Metrics {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.Namespace == "" {
		config.Namespace = def.Namespace
	}
	if config.MaxLatencySamples <= 0 {
		config.MaxLatencySamples = def.MaxLatencySamples
	}

	now := time.Now()
	m := &Metrics{
		startTime:         now,
		lastResetTime:     now,
		latencies:         make([]time.Duration, 0, config.MaxLatencySamples),
		maxLatencySamples: config.MaxLatencySamples,
		registry:          prometheus.NewRegistry(),
	}

	if config.RuntimeCollectors {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	labels := prometheus.Labels{"pool": config.Name}
	factory := promauto.With(m.registry)
	m.prom = promSet{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "jobs_submitted_total",
			Help:        "Total number of jobs accepted by the pool",
			ConstLabels: labels,
		}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "jobs_rejected_total",
			Help:        "Total number of submissions refused by the pool",
			ConstLabels: labels,
		}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "jobs_completed_total",
			Help:        "Total number of jobs finished, by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "job_duration_seconds",
			Help:        "Duration of job execution in seconds",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}),
		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "jobs_active",
			Help:        "Jobs currently executing on a worker",
			ConstLabels: labels,
		}),
		queued: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "jobs_queued",
			Help:        "Jobs waiting in the queue",
			ConstLabels: labels,
		}),
		workers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "workers_live",
			Help:        "Worker goroutines currently alive",
			ConstLabels: labels,
		}),
	}

	// ラベル付きシリーズを 0 で初期化しておく
	for _, o := range outcomes {
		m.prom.completed.WithLabelValues(o.String())
	}

	return m
}

// RecordSubmitted は受理されたジョブを記録する
func (m *Metrics) RecordSubmitted() {
	m.submitted.Add(1)
	m.prom.submitted.Inc()
}

// RecordRejected は拒否された投入を記録する
func (m *Metrics) RecordRejected() {
	m.rejected.Add(1)
	m.prom.rejected.Inc()
}

// Record は完了したジョブを結果別に記録する
func (m *Metrics) Record(outcome Outcome, latency time.Duration) {
	if outcome < OutcomeSuccess || outcome > OutcomeCancelled {
		return
	}

	m.counts[outcome].Add(1)
	m.totalLatencyNs.Add(uint64(latency.Nanoseconds()))
	m.prom.completed.WithLabelValues(outcome.String()).Inc()
	if outcome != OutcomeCancelled {
		m.prom.duration.Observe(latency.Seconds())
	}

	m.mu.Lock()
	m.windowCount++
	if outcome == OutcomeSuccess && len(m.latencies) < m.maxLatencySamples {
		m.latencies = append(m.latencies, latency)
	}
	m.mu.Unlock()
}

// RecordSuccess は成功を記録する
func (m *Metrics) RecordSuccess(latency time.Duration) {
	m.Record(OutcomeSuccess, latency)
}

// RecordFailure は失敗を記録する
func (m *Metrics) RecordFailure(latency time.Duration) {
	m.Record(OutcomeFailure, latency)
}

// SetActive は実行中ジョブ数を設定する
func (m *Metrics) SetActive(n int) {
	m.active.Store(int64(n))
	m.prom.active.Set(float64(n))
}

// SetQueued はキュー内のジョブ数を設定する
func (m *Metrics) SetQueued(n int) {
	m.queued.Store(int64(n))
	m.prom.queued.Set(float64(n))
}

// SetWorkers は生存ワーカー数を設定する
func (m *Metrics) SetWorkers(n int) {
	m.workers.Store(int64(n))
	m.prom.workers.Set(float64(n))
}

// Submitted は受理されたジョブ数を返す
func (m *Metrics) Submitted() uint64 {
	return m.submitted.Load()
}

// Rejected は拒否された投入数を返す
func (m *Metrics) Rejected() uint64 {
	return m.rejected.Load()
}

// Count は指定結果のジョブ数を返す
func (m *Metrics) Count(outcome Outcome) uint64 {
	if outcome < OutcomeSuccess || outcome > OutcomeCancelled {
		return 0
	}
	return m.counts[outcome].Load()
}

// TotalCompleted は結果を問わず完了したジョブ数を返す
func (m *Metrics) TotalCompleted() uint64 {
	var total uint64
	for _, o := range outcomes {
		total += m.counts[o].Load()
	}
	return total
}

// RPS は直近ウィンドウの完了数/秒を返す
func (m *Metrics) RPS() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elapsed := time.Since(m.lastResetTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.windowCount) / elapsed
}

// OverallRPS は開始からの平均完了数/秒を返す
func (m *Metrics) OverallRPS() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.TotalCompleted()) / elapsed
}

// AverageLatency は平均レイテンシを返す
func (m *Metrics) AverageLatency() time.Duration {
	total := m.TotalCompleted()
	if total == 0 {
		return 0
	}
	return time.Duration(m.totalLatencyNs.Load() / total)
}

// P99Latency は成功ジョブのP99レイテンシを返す（サンプルベース）
func (m *Metrics) P99Latency() time.Duration {
	m.mu.RLock()
	sorted := slices.Clone(m.latencies)
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return 0
	}
	slices.Sort(sorted)

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ErrorRate は失敗とパニックの割合を返す（0.0〜1.0）
func (m *Metrics) ErrorRate() float64 {
	total := m.TotalCompleted()
	if total == 0 {
		return 0
	}
	bad := m.counts[OutcomeFailure].Load() + m.counts[OutcomePanic].Load()
	return float64(bad) / float64(total)
}

// Reset はウィンドウメトリクスをリセットする
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.windowCount = 0
	m.lastResetTime = time.Now()
	m.latencies = m.latencies[:0]
}

// Registry は Prometheus レジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用の HTTP ハンドラを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot はメトリクスのスナップショット
type Snapshot struct {
	Submitted      uint64        `json:"submitted"`
	Rejected       uint64        `json:"rejected"`
	Completed      uint64        `json:"completed"`
	Succeeded      uint64        `json:"succeeded"`
	Failed         uint64        `json:"failed"`
	Panicked       uint64        `json:"panicked"`
	Cancelled      uint64        `json:"cancelled"`
	Active         int64         `json:"active"`
	Queued         int64         `json:"queued"`
	Workers        int64         `json:"workers"`
	RPS            float64       `json:"rps"`
	OverallRPS     float64       `json:"overall_rps"`
	AverageLatency time.Duration `json:"average_latency_ns"`
	P99Latency     time.Duration `json:"p99_latency_ns"`
	ErrorRate      float64       `json:"error_rate"`
	Elapsed        time.Duration `json:"elapsed_ns"`
}

// Snapshot は現在のメトリクスのスナップショットを返す
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Submitted:      m.Submitted(),
		Rejected:       m.Rejected(),
		Completed:      m.TotalCompleted(),
		Succeeded:      m.Count(OutcomeSuccess),
		Failed:         m.Count(OutcomeFailure),
		Panicked:       m.Count(OutcomePanic),
		Cancelled:      m.Count(OutcomeCancelled),
		Active:         m.active.Load(),
		Queued:         m.queued.Load(),
		Workers:        m.workers.Load(),
		RPS:            m.RPS(),
		OverallRPS:     m.OverallRPS(),
		AverageLatency: m.AverageLatency(),
		P99Latency:     m.P99Latency(),
		ErrorRate:      m.ErrorRate(),
		Elapsed:        time.Since(m.startTime),
	}
}
