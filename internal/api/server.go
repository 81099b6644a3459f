// Package api serves the admin HTTP API: pool status, metrics, recent
// requests, chaos switches and a websocket stream of pool events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"minihttpd/internal/accesslog"
	"minihttpd/internal/chaos"
	"minihttpd/internal/events"
	"minihttpd/internal/logger"
	"minihttpd/internal/server"
	"minihttpd/internal/worker"

	"golang.org/x/net/websocket"
)

// StatsSource はHTTPサーバーの統計を提供する
type StatsSource interface {
	Stats() server.Stats
}

// Option はAPIサーバーの付帯機能を設定する
type Option func(*Server)

// WithHTTPServer はステータスに含めるHTTPサーバーを設定する
func WithHTTPServer(src StatsSource) Option {
	return func(s *Server) { s.httpd = src }
}

// WithAccessLog はアクセスログを設定する
func WithAccessLog(store *accesslog.Store) Option {
	return func(s *Server) { s.access = store }
}

// WithChaos は障害注入を設定する
func WithChaos(in *chaos.Injector) Option {
	return func(s *Server) { s.chaos = in }
}

// WithEventBus は /ws で配信するイベントバスを設定する
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithStatusInterval はステータス配信の間隔を設定する
func WithStatusInterval(d time.Duration) Option {
	return func(s *Server) { s.statusInterval = d }
}

// Server はAPIサーバー
type Server struct {
	addr           string
	pool           *worker.Pool
	httpd          StatsSource
	access         *accesslog.Store
	chaos          *chaos.Injector
	bus            *events.Bus
	statusInterval time.Duration
	started        time.Time

	mu        sync.RWMutex
	wsClients map[*websocket.Conn]bool

	server *http.Server
}

// NewServer は新しいAPIサーバーを作成する
func NewServer(addr string, pool *worker.Pool, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		pool:           pool,
		statusInterval: time.Second,
		started:        time.Now(),
		wsClients:      make(map[*websocket.Conn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/requests", s.handleRequests)
	mux.HandleFunc("/api/chaos", s.handleChaos)
	mux.HandleFunc("/api/chaos/enable", s.handleChaosToggle(true))
	mux.HandleFunc("/api/chaos/disable", s.handleChaosToggle(false))

	// Prometheus
	mux.Handle("/metrics", s.pool.Metrics().Handler())

	// WebSocket
	mux.Handle("/ws", websocket.Handler(s.handleWebSocket))

	return mux
}

// Start はサーバーを開始し、ctx が終了するまでブロックする
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// バックグラウンドでイベントとステータスを配信
	go s.broadcastLoop(ctx)

	logger.Info("api", "API Server starting on http://%s", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StatusResponse はステータスレスポンス
type StatusResponse struct {
	Uptime       string        `json:"uptime"`
	Pool         worker.Stats  `json:"pool"`
	Server       *server.Stats `json:"server,omitempty"`
	ChaosEnabled bool          `json:"chaos_enabled"`
}

func (s *Server) status() StatusResponse {
	resp := StatusResponse{
		Uptime: time.Since(s.started).Truncate(time.Second).String(),
		Pool:   s.pool.Stats(),
	}
	if s.httpd != nil {
		st := s.httpd.Stats()
		resp.Server = &st
	}
	if s.chaos != nil {
		resp.ChaosEnabled = s.chaos.Enabled()
	}
	return resp
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, s.status())
}

// MetricsResponse はメトリクスレスポンス
type MetricsResponse struct {
	TotalRequests   uint64  `json:"total_requests"`
	SuccessRequests uint64  `json:"success_requests"`
	FailedRequests  uint64  `json:"failed_requests"`
	Panicked        uint64  `json:"panicked"`
	Rejected        uint64  `json:"rejected"`
	RPS             float64 `json:"rps"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	P99LatencyMs    float64 `json:"p99_latency_ms"`
	ErrorRate       float64 `json:"error_rate"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.pool.Metrics().Snapshot()
	s.writeJSON(w, MetricsResponse{
		TotalRequests:   snap.Completed,
		SuccessRequests: snap.Succeeded,
		FailedRequests:  snap.Failed,
		Panicked:        snap.Panicked,
		Rejected:        snap.Rejected,
		RPS:             snap.RPS,
		AvgLatencyMs:    float64(snap.AverageLatency) / float64(time.Millisecond),
		P99LatencyMs:    float64(snap.P99Latency) / float64(time.Millisecond),
		ErrorRate:       snap.ErrorRate,
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.access == nil {
		http.Error(w, "Access log disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.access.Recent(r.Context(), limit)
	if err != nil {
		logger.Error("api", "Failed to read access log: %v", err)
		http.Error(w, "Failed to read access log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []accesslog.Entry{}
	}

	s.writeJSON(w, entries)
}

// ChaosResponse は障害注入の状態
type ChaosResponse struct {
	Enabled bool        `json:"enabled"`
	Stats   chaos.Stats `json:"stats"`
}

func (s *Server) handleChaos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.chaos == nil {
		http.Error(w, "Chaos disabled", http.StatusNotFound)
		return
	}

	s.writeJSON(w, ChaosResponse{Enabled: s.chaos.Enabled(), Stats: s.chaos.Stats()})
}

func (s *Server) handleChaosToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.chaos == nil {
			http.Error(w, "Chaos disabled", http.StatusNotFound)
			return
		}

		if enable {
			s.chaos.Enable()
		} else {
			s.chaos.Disable()
		}
		logger.Info("api", "Chaos enabled=%v", enable)

		s.writeJSON(w, ChaosResponse{Enabled: s.chaos.Enabled(), Stats: s.chaos.Stats()})
	}
}

// WebSocket handling
func (s *Server) handleWebSocket(ws *websocket.Conn) {
	s.mu.Lock()
	s.wsClients[ws] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	// 切断されるまで読み捨てる
	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
	}
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.wsClients)
}

// Message は /ws で配信するメッセージ
type Message struct {
	Type   string          `json:"type"`
	Event  *events.Event   `json:"event,omitempty"`
	Status *StatusResponse `json:"status,omitempty"`
}

func (s *Server) broadcast(msg Message) {
	s.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(s.wsClients))
	for ws := range s.wsClients {
		clients = append(clients, ws)
	}
	s.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, ws := range clients {
		_ = websocket.Message.Send(ws, string(jsonData))
	}
}

// broadcastLoop はバスのイベントと定期ステータスを配信する
// 送信はこのゴルーチンだけが行う
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	var eventCh <-chan events.Event
	if s.bus != nil {
		eventCh = s.bus.Subscribe()
		defer s.bus.Unsubscribe(eventCh)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				eventCh = nil
				continue
			}
			s.broadcast(Message{Type: "event", Event: &ev})
		case <-ticker.C:
			status := s.status()
			s.broadcast(Message{Type: "status", Status: &status})
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("api", "Failed to encode JSON: %v", err)
	}
}
