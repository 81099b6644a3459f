package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"minihttpd/internal/accesslog"
	"minihttpd/internal/chaos"
	"minihttpd/internal/events"
	"minihttpd/internal/logger"
	"minihttpd/internal/server"
	"minihttpd/internal/worker"

	"golang.org/x/net/websocket"
)

type fakeHTTPD struct{ stats server.Stats }

func (f fakeHTTPD) Stats() server.Stats { return f.stats }

func newPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool, err := worker.NewPoolWithConfig(worker.PoolConfig{Name: "admin-test", Size: 2},
		worker.WithLogger(logger.New(io.Discard, logger.LevelError)))
	if err != nil {
		t.Fatalf("NewPoolWithConfig failed: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func runJob(t *testing.T, pool *worker.Pool) {
	t.Helper()
	done := make(chan struct{})
	if err := pool.Submit(func() { close(done) }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s failed: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHandleStatus(t *testing.T) {
	pool := newPool(t)
	s := NewServer("", pool, WithHTTPServer(fakeHTTPD{server.Stats{Accepted: 3, Served: 2, Rejected: 1}}))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var status StatusResponse
	if code := getJSON(t, ts.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}

	if status.Pool.Name != "admin-test" || status.Pool.Size != 2 {
		t.Errorf("unexpected pool stats: %+v", status.Pool)
	}
	if status.Server == nil || status.Server.Accepted != 3 {
		t.Errorf("unexpected server stats: %+v", status.Server)
	}
	if status.ChaosEnabled {
		t.Error("chaos should be reported disabled without an injector")
	}
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	s := NewServer("", newPool(t))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHandleMetrics(t *testing.T) {
	pool := newPool(t)
	runJob(t, pool)

	s := NewServer("", pool)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	// 完了の記録はジョブ終了直後に行われる
	deadline := time.Now().Add(time.Second)
	var m MetricsResponse
	for time.Now().Before(deadline) {
		getJSON(t, ts.URL+"/api/metrics", &m)
		if m.TotalRequests == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if m.TotalRequests != 1 || m.SuccessRequests != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	pool := newPool(t)
	runJob(t, pool)

	s := NewServer("", pool)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `minihttpd_jobs_submitted_total{pool="admin-test"} 1`) {
		t.Errorf("exposition missing submitted counter:\n%s", body)
	}
}

func TestHandleRequests(t *testing.T) {
	store, err := accesslog.Open(":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	for i := range 3 {
		err := store.Record(ctx, accesslog.Entry{
			Method:   "GET",
			URI:      "/",
			Status:   200,
			Worker:   i,
			ServedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	s := NewServer("", newPool(t), WithAccessLog(store))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var entries []accesslog.Entry
	if code := getJSON(t, ts.URL+"/api/requests?limit=2", &entries); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 entries, got %d", len(entries))
	}

	if code := getJSON(t, ts.URL+"/api/requests?limit=abc", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid limit, got %d", code)
	}
}

func TestHandleRequestsWithoutAccessLog(t *testing.T) {
	s := NewServer("", newPool(t))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/api/requests", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestChaosToggle(t *testing.T) {
	in, err := chaos.New(chaos.Config{})
	if err != nil {
		t.Fatalf("chaos.New failed: %v", err)
	}

	s := NewServer("", newPool(t), WithChaos(in))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chaos/disable", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if in.Enabled() {
		t.Error("injector should be disabled")
	}

	resp, err = http.Post(ts.URL+"/api/chaos/enable", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if !in.Enabled() {
		t.Error("injector should be enabled")
	}

	var cr ChaosResponse
	if code := getJSON(t, ts.URL+"/api/chaos", &cr); code != http.StatusOK || !cr.Enabled {
		t.Errorf("unexpected chaos response: %d %+v", code, cr)
	}

	if code := getJSON(t, ts.URL+"/api/chaos/enable", nil); code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET toggle, got %d", code)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	s := NewServer("", newPool(t), WithEventBus(bus), WithStatusInterval(time.Hour))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.broadcastLoop(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, err := websocket.Dial(wsURL, "", ts.URL)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	// 購読とクライアント登録が揃うまで待つ
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() == 0 || s.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber or client not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(events.NewRequestServedEvent(1, "GET", "/", 200))

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	if msg.Type != "event" || msg.Event == nil {
		t.Fatalf("expected event message, got %+v", msg)
	}
	if msg.Event.Type != events.EventRequestServed || msg.Event.Data.URI != "/" {
		t.Errorf("unexpected event: %+v", msg.Event)
	}
}

func TestWebSocketStatusTick(t *testing.T) {
	s := NewServer("", newPool(t), WithStatusInterval(10*time.Millisecond))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.broadcastLoop(ctx)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, err := websocket.Dial(wsURL, "", ts.URL)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := websocket.JSON.Receive(ws, &msg); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if msg.Type != "status" || msg.Status == nil || msg.Status.Pool.Name != "admin-test" {
		t.Errorf("unexpected status message: %+v", msg)
	}
}

func TestStartShutsDownOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", newPool(t))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
