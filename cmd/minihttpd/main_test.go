package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"minihttpd/internal/config"
)

func parse(t *testing.T, args ...string) *flags {
	t.Helper()
	parser, f := newParser()
	if err := parser.Parse(append([]string{"minihttpd"}, args...)); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return f
}

func TestBuildConfigDefaults(t *testing.T) {
	cfg, err := buildConfig(parse(t))
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	def := config.Default()
	if cfg.Server.Addr != def.Server.Addr {
		t.Errorf("expected addr %s, got %s", def.Server.Addr, cfg.Server.Addr)
	}
	if cfg.Pool.QueueCapacity != 0 {
		t.Errorf("expected unbounded queue, got %d", cfg.Pool.QueueCapacity)
	}
	if cfg.Admin.Enabled || cfg.AccessLog.Enabled || cfg.Chaos.Enabled {
		t.Error("optional features should stay disabled")
	}
}

func TestBuildConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minihttpd.yaml")
	content := "server:\n  addr: 127.0.0.1:4000\npool:\n  workers: 2\n  queue_capacity: 16\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := buildConfig(parse(t,
		"--config", path,
		"--workers", "8",
		"--overflow", "reject",
		"--admin", "127.0.0.1:9999",
		"--chaos",
		"--log-level", "debug",
	))
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	if cfg.Server.Addr != "127.0.0.1:4000" {
		t.Errorf("expected addr from file, got %s", cfg.Server.Addr)
	}
	if cfg.Pool.Workers != 8 {
		t.Errorf("expected workers 8 from flag, got %d", cfg.Pool.Workers)
	}
	if cfg.Pool.QueueCapacity != 16 {
		t.Errorf("expected queue 16 from file, got %d", cfg.Pool.QueueCapacity)
	}
	if cfg.Pool.Overflow != "reject" {
		t.Errorf("expected overflow reject, got %s", cfg.Pool.Overflow)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Addr != "127.0.0.1:9999" {
		t.Errorf("unexpected admin config: %+v", cfg.Admin)
	}
	if !cfg.Chaos.Enabled {
		t.Error("expected chaos enabled")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
}

func TestBuildConfigInvalid(t *testing.T) {
	if _, err := buildConfig(parse(t, "--config", "/nonexistent/minihttpd.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  workers: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := buildConfig(parse(t, "--config", path)); err == nil {
		t.Error("expected validation error for zero workers")
	}
}

func TestAppServesAndDrains(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.html"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Server.Root = root
	cfg.Pool.Workers = 2
	cfg.AccessLog = config.AccessLogConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "access.db")}

	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "hello" {
		t.Errorf("unexpected response: %d %q", resp.StatusCode, body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	if !a.pool.Stats().Closed {
		t.Error("pool should be closed after serve returns")
	}
	n, err := a.access.Count(context.Background())
	if err != nil || n != 1 {
		t.Errorf("expected 1 access log entry, got %d (%v)", n, err)
	}
}

// brokenListener の Accept は常に恒久的なエラーを返す
type brokenListener struct {
	net.Listener
}

var errBrokenAccept = errors.New("accept: broken listener")

func (l brokenListener) Accept() (net.Conn, error) {
	return nil, errBrokenAccept
}

func adminApp(t *testing.T, adminAddr string) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Root = t.TempDir()
	cfg.Pool.Workers = 1
	cfg.Admin = config.AdminConfig{Enabled: true, Addr: adminAddr}

	a, err := newApp(cfg)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	t.Cleanup(a.close)
	return a
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
		return nil
	}
}

func TestServeStopsAdminOnAcceptFailure(t *testing.T) {
	a := adminApp(t, "127.0.0.1:0")

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer inner.Close()

	done := make(chan error, 1)
	go func() { done <- a.serve(context.Background(), brokenListener{inner}) }()

	if err := waitServe(t, done); !errors.Is(err, errBrokenAccept) {
		t.Errorf("expected accept error, got %v", err)
	}
	if !a.pool.Stats().Closed {
		t.Error("pool should be closed after serve returns")
	}
}

func TestServeReportsAdminBindFailure(t *testing.T) {
	// 管理APIのポートを先に塞いでおく
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	a := adminApp(t, taken.Addr().String())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- a.serve(context.Background(), ln) }()

	err = waitServe(t, done)
	if err == nil {
		t.Fatal("expected admin bind error")
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("expected wrapped listen error, got %v", err)
	}
}
