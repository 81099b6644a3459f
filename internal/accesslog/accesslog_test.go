package accesslog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	for i, uri := range []string{"/", "/a", "/b"} {
		err := s.Record(ctx, Entry{
			Remote:   "127.0.0.1:5000",
			Method:   "GET",
			URI:      uri,
			Status:   200,
			Bytes:    int64(100 + i),
			Worker:   i,
			Duration: 1500 * time.Microsecond,
		})
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	entries, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].URI != "/b" || entries[1].URI != "/a" {
		t.Errorf("expected newest first, got %s, %s", entries[0].URI, entries[1].URI)
	}
	if entries[0].Duration != 1500*time.Microsecond {
		t.Errorf("expected 1.5ms, got %v", entries[0].Duration)
	}
	if entries[0].ServedAt.IsZero() {
		t.Error("expected served_at to be filled in")
	}

	n, err := s.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("expected count 3, got %d (%v)", n, err)
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	for range 60 {
		_ = s.Record(ctx, Entry{Method: "GET", URI: "/", Status: 200})
	}

	entries, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 50 {
		t.Errorf("expected default limit 50, got %d", len(entries))
	}
}

func TestOpenFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = s.Record(ctx, Entry{Method: "GET", URI: "/persist", Status: 404})
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	entries, err := s.Recent(ctx, 10)
	if err != nil || len(entries) != 1 || entries[0].Status != 404 {
		t.Errorf("expected persisted entry, got %+v (%v)", entries, err)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "access.db"))
	if err == nil {
		t.Error("expected error for unwritable path")
	}
}

func TestConcurrentRecord(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				if err := s.Record(ctx, Entry{Method: "GET", URI: "/", Status: 200, Worker: w}); err != nil {
					t.Errorf("record failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if n, _ := s.Count(ctx); n != 100 {
		t.Errorf("expected 100 entries, got %d", n)
	}
}
