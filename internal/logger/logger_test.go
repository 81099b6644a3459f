package logger

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %s, want %s", tt.level, got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" Error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerOutputFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, LevelDebug)
	l.now = func() time.Time {
		return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	}

	l.Info("worker-1", "job %d done", 7)

	want := "[2026-01-02 15:04:05.000] [INFO] [worker-1] job 7 done\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, LevelWarn)

	l.Debug("", "debug message")
	l.Info("", "info message")
	l.Warn("", "warn message")
	l.Error("", "error message")

	output := buf.String()

	if strings.Contains(output, "[DEBUG]") || strings.Contains(output, "[INFO]") {
		t.Error("DEBUG and INFO should be filtered")
	}
	if !strings.Contains(output, "[WARN]") || !strings.Contains(output, "[ERROR]") {
		t.Error("expected WARN and ERROR logs")
	}
	if strings.Contains(output, "[]") {
		t.Error("should not have empty brackets for scope")
	}
}

func TestLoggerSetLevelAndEnabled(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(buf, LevelError)

	if l.Enabled(LevelInfo) {
		t.Error("INFO should be disabled at ERROR level")
	}

	l.SetLevel(LevelInfo)
	l.Info("", "should appear")

	if !l.Enabled(LevelInfo) {
		t.Error("INFO should be enabled after SetLevel")
	}
	if !strings.Contains(buf.String(), "should appear") {
		t.Error("INFO should appear after SetLevel")
	}
}

func TestLoggerSetOutput(t *testing.T) {
	first := &bytes.Buffer{}
	second := &bytes.Buffer{}
	l := New(first, LevelInfo)

	l.SetOutput(second)
	l.Info("", "moved")

	if first.Len() != 0 {
		t.Error("expected nothing written to the old output")
	}
	if !strings.Contains(second.String(), "moved") {
		t.Error("expected message in the new output")
	}
}

func TestScopedLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	s := New(buf, LevelDebug).Scope("server")

	s.Debug("a")
	s.Info("b")
	s.Warn("c")
	s.Error("d %s", "e")

	output := buf.String()
	if strings.Count(output, "[server]") != 4 {
		t.Errorf("expected 4 scoped lines, got: %s", output)
	}
	if !strings.Contains(output, "d e") {
		t.Errorf("expected formatted message, got: %s", output)
	}
}
