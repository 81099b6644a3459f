// Package logger provides a simple, thread-safe levelled logger.
//
// Each line carries a timestamp, a level and an optional scope (for example
// "worker-3" or "server"):
//
//	[2026-01-02 15:04:05.000] [INFO] [worker-3] job 17 done
//
// # Basic Usage
//
//	logger.Info("", "minihttpd started")
//	logger.Warn("server", "submit rejected: %v", err)
//
//	l := logger.New(os.Stderr, logger.LevelDebug)
//	w := l.Scope("worker-0")
//	w.Debug("dequeued job %d", id)
//
// Levels are parsed from configuration with ParseLevel. All operations are
// safe for concurrent use.
package logger
