// Package metrics collects job outcome statistics for worker pools and the
// load generator.
//
// Metrics keeps atomic counters per outcome (success, failure, panic,
// cancelled), submission and rejection totals, queue/active gauges, and a
// bounded latency sample for P99. Every Metrics owns its own Prometheus
// registry mirroring the counters, so several pools can coexist in one
// process and tests never collide on the global registry.
//
// # Basic Usage
//
//	m := metrics.NewWithConfig(metrics.Config{Name: "http"})
//
//	start := time.Now()
//	// ... do work ...
//	m.RecordSuccess(time.Since(start))
//
//	snap := m.Snapshot()
//	fmt.Printf("done: %d, P99: %v\n", snap.Completed, snap.P99Latency)
//
//	http.Handle("/metrics", m.Handler())
//
// # Thread Safety
//
// All operations are safe for concurrent use.
package metrics
