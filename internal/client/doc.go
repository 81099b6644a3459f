// Package client provides a load generator for exercising a running server.
//
// The Client issues raw HTTP/1.1 GET requests against a target address from
// its own worker pool and records latency and outcome per request. A request
// counts as a failure on any transport error or a 5xx status.
//
// # Basic Usage
//
//	config := client.DefaultConfig()
//	config.Target = "127.0.0.1:3000"
//	config.Paths = []string{"/", "/missing"}
//	cl, err := client.New(config)
//	if err != nil {
//	    return err
//	}
//
//	// Run a fixed number of requests
//	report := cl.RunRequests(ctx, 10000)
//	fmt.Printf("ok: %d, P99: %v\n", report.Metrics.Succeeded, report.Metrics.P99Latency)
//
//	// Or run for a duration
//	report = cl.RunFor(ctx, 10*time.Second)
//
// A Client runs once: after Stop (or RunFor/RunRequests) it cannot be
// restarted.
//
// # Configuration
//
// The Config struct allows tuning:
//   - NumWorkers: parallel connections (0 = CPU count)
//   - Paths: request paths, picked at random per request
//   - Timeout: dial and I/O deadline per request
//   - RequestsLimit: max requests (0 = unlimited)
package client
