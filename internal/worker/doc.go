// Package worker provides a fixed-size goroutine pool for concurrent job
// execution.
//
// The Pool starts a fixed number of worker goroutines that block on a shared
// FIFO queue. Every submitted job is delivered to exactly one worker and run
// to completion there. NewPool returns only after every worker is ready.
//
// # Basic Usage
//
//	pool, err := worker.NewPool(4) // 4 workers
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	for i := 0; i < 100; i++ {
//	    if err := pool.Submit(func() {
//	        // do work
//	    }); err != nil {
//	        return err
//	    }
//	}
//
// # Configuration
//
// The queue is unbounded by default, so Submit never waits for a free
// worker. Use NewPoolWithConfig to bound it and pick a backpressure policy:
//
//	pool, err := worker.NewPoolWithConfig(worker.PoolConfig{
//	    Name:          "http",
//	    Size:          8,
//	    QueueCapacity: 1024,
//	    Overflow:      worker.OverflowReject, // Submit returns ErrQueueFull
//	})
//
// # Cancellation
//
// SubmitContext passes a context to the job. A job whose context is done
// before a worker picks it up is skipped; a running job must check the
// context itself. WorkerID reports which worker is running the job.
//
// # Faults
//
// A panicking job is recovered at the execution boundary, logged and
// counted; the worker keeps serving. A worker goroutine terminated by
// runtime.Goexit is replaced under the same id.
//
// # Graceful Shutdown
//
// Close stops accepting work, lets the workers drain every job already
// accepted, and returns once all of them have exited. Submit after Close
// returns ErrPoolClosed.
package worker
