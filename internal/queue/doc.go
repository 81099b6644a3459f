// Package queue provides an unbounded, multi-consumer FIFO queue.
//
// A Queue hands every enqueued item to exactly one Dequeue caller. Removal
// happens under a mutex, so concurrent consumers never observe the same item.
//
// # Basic Usage
//
//	q := queue.New[func()]()
//
//	// producer
//	_ = q.Enqueue(func() { fmt.Println("hello") })
//
//	// consumers
//	for {
//	    job, ok := q.Dequeue()
//	    if !ok {
//	        return // closed and drained
//	    }
//	    job()
//	}
//
// # Closing
//
// Close stops new items from being accepted. Items already in the queue are
// still delivered; Dequeue reports end-of-stream only once the queue is both
// closed and empty.
package queue
