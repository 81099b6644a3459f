// Package server is the TCP front end of minihttpd.
//
// The acceptor loop wraps each accepted connection into one worker job
// ("read request, build response, write response, close") and submits it to
// the pool. When the pool refuses the job the client gets a 503 and the
// connection is closed right away.
//
//	pool, _ := worker.NewPool(4)
//	srv := server.New(server.DefaultConfig(), pool)
//	err := srv.ListenAndServe(ctx) // returns when ctx is cancelled
//	pool.Close()                   // drain accepted connections
//
// StaticHandler maps GET / to the index file and other paths to files under
// the root; missing files get the not-found page.
package server
