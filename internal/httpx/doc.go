// Package httpx is a deliberately small HTTP/1.1 codec for the static server.
//
// ParseRequest splits a raw buffer into request line, headers and body.
// Response renders a status line, headers and a Content-Length framed body.
// Only what the server needs is supported: no chunked encoding, no header
// folding, no keep-alive.
package httpx
