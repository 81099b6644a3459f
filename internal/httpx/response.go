package httpx

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// StatusCode は HTTP ステータスコード
type StatusCode int

const (
	StatusOK                  StatusCode = 200
	StatusBadRequest          StatusCode = 400
	StatusNotFound            StatusCode = 404
	StatusMethodNotAllowed    StatusCode = 405
	StatusInternalServerError StatusCode = 500
	StatusServiceUnavailable  StatusCode = 503
)

// Reason は理由句を返す
func (s StatusCode) Reason() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBadRequest:
		return "BAD REQUEST"
	case StatusNotFound:
		return "NOT FOUND"
	case StatusMethodNotAllowed:
		return "METHOD NOT ALLOWED"
	case StatusInternalServerError:
		return "INTERNAL SERVER ERROR"
	case StatusServiceUnavailable:
		return "SERVICE UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

func (s StatusCode) String() string {
	return strconv.Itoa(int(s)) + " " + s.Reason()
}

// Response は書き出し用のレスポンス
type Response struct {
	Status  StatusCode
	Headers map[string]string
	Body    []byte
}

// NewResponse はボディ付きのレスポンスを作る
func NewResponse(status StatusCode, body []byte) *Response {
	return &Response{
		Status:  status,
		Headers: make(map[string]string),
		Body:    body,
	}
}

// TextResponse はプレーンテキストのレスポンスを作る
func TextResponse(status StatusCode, text string) *Response {
	r := NewResponse(status, []byte(text))
	r.Headers["Content-Type"] = "text/plain; charset=utf-8"
	return r
}

// StatusLine は "HTTP/1.1 200 OK" 形式の行を返す
func (r *Response) StatusLine() string {
	return string(Version11) + " " + r.Status.String()
}

// WriteTo はレスポンスをワイヤ形式で書き出す
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	// 数えるのは w に届いたバイト数
	cw := &countingWriter{w: w}
	bw := bufio.NewWriter(cw)

	fmt.Fprintf(bw, "%s\r\n", r.StatusLine())

	names := make([]string, 0, len(r.Headers))
	for name := range r.Headers {
		if name == "Content-Length" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(bw, "%s: %s\r\n", name, r.Headers[name])
	}
	fmt.Fprintf(bw, "Content-Length: %d\r\n\r\n", len(r.Body))
	_, _ = bw.Write(r.Body)

	// bufio.Writer のエラーは持ち越されるので Flush で拾える
	err := bw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
