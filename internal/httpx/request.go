package httpx

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

var (
	ErrMissingSeparator   = errors.New("httpx: missing header/body separator")
	ErrMissingRequestLine = errors.New("httpx: missing request line")
	ErrInvalidRequestLine = errors.New("httpx: invalid request line")
	ErrInvalidMethod      = errors.New("httpx: invalid method")
	ErrInvalidVersion     = errors.New("httpx: invalid version")
	ErrInvalidHeader      = errors.New("httpx: invalid header")
)

// HeadSeparator はヘッダとボディの区切り
var HeadSeparator = []byte("\r\n\r\n")

// Method は HTTP メソッド
type Method string

const (
	MethodGet    Method = "GET"
	MethodPut    Method = "PUT"
	MethodPost   Method = "POST"
	MethodDelete Method = "DELETE"
)

// ParseMethod は対応しているメソッドかを確認する
func ParseMethod(s string) (Method, error) {
	switch m := Method(s); m {
	case MethodGet, MethodPut, MethodPost, MethodDelete:
		return m, nil
	default:
		return "", ErrInvalidMethod
	}
}

// Version は HTTP バージョン。対応しているのは 1.1 のみ
type Version string

const Version11 Version = "HTTP/1.1"

// ParseVersion は "HTTP/1.1" のみを受け付ける
func ParseVersion(s string) (Version, error) {
	rest, ok := strings.CutPrefix(s, "HTTP/")
	if !ok || rest != "1.1" {
		return "", ErrInvalidVersion
	}
	return Version11, nil
}

// Request はパース済みのリクエスト
type Request struct {
	Method  Method
	URI     string
	Version Version
	Headers map[string]string // 名前は小文字
	Body    []byte
}

// ParseRequest は生バッファからリクエストを組み立てる
//
//	Method SP Request-URI SP HTTP-Version CRLF
//	*(header CRLF)
//	CRLF
//	message-body
func ParseRequest(buf []byte) (*Request, error) {
	pos := bytes.Index(buf, HeadSeparator)
	if pos < 0 {
		return nil, ErrMissingSeparator
	}

	head := string(buf[:pos])
	body := bytes.Clone(buf[pos+len(HeadSeparator):])

	// 空の先頭行は要素数 0 の要求行として ErrInvalidRequestLine になる
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		return nil, ErrMissingRequestLine
	}

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, ErrInvalidRequestLine
	}

	method, err := ParseMethod(parts[0])
	if err != nil {
		return nil, err
	}
	version, err := ParseVersion(parts[2])
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(lines)-1)
	for _, line := range lines[1:] {
		// 名前が空の行も受け付ける
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, ErrInvalidHeader
		}
		headers[strings.ToLower(name)] = value
	}

	return &Request{
		Method:  method,
		URI:     parts[1],
		Version: version,
		Headers: headers,
		Body:    body,
	}, nil
}

// IsGet は GET リクエストかを返す
func (r *Request) IsGet() bool {
	return r.Method == MethodGet
}

// Header はヘッダ値を返す（名前の大文字小文字は問わない）
func (r *Request) Header(name string) (string, bool) {
	v, ok := r.Headers[strings.ToLower(name)]
	return v, ok
}

// ContentLength は Content-Length ヘッダを返す。無い・不正なら 0
func (r *Request) ContentLength() int {
	v, ok := r.Header("content-length")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
