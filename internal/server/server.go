package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"minihttpd/internal/accesslog"
	"minihttpd/internal/chaos"
	"minihttpd/internal/events"
	"minihttpd/internal/httpx"
	"minihttpd/internal/logger"
	"minihttpd/internal/worker"
)

// ErrRequestTooLarge はリクエストが MaxRequestBytes を超えたときに返される
var ErrRequestTooLarge = errors.New("server: request too large")

// Config はサーバーの設定
type Config struct {
	Addr            string
	Root            string
	IndexFile       string
	NotFoundFile    string
	MaxRequestBytes int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:3000",
		Root:            ".",
		IndexFile:       "hello.html",
		NotFoundFile:    "404.html",
		MaxRequestBytes: 8192,
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

// Submitter は接続ごとのジョブを受け取る実行基盤
type Submitter interface {
	SubmitContext(ctx context.Context, job worker.ContextJob) error
}

// Option はサーバーの付帯機能を設定する
type Option func(*Server)

// WithAccessLog はアクセスログの保存先を設定する
func WithAccessLog(store *accesslog.Store) Option {
	return func(s *Server) { s.access = store }
}

// WithChaos は障害注入を設定する
func WithChaos(in *chaos.Injector) Option {
	return func(s *Server) { s.chaos = in }
}

// WithEventBus はイベントバスを設定する
func WithEventBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithLogger はロガーを設定する
func WithLogger(l *logger.Logger) Option {
	return func(s *Server) { s.log = l.Scope("server") }
}

// Stats はサーバーの統計情報
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Served   uint64 `json:"served"`
}

// Server は接続をワーカープールに渡す TCP サーバー
type Server struct {
	config  Config
	pool    Submitter
	handler *StaticHandler
	access  *accesslog.Store
	chaos   *chaos.Injector
	bus     *events.Bus
	log     *logger.Scoped

	mu       sync.Mutex
	listener net.Listener

	accepted atomic.Uint64
	rejected atomic.Uint64
	served   atomic.Uint64
}

// New は新しいサーバーを作成する
func New(config Config, pool Submitter, opts ...Option) *Server {
	def := DefaultConfig()
	if config.IndexFile == "" {
		config.IndexFile = def.IndexFile
	}
	if config.NotFoundFile == "" {
		config.NotFoundFile = def.NotFoundFile
	}
	if config.Root == "" {
		config.Root = def.Root
	}
	if config.MaxRequestBytes <= 0 {
		config.MaxRequestBytes = def.MaxRequestBytes
	}

	s := &Server{
		config:  config,
		pool:    pool,
		handler: NewStaticHandler(config.Root, config.IndexFile, config.NotFoundFile),
		log:     logger.Default.Scope("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe は Config.Addr で待ち受けて Serve する
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln から接続を受け付け、1接続を1ジョブとしてプールに投入する
// ctx が終了するとリスナーを閉じて nil を返す。プールは閉じない
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	s.log.Info("Bound to %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("listener closed")
				return nil
			}
			if isTemporary(err) {
				backoff = nextBackoff(backoff)
				s.log.Warn("accept error: %v; retrying in %v", err, backoff)
				select {
				case <-ctx.Done():
				case <-time.After(backoff):
				}
				continue
			}
			_ = ln.Close()
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0
		s.accepted.Add(1)

		// 受理済みの接続はシャットダウン中でも最後まで処理する
		if err := s.pool.SubmitContext(context.WithoutCancel(ctx), s.connJob(conn)); err != nil {
			s.reject(conn, err)
		}
	}
}

// isTemporary は待てば回復しうる accept エラーかを返す
// fd 不足などの資源エラーもここに含める
func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM,
		syscall.ECONNABORTED, syscall.ECONNRESET,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// Addr は待ち受け中のアドレスを返す。Serve 前は nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stats は統計を返す
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Served:   s.served.Load(),
	}
}

// connJob は接続1本分の処理をジョブにまとめる
func (s *Server) connJob(conn net.Conn) worker.ContextJob {
	handle := worker.ContextJob(func(ctx context.Context) {
		s.handle(ctx, conn)
	})
	if s.chaos != nil {
		handle = s.chaos.Wrap(handle)
	}

	return func(ctx context.Context) {
		defer conn.Close()
		defer func() {
			if r := recover(); r != nil {
				s.writeResponse(conn, httpx.TextResponse(httpx.StatusInternalServerError, "internal server error\n"))
				panic(r)
			}
		}()
		handle(ctx)
	}
}

// handle はリクエストを読み、レスポンスを書く
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	workerID, _ := worker.WorkerID(ctx)

	if s.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(start.Add(s.config.ReadTimeout))
	}

	var req *httpx.Request
	var resp *httpx.Response
	buf, err := readRequest(conn, s.config.MaxRequestBytes)
	if err == nil {
		req, err = httpx.ParseRequest(buf)
	}
	if err != nil {
		s.log.Debug("worker %d: bad request from %s: %v", workerID, conn.RemoteAddr(), err)
		resp = httpx.TextResponse(httpx.StatusBadRequest, "bad request\n")
	} else {
		resp = s.handler.Serve(req)
	}

	n := s.writeResponse(conn, resp)
	s.served.Add(1)

	method, uri := "", ""
	if req != nil {
		method, uri = string(req.Method), req.URI
	}
	s.log.Debug("worker %d: %s %s -> %d", workerID, method, uri, resp.Status)
	s.bus.Publish(events.NewRequestServedEvent(workerID, method, uri, int(resp.Status)))

	if s.access != nil {
		err := s.access.Record(context.WithoutCancel(ctx), accesslog.Entry{
			Remote:   conn.RemoteAddr().String(),
			Method:   method,
			URI:      uri,
			Status:   int(resp.Status),
			Bytes:    n,
			Worker:   workerID,
			Duration: time.Since(start),
			ServedAt: start,
		})
		if err != nil {
			s.log.Warn("access log: %v", err)
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp *httpx.Response) int64 {
	if s.config.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	n, err := resp.WriteTo(conn)
	if err != nil {
		s.log.Debug("write to %s failed: %v", conn.RemoteAddr(), err)
	}
	return n
}

// reject は投入できなかった接続に 503 を返して閉じる
func (s *Server) reject(conn net.Conn, err error) {
	s.rejected.Add(1)
	s.log.Warn("rejecting connection from %s: %v", conn.RemoteAddr(), err)
	s.writeResponse(conn, httpx.TextResponse(httpx.StatusServiceUnavailable, "service unavailable\n"))
	_ = conn.Close()
}

// readRequest はヘッダ終端と Content-Length 分のボディまで読む
// 終端前に EOF になった場合は読めた分を返し、判定はパーサに任せる
func readRequest(r io.Reader, limit int) ([]byte, error) {
	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 1024)

	for {
		if i := bytes.Index(buf, httpx.HeadSeparator); i >= 0 {
			need := i + len(httpx.HeadSeparator)
			if req, err := httpx.ParseRequest(buf[:need]); err == nil {
				// 加算前に比べて桁あふれを防ぐ
				if req.ContentLength() > limit-need {
					return nil, ErrRequestTooLarge
				}
				need += req.ContentLength()
			}
			if need > limit {
				return nil, ErrRequestTooLarge
			}
			if len(buf) >= need {
				return buf[:need], nil
			}
		} else if len(buf) >= limit {
			return nil, ErrRequestTooLarge
		}

		n, err := r.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
	}
}
