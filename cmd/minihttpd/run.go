package main

import (
	"context"
	"fmt"
	"net"
	"sync"

	"minihttpd/internal/accesslog"
	"minihttpd/internal/api"
	"minihttpd/internal/chaos"
	"minihttpd/internal/client"
	"minihttpd/internal/config"
	"minihttpd/internal/events"
	"minihttpd/internal/logger"
	"minihttpd/internal/metrics"
	"minihttpd/internal/server"
	"minihttpd/internal/worker"
)

// app は起動した部品一式
type app struct {
	bus    *events.Bus
	pool   *worker.Pool
	access *accesslog.Store
	chaos  *chaos.Injector
	httpd  *server.Server
	admin  *api.Server
}

// newApp は設定から部品を組み立てる
func newApp(cfg *config.FileConfig) (*app, error) {
	pc, err := cfg.PoolConfig()
	if err != nil {
		return nil, err
	}
	sc, err := cfg.ServerConfig()
	if err != nil {
		return nil, err
	}

	a := &app{bus: events.NewBus()}

	var serverOpts []server.Option
	var adminOpts []api.Option
	serverOpts = append(serverOpts, server.WithEventBus(a.bus))
	adminOpts = append(adminOpts, api.WithEventBus(a.bus))

	if cfg.AccessLog.Enabled {
		a.access, err = accesslog.Open(cfg.AccessLog.Path)
		if err != nil {
			a.bus.Close()
			return nil, err
		}
		serverOpts = append(serverOpts, server.WithAccessLog(a.access))
		adminOpts = append(adminOpts, api.WithAccessLog(a.access))
	}

	if cfg.Chaos.Enabled {
		cc, err := cfg.ChaosConfig()
		if err != nil {
			a.close()
			return nil, err
		}
		a.chaos, err = chaos.New(cc)
		if err != nil {
			a.close()
			return nil, err
		}
		a.chaos.SetEventBus(a.bus)
		serverOpts = append(serverOpts, server.WithChaos(a.chaos))
		adminOpts = append(adminOpts, api.WithChaos(a.chaos))
	}

	a.pool, err = worker.NewPoolWithConfig(pc,
		worker.WithEventBus(a.bus),
		worker.WithMetrics(metrics.NewWithConfig(metrics.Config{Name: pc.Name, RuntimeCollectors: true})),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	a.httpd = server.New(sc, a.pool, serverOpts...)

	if cfg.Admin.Enabled {
		adminOpts = append(adminOpts, api.WithHTTPServer(a.httpd))
		a.admin = api.NewServer(cfg.Admin.Addr, a.pool, adminOpts...)
	}
	return a, nil
}

// serve は ln で HTTP を、設定があれば管理APIも提供し、ctx の終了で止まる
// 受理済みの接続をすべて処理してから返る
// どちらかが異常終了したらもう一方も止める
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	adminErr := make(chan error, 1)
	if a.admin != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.admin.Start(ctx); err != nil {
				logger.Error("", "管理APIエラー: %v", err)
				adminErr <- err
				cancel()
			}
		}()
	}

	err := a.httpd.Serve(ctx, ln)
	cancel()

	// 受付停止後にプールを閉じ、受理済みの接続を処理しきる
	a.pool.Close()
	wg.Wait()

	if err != nil {
		return err
	}
	select {
	case err := <-adminErr:
		return fmt.Errorf("admin api: %w", err)
	default:
		return nil
	}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.access != nil {
		if err := a.access.Close(); err != nil {
			logger.Warn("", "アクセスログのクローズに失敗: %v", err)
		}
	}
	a.bus.Close()
}

// runServer はサーバーを起動し、ctx の終了まで動かす
func runServer(ctx context.Context, cfg *config.FileConfig) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Println("minihttpd - static file server")
	fmt.Println("==============================")
	fmt.Printf("Listening on http://%s (root: %s)\n", cfg.Server.Addr, cfg.Server.Root)
	fmt.Printf("Workers: %d, Queue: %d (%s)\n", cfg.Pool.Workers, cfg.Pool.QueueCapacity, cfg.Pool.Overflow)
	if cfg.Admin.Enabled {
		fmt.Printf("Admin API on http://%s\n", cfg.Admin.Addr)
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}
	return a.serve(ctx, ln)
}

// runBench は組み込みサーバーを起動し、n リクエストを投げて結果を表示する
func runBench(ctx context.Context, cfg *config.FileConfig, n uint64) error {
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	serveCtx, stop := context.WithCancel(ctx)
	serveErr := make(chan error, 1)
	go func() { serveErr <- a.serve(serveCtx, ln) }()

	clientConfig := client.DefaultConfig()
	clientConfig.Target = ln.Addr().String()
	clientConfig.NumWorkers = cfg.Pool.Workers * 2
	clientConfig.Paths = []string{"/", "/" + cfg.Server.IndexFile, "/missing"}

	cl, err := client.New(clientConfig)
	if err != nil {
		stop()
		<-serveErr
		return err
	}
	report := cl.RunRequests(ctx, n)

	stop()
	if err := <-serveErr; err != nil {
		return err
	}

	fmt.Println("minihttpd - benchmark")
	fmt.Println("=====================")
	fmt.Print(report.String())
	stats := a.pool.Stats()
	fmt.Printf("Pool:     completed %d, panicked %d, rejected %d\n", stats.Completed, stats.Panicked, stats.Rejected)
	return nil
}
