// Package main is the entry point for minihttpd.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"minihttpd/internal/config"
	"minihttpd/internal/logger"

	"github.com/akamensky/argparse"
)

var (
	version = "dev"
)

const description = `minihttpd - static file server on a fixed-size worker pool

Examples:
  # カレントディレクトリを配信
  minihttpd

  # 設定ファイルから起動
  minihttpd --config minihttpd.yaml

  # ワーカー数と有限キューを指定
  minihttpd --workers 8 --queue 64 --root ./public

  # 管理API付きで起動
  minihttpd --admin 127.0.0.1:8080

  # 組み込みサーバーに1万リクエストを投げて結果を表示
  minihttpd --bench 10000`

// flags はコマンドライン引数
type flags struct {
	configFile  *string
	addr        *string
	root        *string
	workers     *int
	queue       *int
	overflow    *string
	admin       *string
	accessLog   *string
	chaos       *bool
	logLevel    *string
	bench       *int
	showVersion *bool
}

func newParser() (*argparse.Parser, *flags) {
	parser := argparse.NewParser("minihttpd", description)
	f := &flags{
		configFile:  parser.String("c", "config", &argparse.Options{Help: "設定ファイルパス (YAML/JSON)"}),
		addr:        parser.String("a", "addr", &argparse.Options{Help: "待ち受けアドレス (例: 127.0.0.1:3000)"}),
		root:        parser.String("r", "root", &argparse.Options{Help: "配信するディレクトリ"}),
		workers:     parser.Int("w", "workers", &argparse.Options{Help: "ワーカー数"}),
		queue:       parser.Int("q", "queue", &argparse.Options{Default: -1, Help: "待機キューの上限 (0で無制限)"}),
		overflow:    parser.Selector("o", "overflow", []string{"block", "reject"}, &argparse.Options{Help: "キュー満杯時の振る舞い"}),
		admin:       parser.String("m", "admin", &argparse.Options{Help: "管理APIのアドレス (指定で有効化)"}),
		accessLog:   parser.String("d", "access-log", &argparse.Options{Help: "アクセスログのSQLiteファイル (指定で有効化)"}),
		chaos:       parser.Flag("x", "chaos", &argparse.Options{Help: "障害注入を有効化"}),
		logLevel:    parser.Selector("l", "log-level", []string{"debug", "info", "warn", "error"}, &argparse.Options{Help: "ログレベル"}),
		bench:       parser.Int("b", "bench", &argparse.Options{Help: "組み込みサーバーに N リクエストを投げて終了"}),
		showVersion: parser.Flag("v", "version", &argparse.Options{Help: "バージョンを表示"}),
	}
	return parser, f
}

func main() {
	parser, f := newParser()
	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(2)
	}

	// バージョン表示
	if *f.showVersion {
		fmt.Printf("minihttpd version %s\n", version)
		return
	}

	cfg, err := buildConfig(f)
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		logger.Error("", "設定エラー: %v", err)
		os.Exit(1)
	}
	logger.Default.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\n中断シグナルを受信、サーバーを終了中...")
		cancel()
	}()

	if *f.bench > 0 {
		err = runBench(ctx, cfg, uint64(*f.bench))
	} else {
		err = runServer(ctx, cfg)
	}
	if err != nil {
		logger.Error("", "サーバーエラー: %v", err)
		os.Exit(1)
	}
}

// buildConfig は設定ファイルを読み込み、フラグで上書きする
func buildConfig(f *flags) (*config.FileConfig, error) {
	cfg := config.Default()

	// 1. 設定ファイルから読み込み
	if *f.configFile != "" {
		fileConfig, err := config.LoadFile(*f.configFile)
		if err != nil {
			return nil, fmt.Errorf("設定ファイル読み込みエラー: %w", err)
		}
		cfg = fileConfig
	}

	// 2. フラグでオーバーライド
	if *f.addr != "" {
		cfg.Server.Addr = *f.addr
	}
	if *f.root != "" {
		cfg.Server.Root = *f.root
	}
	if *f.workers > 0 {
		cfg.Pool.Workers = *f.workers
	}
	if *f.queue >= 0 {
		cfg.Pool.QueueCapacity = *f.queue
	}
	if *f.overflow != "" {
		cfg.Pool.Overflow = *f.overflow
	}
	if *f.admin != "" {
		cfg.Admin.Enabled = true
		cfg.Admin.Addr = *f.admin
	}
	if *f.accessLog != "" {
		cfg.AccessLog.Enabled = true
		cfg.AccessLog.Path = *f.accessLog
	}
	if *f.chaos {
		cfg.Chaos.Enabled = true
	}
	if *f.logLevel != "" {
		cfg.Log.Level = *f.logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定検証エラー: %w", err)
	}
	return cfg, nil
}
