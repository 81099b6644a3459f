package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"minihttpd/internal/chaos"
	"minihttpd/internal/logger"
	"minihttpd/internal/server"
	"minihttpd/internal/worker"

	"gopkg.in/yaml.v3"
)

// FileConfig は設定ファイルの構造
type FileConfig struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Admin     AdminConfig     `yaml:"admin" json:"admin"`
	AccessLog AccessLogConfig `yaml:"access_log" json:"access_log"`
	Chaos     ChaosConfig     `yaml:"chaos" json:"chaos"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Addr            string `yaml:"addr" json:"addr"`
	Root            string `yaml:"root" json:"root"`
	IndexFile       string `yaml:"index_file" json:"index_file"`
	NotFoundFile    string `yaml:"not_found_file" json:"not_found_file"`
	MaxRequestBytes int    `yaml:"max_request_bytes" json:"max_request_bytes"`
	ReadTimeout     string `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout" json:"write_timeout"`
}

// PoolConfig はワーカープール設定
type PoolConfig struct {
	Workers       int    `yaml:"workers" json:"workers"`
	QueueCapacity int    `yaml:"queue_capacity" json:"queue_capacity"`
	Overflow      string `yaml:"overflow" json:"overflow"`
}

// AdminConfig は管理API設定
type AdminConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// AccessLogConfig はアクセスログ設定
type AccessLogConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// ChaosConfig は障害注入設定
type ChaosConfig struct {
	Enabled   bool    `yaml:"enabled" json:"enabled"`
	PanicRate float64 `yaml:"panic_rate" json:"panic_rate"`
	DelayRate float64 `yaml:"delay_rate" json:"delay_rate"`
	Delay     string  `yaml:"delay" json:"delay"`
	Seed      int64   `yaml:"seed" json:"seed"`
}

// LogConfig はログ設定
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// Default はそのまま起動できる設定を返す
func Default() *FileConfig {
	srv := server.DefaultConfig()
	ch := chaos.DefaultConfig()
	return &FileConfig{
		Server: ServerConfig{
			Addr:            srv.Addr,
			Root:            srv.Root,
			IndexFile:       srv.IndexFile,
			NotFoundFile:    srv.NotFoundFile,
			MaxRequestBytes: srv.MaxRequestBytes,
			ReadTimeout:     srv.ReadTimeout.String(),
			WriteTimeout:    srv.WriteTimeout.String(),
		},
		Pool: PoolConfig{
			Workers:  4,
			Overflow: worker.OverflowBlock.String(),
		},
		Admin: AdminConfig{
			Addr: "127.0.0.1:8080",
		},
		AccessLog: AccessLogConfig{
			Path: "access.db",
		},
		Chaos: ChaosConfig{
			PanicRate: ch.PanicRate,
			DelayRate: ch.DelayRate,
			Delay:     ch.Delay.String(),
		},
		Log: LogConfig{
			Level: logger.LevelInfo.String(),
		},
	}
}

// LoadFile は設定ファイルを読み込む。省略された項目は Default の値になる
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}

	return config, nil
}

// Validate は設定を検証する
func (f *FileConfig) Validate() error {
	if f.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if f.Server.MaxRequestBytes < 0 {
		return fmt.Errorf("server.max_request_bytes must be non-negative")
	}
	if f.Pool.Workers < 1 {
		return fmt.Errorf("pool.workers must be at least 1")
	}
	if f.Pool.QueueCapacity < 0 {
		return fmt.Errorf("pool.queue_capacity must be non-negative")
	}
	if _, err := worker.ParseOverflowPolicy(f.Pool.Overflow); err != nil {
		return fmt.Errorf("pool.overflow: %w", err)
	}
	if f.Admin.Enabled && f.Admin.Addr == "" {
		return fmt.Errorf("admin.addr is required when admin is enabled")
	}
	if f.AccessLog.Enabled && f.AccessLog.Path == "" {
		return fmt.Errorf("access_log.path is required when access_log is enabled")
	}
	if _, err := logger.ParseLevel(f.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if _, err := f.ServerConfig(); err != nil {
		return err
	}
	if _, err := f.ChaosConfig(); err != nil {
		return err
	}
	return nil
}

// PoolConfig はworker.PoolConfigに変換する
func (f *FileConfig) PoolConfig() (worker.PoolConfig, error) {
	overflow, err := worker.ParseOverflowPolicy(f.Pool.Overflow)
	if err != nil {
		return worker.PoolConfig{}, fmt.Errorf("pool.overflow: %w", err)
	}
	return worker.PoolConfig{
		Name:          "http",
		Size:          f.Pool.Workers,
		QueueCapacity: f.Pool.QueueCapacity,
		Overflow:      overflow,
	}, nil
}

// ServerConfig はserver.Configに変換する
func (f *FileConfig) ServerConfig() (server.Config, error) {
	sc := f.Server
	config := server.DefaultConfig()

	config.Addr = sc.Addr
	if sc.Root != "" {
		config.Root = sc.Root
	}
	if sc.IndexFile != "" {
		config.IndexFile = sc.IndexFile
	}
	if sc.NotFoundFile != "" {
		config.NotFoundFile = sc.NotFoundFile
	}
	if sc.MaxRequestBytes > 0 {
		config.MaxRequestBytes = sc.MaxRequestBytes
	}
	if sc.ReadTimeout != "" {
		d, err := time.ParseDuration(sc.ReadTimeout)
		if err != nil {
			return config, fmt.Errorf("invalid server.read_timeout: %w", err)
		}
		config.ReadTimeout = d
	}
	if sc.WriteTimeout != "" {
		d, err := time.ParseDuration(sc.WriteTimeout)
		if err != nil {
			return config, fmt.Errorf("invalid server.write_timeout: %w", err)
		}
		config.WriteTimeout = d
	}

	return config, nil
}

// ChaosConfig はchaos.Configに変換する
func (f *FileConfig) ChaosConfig() (chaos.Config, error) {
	cc := f.Chaos
	config := chaos.Config{
		PanicRate: cc.PanicRate,
		DelayRate: cc.DelayRate,
		Seed:      cc.Seed,
	}
	if cc.Delay != "" {
		d, err := time.ParseDuration(cc.Delay)
		if err != nil {
			return config, fmt.Errorf("invalid chaos.delay: %w", err)
		}
		config.Delay = d
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// LogLevel はログレベルを返す
func (f *FileConfig) LogLevel() (logger.Level, error) {
	return logger.ParseLevel(f.Log.Level)
}
