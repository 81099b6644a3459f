// Package accesslog persists served requests to SQLite.
package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests(
	id          INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	remote      TEXT,
	method      TEXT,
	uri         TEXT,
	status      INTEGER NOT NULL,
	bytes       INTEGER NOT NULL,
	worker      INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	served_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_served_at ON requests(served_at);
`

// Entry はアクセスログ1件
type Entry struct {
	ID       int64         `json:"id"`
	Remote   string        `json:"remote"`
	Method   string        `json:"method"`
	URI      string        `json:"uri"`
	Status   int           `json:"status"`
	Bytes    int64         `json:"bytes"`
	Worker   int           `json:"worker"`
	Duration time.Duration `json:"duration_ns"`
	ServedAt time.Time     `json:"served_at"`
}

// Store は SQLite に保存するアクセスログ
type Store struct {
	db *sql.DB
}

// Open はデータベースを開きテーブルを作成する
// path に ":memory:" を渡すとプロセス内だけのストアになる
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open access log: %w", err)
	}
	// sqlite は書き込みが直列なので接続は1本に絞る。:memory: の共有にも必要
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create access log table: %w", err)
	}
	return &Store{db: db}, nil
}

// Record はエントリを1件保存する
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ServedAt.IsZero() {
		e.ServedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(remote, method, uri, status, bytes, worker, duration_us, served_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Remote, e.Method, e.URI, e.Status, e.Bytes, e.Worker, e.Duration.Microseconds(), e.ServedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// Recent は新しい順に最大 limit 件を返す
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, remote, method, uri, status, bytes, worker, duration_us, served_at
		 FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query access log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var durationUs int64
		if err := rows.Scan(&e.ID, &e.Remote, &e.Method, &e.URI, &e.Status, &e.Bytes,
			&e.Worker, &durationUs, &e.ServedAt); err != nil {
			return nil, fmt.Errorf("failed to scan access log: %w", err)
		}
		e.Duration = time.Duration(durationUs) * time.Microsecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read access log: %w", err)
	}
	return entries, nil
}

// Count は保存済みの件数を返す
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count access log: %w", err)
	}
	return n, nil
}

// Close はデータベースを閉じる
func (s *Store) Close() error {
	return s.db.Close()
}
