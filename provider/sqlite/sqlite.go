// Package sqlite is the durable default provider: every entry is a row in a
// local SQLite database (WAL mode), so the cache survives restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	pr "github.com/unkn0wn-root/sitecache/provider"
	"github.com/unkn0wn-root/sitecache/provider/sqlite/migrations"
)

var ErrNotConfigured = errors.New("sqlite provider: not configured")

type Provider struct {
	db  *sql.DB
	now func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	Path        string        // database file; required
	BusyTimeout time.Duration // 0 => 5s
}

// Open opens (creating if needed) and migrates the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Provider, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite provider: path is required")
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		filepath.Clean(path), busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Provider{db: db, now: time.Now}, nil
}

func (p *Provider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if p == nil || p.db == nil {
		return nil, false, ErrNotConfigured
	}
	var (
		value     []byte
		expiresAt int64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get entry: %w", err)
	}
	if expiresAt > 0 && p.now().UnixMilli() >= expiresAt {
		_ = p.Del(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (p *Provider) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if p == nil || p.db == nil {
		return false, ErrNotConfigured
	}
	now := p.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		    value = excluded.value,
		    expires_at = excluded.expires_at,
		    updated_at = excluded.updated_at`,
		key, value, expiresAt, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("put entry: %w", err)
	}
	return true, nil
}

func (p *Provider) Del(ctx context.Context, key string) error {
	if p == nil || p.db == nil {
		return ErrNotConfigured
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (p *Provider) Clear(ctx context.Context) error {
	if p == nil || p.db == nil {
		return ErrNotConfigured
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	return nil
}

// Len counts stored rows, expired ones included.
func (p *Provider) Len(ctx context.Context) (int, error) {
	if p == nil || p.db == nil {
		return 0, ErrNotConfigured
	}
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (p *Provider) Close(context.Context) error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
