// Package sqlitecache is the on-disk cache backend. Entries survive between
// runs; the Store's TTL decides whether they are still fresh.
package sqlitecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"

	"KeyRateScanner/internal/cache"
	"KeyRateScanner/internal/domain"
)

const schema = `CREATE TABLE IF NOT EXISTS fetch_cache (
	url         TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	body        BLOB,
	error       TEXT NOT NULL DEFAULT '',
	fetched_at  INTEGER NOT NULL
)`

// Backend implements cache.Backend on a sqlite table.
type Backend struct {
	db *sql.DB
}

var _ cache.Backend = (*Backend)(nil)

// Open opens (or creates) the cache database at path.
func Open(ctx context.Context, path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// one writer at a time keeps sqlite happy under concurrent fetches
	db.SetMaxOpenConns(1)

	backend, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return backend, nil
}

// New wraps db and ensures the schema exists.
func New(ctx context.Context, db *sql.DB) (*Backend, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Backend{db: db}, nil
}

// Load reads the row stored for key.
func (b *Backend) Load(ctx context.Context, key string) (cache.Entry, bool, error) {
	query, args, err := sq.Select("status", "status_code", "body", "error", "fetched_at").
		From("fetch_cache").
		Where(sq.Eq{"url": key}).
		ToSql()
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("build select: %w", err)
	}

	var (
		entry     cache.Entry
		status    string
		fetchedAt int64
	)
	row := b.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&status, &entry.StatusCode, &entry.Body, &entry.Error, &fetchedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, fmt.Errorf("scan cache row: %w", err)
	}

	entry.Status = domain.FetchStatus(status)
	entry.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return entry, true, nil
}

// Save upserts the row for key in one statement.
func (b *Backend) Save(ctx context.Context, key string, entry cache.Entry) error {
	query, args, err := sq.Insert("fetch_cache").
		Columns("url", "status", "status_code", "body", "error", "fetched_at").
		Values(key, string(entry.Status), entry.StatusCode, entry.Body, entry.Error, entry.FetchedAt.UnixNano()).
		Suffix(`ON CONFLICT(url) DO UPDATE SET
			status = excluded.status,
			status_code = excluded.status_code,
			body = excluded.body,
			error = excluded.error,
			fetched_at = excluded.fetched_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert cache row: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}
