package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/infrastructure/output"
	"KeyRateScanner/internal/ports"
)

const (
	articlesTable = "keyrate_articles"
	insertBatch   = 200
)

const schema = `CREATE TABLE IF NOT EXISTS keyrate_articles (
    canonical_url   TEXT PRIMARY KEY,
    doc_id          TEXT NOT NULL,
    source          TEXT NOT NULL,
    source_type     TEXT NOT NULL,
    url             TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    published_at    TIMESTAMPTZ,
    text            TEXT NOT NULL DEFAULT '',
    summary         TEXT NOT NULL DEFAULT '',
    event_id        TEXT NOT NULL,
    event_date_time TIMESTAMPTZ NOT NULL,
    event_decision  TEXT NOT NULL DEFAULT '',
    event_new_rate  DOUBLE PRECISION,
    fetch_status    TEXT NOT NULL,
    parse_status    TEXT NOT NULL,
    relevance       BOOLEAN NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresRepository stores emitted records in Postgres, one row per canonical URL.
type PostgresRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ports.ArticleRepository = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// EnsureSchema creates the articles table when it is missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// AlreadyStored returns the subset of canonical URLs that already have a row.
func (r *PostgresRepository) AlreadyStored(ctx context.Context, canonicalURLs []string) (map[string]bool, error) {
	if r.db == nil || len(canonicalURLs) == 0 {
		return map[string]bool{}, nil
	}

	query, args, err := r.builder.
		Select("canonical_url").
		From(articlesTable).
		Where("canonical_url = ANY(?)", pq.Array(canonicalURLs)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stored query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stored: %w", err)
	}

	result := make(map[string]bool)
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan canonical url: %w", err)
		}
		result[url] = true
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("rows iteration: %w", rowsErr)
	}

	if closeErr := rows.Close(); closeErr != nil {
		return nil, fmt.Errorf("close rows: %w", closeErr)
	}

	return result, nil
}

// SaveArticles inserts records in one transaction. A canonical URL that is
// already stored keeps its first row.
func (r *PostgresRepository) SaveArticles(ctx context.Context, records []domain.ArticleRecord) error {
	if r.db == nil || len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	for start := 0; start < len(records); start += insertBatch {
		end := min(start+insertBatch, len(records))
		if err := r.insert(ctx, tx, records[start:end]); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit articles: %w", err)
	}
	return nil
}

func (r *PostgresRepository) insert(ctx context.Context, tx *sql.Tx, records []domain.ArticleRecord) error {
	insert := r.builder.
		Insert(articlesTable).
		Columns(output.Columns...).
		Suffix("ON CONFLICT (canonical_url) DO NOTHING")

	for _, rec := range records {
		var rate any
		if rec.EventNewRate != nil {
			rate = *rec.EventNewRate
		}
		var published any
		if rec.PublishedAt != nil {
			published = rec.PublishedAt.UTC()
		}
		insert = insert.Values(
			rec.DocID, rec.Source, string(rec.SourceType), rec.URL, rec.CanonicalURL,
			rec.Title, published, rec.Text, rec.Summary,
			rec.EventID, rec.EventDateTime.UTC(), rec.EventDecision, rate,
			string(rec.FetchStatus), string(rec.ParseStatus), rec.Relevant,
		)
	}

	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert articles: %w", err)
	}
	return nil
}
