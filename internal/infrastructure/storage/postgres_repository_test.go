package storage

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"KeyRateScanner/internal/domain"
)

func newRepo(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresRepository(db), mock
}

func record(url string) domain.ArticleRecord {
	return domain.ArticleRecord{
		DocID:         "doc-" + url,
		Source:        "rt",
		SourceType:    domain.SourceMedia,
		URL:           url,
		CanonicalURL:  url,
		EventID:       "2024-02-16",
		EventDateTime: time.Date(2024, 2, 16, 10, 30, 0, 0, time.UTC),
		FetchStatus:   domain.FetchOK,
		ParseStatus:   domain.ParseOK,
		Relevant:      true,
	}
}

func TestAlreadyStored(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	mock.ExpectQuery(`SELECT canonical_url FROM keyrate_articles WHERE canonical_url = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"canonical_url"}).AddRow("https://a.ru/1"))

	stored, err := repo.AlreadyStored(context.Background(), []string{"https://a.ru/1", "https://a.ru/2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"https://a.ru/1": true}, stored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlreadyStoredEmptyInput(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	stored, err := repo.AlreadyStored(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAlreadyStoredQueryError(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	mock.ExpectQuery("SELECT canonical_url").WillReturnError(errors.New("connection reset"))

	_, err := repo.AlreadyStored(context.Background(), []string{"https://a.ru/1"})
	assert.ErrorContains(t, err, "query stored")
}

func TestSaveArticlesFirstWins(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO keyrate_articles \(doc_id,.*relevance\) VALUES \(\$1,.*\),\(.*\) ON CONFLICT \(canonical_url\) DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SaveArticles(context.Background(), []domain.ArticleRecord{
		record("https://a.ru/1"),
		record("https://a.ru/2"),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticlesRollsBackOnError(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyrate_articles").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.SaveArticles(context.Background(), []domain.ArticleRecord{record("https://a.ru/1")})
	assert.ErrorContains(t, err, "insert articles")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveArticlesBatches(t *testing.T) {
	t.Parallel()

	records := make([]domain.ArticleRecord, insertBatch+1)
	for i := range records {
		records[i] = record("https://a.ru/" + strconv.Itoa(i))
	}

	repo, mock := newRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO keyrate_articles").WillReturnResult(sqlmock.NewResult(0, insertBatch))
	mock.ExpectExec("INSERT INTO keyrate_articles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.SaveArticles(context.Background(), records))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	repo, mock := newRepo(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS keyrate_articles").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
