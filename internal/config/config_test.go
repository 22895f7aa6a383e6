package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Europe/Moscow", cfg.Location().String())
	assert.Equal(t, 1, cfg.WindowDays.Before)
	assert.Equal(t, 2, cfg.WindowDays.After)
	assert.Len(t, cfg.EnabledSources(), 4)
}

func TestParseKeepsDefaultsForMissingKeys(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Parse([]byte(`
concurrency: 8
fetch:
  timeout: 5s
  host_interval: 2s
cache:
  backend: sqlite
  ttl: 12h
retries:
  status_forcelist: [429, 503]
`), &cfg))

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Fetch.HostInterval)
	assert.Equal(t, CacheSQLite, cfg.Cache.Backend)
	assert.Equal(t, 12*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, []int{429, 503}, cfg.Retries.StatusForcelist)
	assert.Equal(t, 3, cfg.Retries.MaxAttempts, "untouched keys keep defaults")
	assert.NotEmpty(t, cfg.Relevance.KeyRateRegex)
}

func TestParseRejectsBrokenYAML(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := Parse([]byte("concurrency: [1"), &cfg)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	t.Setenv("DATABASE_DSN", "postgres://keyrate@localhost/keyrate")
	t.Setenv("REDIS_ADDRESS", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://keyrate@localhost/keyrate", cfg.Output.PostgresDSN)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromEnvPath(t *testing.T) {
	path := writeConfig(t, "timezone: UTC\n")
	t.Setenv("KEYRATE_SCANNER_CONFIG", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cfg.Location())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadUnknownTimezone(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "timezone: Mars/Olympus\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Concurrency = 0
	cfg.Relevance.CBRRegex = "(unclosed"
	cfg.Retries.Jitter = 2
	cfg.Retries.StatusForcelist = []int{429, 42}
	cfg.Cache.Backend = "memcached"
	cfg.Output.Path = "data/articles.parquet"
	cfg.Sources = append(cfg.Sources, SourceConfig{Name: "rt", Scanner: "rss"}, SourceConfig{Name: "x", SourceType: "blog"})

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	joined := verr.Error()
	for _, want := range []string{
		"concurrency must be positive",
		"relevance.cbr_regex",
		"retries.jitter",
		"retries.status_forcelist: 42 is not an HTTP status",
		`unknown cache backend "memcached"`,
		"output.path must end in .csv or .jsonl",
		`duplicate source name "rt"`,
		"source x: scanner is required",
		`unknown source_type "blog"`,
	} {
		assert.Contains(t, joined, want)
	}
}

func TestValidateCacheBackends(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Cache.Backend = CacheRedis
	cfg.Cache.Redis.Address = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = Default()
	cfg.Cache.Backend = CacheSQLite
	cfg.Cache.SQLite.Path = ""
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)

	cfg = Default()
	cfg.Cache.Backend = CacheNone
	assert.NoError(t, cfg.Validate())
}
