package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	// Europe/Moscow must resolve even on hosts without a zoneinfo database.
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone  = "Europe/Moscow"
	configPathEnv    = "KEYRATE_SCANNER_CONFIG"
	databaseDSNEnv   = "DATABASE_DSN"
	redisAddressEnv  = "REDIS_ADDRESS"
	redisPasswordEnv = "REDIS_PASSWORD"
	logLevelEnv      = "LOG_LEVEL"
)

// Cache backends understood by the application.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheSQLite = "sqlite"
	CacheNone   = "none"
)

// ErrInvalid marks configuration problems; they abort the run before any network activity.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Is lets errors.Is match ErrInvalid.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalid
}

// Config holds high-level settings required across the application.
type Config struct {
	Logging     LoggingConfig   `yaml:"logging"`
	UserAgent   string          `yaml:"user_agent"`
	Concurrency int             `yaml:"concurrency"`
	Timezone    string          `yaml:"timezone"`
	WindowDays  WindowConfig    `yaml:"window_days"`
	Relevance   RelevanceConfig `yaml:"relevance"`
	Fetch       FetchConfig     `yaml:"fetch"`
	Retries     RetryConfig     `yaml:"retries"`
	Cache       CacheConfig     `yaml:"cache"`
	Sources     []SourceConfig  `yaml:"sources"`
	Output      OutputConfig    `yaml:"output"`
	Metrics     MetricsConfig   `yaml:"metrics"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`

	location *time.Location
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// WindowConfig holds the event window offsets in days.
type WindowConfig struct {
	Before int `yaml:"before"`
	After  int `yaml:"after"`
}

// RelevanceConfig holds the three relevance patterns and the lede length.
type RelevanceConfig struct {
	KeyRateRegex  string `yaml:"keyrate_regex"`
	CBRRegex      string `yaml:"cbr_regex"`
	DecisionRegex string `yaml:"decision_regex"`
	LedeChars     int    `yaml:"cbr_lede_chars"`
}

// FetchConfig describes per-request politeness.
type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	HostInterval  time.Duration `yaml:"host_interval"`
	MaxBodyBytes  int64         `yaml:"max_body_bytes"`
	RespectRobots bool          `yaml:"respect_robots"`
}

// RetryConfig bounds the retry loop for transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`

	// StatusForcelist lists HTTP codes that are retried; empty means every 5xx.
	StatusForcelist []int `yaml:"status_forcelist"`
}

// CacheConfig selects the cache backend and its freshness policy.
type CacheConfig struct {
	Backend  string        `yaml:"backend"`
	TTL      time.Duration `yaml:"ttl"`
	Negative bool          `yaml:"negative"`
	Redis    RedisConfig   `yaml:"redis"`
	SQLite   SQLiteConfig  `yaml:"sqlite"`
}

// RedisConfig describes the redis cache connection.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// SQLiteConfig points at the on-disk cache file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// SourceConfig describes a single discovery source with its scanner strategy.
type SourceConfig struct {
	Name         string            `yaml:"name"`
	Scanner      string            `yaml:"scanner"`
	Enabled      bool              `yaml:"enabled"`
	SourceType   string            `yaml:"source_type"`
	AllowDomains []string          `yaml:"allow_domains"`
	AllowRegex   []string          `yaml:"allow_regex"`
	DenyRegex    []string          `yaml:"deny_regex"`
	Options      map[string]string `yaml:"options"`
}

// OutputConfig selects where records go.
type OutputConfig struct {
	Path           string `yaml:"path"`
	KeepIrrelevant bool   `yaml:"keep_irrelevant"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	Resume         bool   `yaml:"resume"`
}

// MetricsConfig points at an optional node-exporter textfile.
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// SchedulerConfig defines when recurring collection should run.
type SchedulerConfig struct {
	Cron     string `yaml:"cron"`
	Timezone string `yaml:"timezone"`
}

// Location resolves the configured timezone used for zone-less timestamps.
func (c Config) Location() *time.Location {
	if c.location != nil {
		return c.location
	}
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EnabledSources returns the sources switched on in the config.
func (c Config) EnabledSources() []SourceConfig {
	enabled := make([]SourceConfig, 0, len(c.Sources))
	for _, src := range c.Sources {
		if src.Enabled {
			enabled = append(enabled, src)
		}
	}
	return enabled
}

// Load reads YAML configuration over the defaults, applies environment
// overrides and validates the result. path may be empty, in which case the
// KEYRATE_SCANNER_CONFIG variable is consulted.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
		if err := Parse(raw, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Parse decodes YAML on top of cfg; keys absent from raw keep their current values.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("%w: parse yaml: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Output.PostgresDSN = v
	}

	if v := os.Getenv(redisAddressEnv); v != "" {
		c.Cache.Redis.Address = v
	}

	if v := os.Getenv(redisPasswordEnv); v != "" {
		c.Cache.Redis.Password = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return &ValidationError{Problems: []string{fmt.Sprintf("unknown timezone %q", tz)}}
	}
	c.location = loc
	return nil
}

// Validate checks everything that can be checked without touching the network.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Concurrency <= 0 {
		add("concurrency must be positive")
	}
	if c.WindowDays.Before < 0 || c.WindowDays.After < 0 {
		add("window_days offsets must be non-negative")
	}

	for name, pattern := range map[string]string{
		"relevance.keyrate_regex":  c.Relevance.KeyRateRegex,
		"relevance.cbr_regex":      c.Relevance.CBRRegex,
		"relevance.decision_regex": c.Relevance.DecisionRegex,
	} {
		if strings.TrimSpace(pattern) == "" {
			add("%s is required", name)
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			add("%s: %v", name, err)
		}
	}
	if c.Relevance.LedeChars <= 0 {
		add("relevance.cbr_lede_chars must be positive")
	}

	if c.Fetch.Timeout <= 0 {
		add("fetch.timeout must be positive")
	}
	if c.Fetch.HostInterval < 0 {
		add("fetch.host_interval must be non-negative")
	}
	if c.Retries.MaxAttempts <= 0 {
		add("retries.max_attempts must be positive")
	}
	if c.Retries.BaseBackoff < 0 || c.Retries.MaxBackoff < 0 {
		add("retries backoff durations must be non-negative")
	}
	if c.Retries.Jitter < 0 || c.Retries.Jitter > 1 {
		add("retries.jitter must be within [0, 1]")
	}
	for _, code := range c.Retries.StatusForcelist {
		if code < 100 || code > 599 {
			add("retries.status_forcelist: %d is not an HTTP status", code)
		}
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheNone:
	case CacheRedis:
		if c.Cache.Redis.Address == "" {
			add("cache.redis.address is required for the redis backend")
		}
	case CacheSQLite:
		if c.Cache.SQLite.Path == "" {
			add("cache.sqlite.path is required for the sqlite backend")
		}
	default:
		add("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		add("cache.ttl must be positive")
	}

	seen := map[string]bool{}
	for i, src := range c.Sources {
		if strings.TrimSpace(src.Name) == "" {
			add("sources[%d].name is required", i)
		} else if seen[src.Name] {
			add("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true

		if src.Scanner == "" {
			add("source %s: scanner is required", src.Name)
		}
		switch src.SourceType {
		case "", "cbr", "media":
		default:
			add("source %s: unknown source_type %q", src.Name, src.SourceType)
		}
		for _, pattern := range append(append([]string{}, src.AllowRegex...), src.DenyRegex...) {
			if _, err := regexp.Compile(pattern); err != nil {
				add("source %s: %v", src.Name, err)
			}
		}
	}

	if ext := outputExt(c.Output.Path); ext != "" && ext != ".csv" && ext != ".jsonl" {
		add("output.path must end in .csv or .jsonl, got %q", ext)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func outputExt(path string) string {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || strings.Contains(path[idx:], "/") {
		return ""
	}
	return strings.ToLower(path[idx:])
}

// Default returns the configuration used when no file overrides a key.
func Default() Config {
	loc, _ := time.LoadLocation(defaultTimezone)
	return Config{
		Logging:     LoggingConfig{Level: "info"},
		UserAgent:   "keyrate-scanner/1.0 (+research; contact: maintainers)",
		Concurrency: 4,
		Timezone:    defaultTimezone,
		WindowDays:  WindowConfig{Before: 1, After: 2},
		Relevance: RelevanceConfig{
			KeyRateRegex:  `ключев\w*\s+ставк\w*`,
			CBRRegex:      `(Банк\w*\s+России|ЦБ|центробанк\w*)`,
			DecisionRegex: `(совет\w*\s+директор[а-я]*|решени|повысил|снизил|сохранил)`,
			LedeChars:     500,
		},
		Fetch: FetchConfig{
			Timeout:       20 * time.Second,
			HostInterval:  time.Second,
			MaxBodyBytes:  10 << 20,
			RespectRobots: true,
		},
		Retries: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  30 * time.Second,
			Jitter:      0.2,
		},
		Cache: CacheConfig{
			Backend:  CacheMemory,
			TTL:      24 * time.Hour,
			Negative: true,
			Redis:    RedisConfig{Address: "localhost:6379", Prefix: "keyrate:cache:"},
			SQLite:   SQLiteConfig{Path: "data/cache.sqlite"},
		},
		Sources: []SourceConfig{
			{
				Name:         "rt",
				Scanner:      "search_api",
				Enabled:      true,
				SourceType:   "media",
				AllowDomains: []string{"russian.rt.com"},
				Options: map[string]string{
					"search_url": "https://russian.rt.com/search",
					"query":      "ключевая ставка",
					"page_size":  "50",
					"max_pages":  "5",
				},
			},
			{
				Name:         "fontanka",
				Scanner:      "tag_archive",
				Enabled:      true,
				SourceType:   "media",
				AllowDomains: []string{"www.fontanka.ru"},
				AllowRegex:   []string{`/\d{4}/\d{2}/\d{2}/\d+/`},
				Options: map[string]string{
					"tag_url":   "https://www.fontanka.ru/text/tags/klyuchevaya_stavka/",
					"max_pages": "3",
				},
			},
			{
				Name:         "vedomosti",
				Scanner:      "dated_archive",
				Enabled:      true,
				SourceType:   "media",
				AllowDomains: []string{"www.vedomosti.ru"},
				Options: map[string]string{
					"archive_url":   "https://www.vedomosti.ru/archive/{yyyy}/{mm}/{dd}",
					"article_regex": `/articles/\d{4}/\d{2}/\d{2}/`,
				},
			},
			{
				Name:         "cbr_press",
				Scanner:      "rss",
				Enabled:      true,
				SourceType:   "cbr",
				AllowDomains: []string{"www.cbr.ru", "cbr.ru"},
				Options: map[string]string{
					"feed_url": "https://www.cbr.ru/rss/eventrss",
				},
			},
			{
				Name:         "interfax",
				Scanner:      "sitemap",
				Enabled:      false,
				SourceType:   "media",
				AllowDomains: []string{"www.interfax.ru"},
				DenyRegex:    []string{`/photo/`, `/video/`},
				Options: map[string]string{
					"sitemap_url":        "https://www.interfax.ru/sitemap.xml",
					"max_urls_per_event": "200",
				},
			},
		},
		Output:    OutputConfig{Path: "data/articles.jsonl"},
		Scheduler: SchedulerConfig{Cron: "0 6 * * *", Timezone: defaultTimezone},
		location:  loc,
	}
}
