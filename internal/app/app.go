package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"KeyRateScanner/internal/cache"
	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/events"
	"KeyRateScanner/internal/extractor"
	"KeyRateScanner/internal/fetcher"
	"KeyRateScanner/internal/infrastructure/output"
	"KeyRateScanner/internal/infrastructure/parser"
	"KeyRateScanner/internal/infrastructure/rediscache"
	"KeyRateScanner/internal/infrastructure/scheduler"
	"KeyRateScanner/internal/infrastructure/sqlitecache"
	"KeyRateScanner/internal/infrastructure/storage"
	"KeyRateScanner/internal/logging"
	"KeyRateScanner/internal/metrics"
	"KeyRateScanner/internal/ports"
	"KeyRateScanner/internal/relevance"
	"KeyRateScanner/internal/usecase"
	"KeyRateScanner/internal/window"
)

// ScheduleFromConfig runs on scheduler.cron from the config file.
const ScheduleFromConfig = "config"

// RunOptions are the per-invocation inputs that do not live in the config file.
type RunOptions struct {
	EventsPath string
	// OutputPath overrides output.path.
	OutputPath string
	// Schedule is a cron expression or ScheduleFromConfig; empty means a single run.
	Schedule string
}

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg      config.Config
	logger   *slog.Logger
	pipeline *usecase.Pipeline
	metrics  *metrics.Metrics
	closers  []func() error
}

// New builds every adapter the config asks for. Configuration problems are
// reported before any network activity.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level)
	}
	a := &Application{cfg: cfg, logger: baseLogger, metrics: metrics.New()}

	filter, err := relevance.New(cfg.Relevance)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location()
	// source options are checked against a throwaway registry before the
	// cache backends dial out
	if _, err := parser.NewStrategySource(parser.NewRegistry(nil, logging.Discard()), cfg.EnabledSources(), loc, nil); err != nil {
		return nil, err
	}

	store, err := a.cacheStore(ctx)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	fetch := fetcher.New(nil, store, fetcher.Options{
		UserAgent:     cfg.UserAgent,
		Timeout:       cfg.Fetch.Timeout,
		HostInterval:  cfg.Fetch.HostInterval,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		RespectRobots: cfg.Fetch.RespectRobots,
		Retry: fetcher.RetryPolicy{
			MaxAttempts:   cfg.Retries.MaxAttempts,
			BaseDelay:     cfg.Retries.BaseBackoff,
			MaxDelay:      cfg.Retries.MaxBackoff,
			Jitter:        cfg.Retries.Jitter,
			RetryStatuses: cfg.Retries.StatusForcelist,
		},
	}, fetcher.WithLogger(baseLogger.With("component", "fetcher")))

	registry := parser.NewRegistry(fetch, baseLogger.With("component", "scanner"))
	source, err := parser.NewStrategySource(registry, cfg.EnabledSources(), loc, baseLogger.With("component", "source"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	var repo ports.ArticleRepository
	if cfg.Output.PostgresDSN != "" {
		pg, err := a.postgres(ctx)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		repo = pg
	} else if cfg.Output.Resume {
		baseLogger.Warn("output.resume needs output.postgres_dsn; resume is off")
	}

	a.pipeline = usecase.NewPipeline(usecase.PipelineDeps{
		Source:     source,
		Fetcher:    fetch,
		Extractor:  extractor.New(loc),
		Relevance:  filter,
		Repository: repo,
		Observer:   a.metrics,
		Logger:     baseLogger,
	}, usecase.PipelineOptions{
		Offsets:        window.Offsets{Before: cfg.WindowDays.Before, After: cfg.WindowDays.After},
		Concurrency:    cfg.Concurrency,
		KeepIrrelevant: cfg.Output.KeepIrrelevant,
		Resume:         cfg.Output.Resume,
		Persist:        repo != nil,
	})
	return a, nil
}

// Preflight checks the per-invocation inputs without touching the network,
// so a bad events table fails before New dials any backend.
func Preflight(cfg config.Config, opts RunOptions) error {
	if opts.EventsPath == "" {
		return fmt.Errorf("%w: events path is required", config.ErrInvalid)
	}
	if opts.OutputPath != "" {
		switch ext := strings.ToLower(filepath.Ext(opts.OutputPath)); ext {
		case ".csv", ".jsonl":
		default:
			return fmt.Errorf("%w: output must be .csv or .jsonl, got %q", config.ErrInvalid, ext)
		}
	}
	if opts.Schedule != "" {
		if _, err := scheduler.NewCronScheduler(scheduleSpec(cfg, opts), cfg.Location(), logging.Discard()); err != nil {
			return err
		}
	}
	if _, err := events.Load(opts.EventsPath, cfg.Location()); err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return nil
}

func scheduleSpec(cfg config.Config, opts RunOptions) string {
	if opts.Schedule == ScheduleFromConfig {
		return cfg.Scheduler.Cron
	}
	return opts.Schedule
}

// Run collects once, or on every cron tick until ctx ends when a schedule is
// set. opts are expected to have passed Preflight.
func (a *Application) Run(ctx context.Context, opts RunOptions) error {
	if opts.EventsPath == "" {
		return fmt.Errorf("%w: events path is required", config.ErrInvalid)
	}
	loc := a.cfg.Location()
	outPath := a.cfg.Output.Path
	if opts.OutputPath != "" {
		outPath = opts.OutputPath
	}

	job := usecase.Job{
		Events: func() ([]domain.Event, error) { return events.Load(opts.EventsPath, loc) },
		Sink: func(time.Time) (ports.ArticleSink, error) {
			if outPath == "" {
				return nil, nil
			}
			return output.Open(outPath)
		},
		Done: func(res usecase.Result, err error) {
			if werr := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); werr != nil {
				a.logger.Warn("metrics textfile not written", "error", werr)
			}
			if err == nil {
				a.logger.Info("records written", "path", outPath, "records", len(res.Records))
			}
		},
	}

	if opts.Schedule == "" {
		s := usecase.NewScheduler(nil, a.pipeline, job, a.logger)
		_, err := s.RunOnce(ctx, time.Now().In(loc))
		return err
	}

	driver, err := scheduler.NewCronScheduler(scheduleSpec(a.cfg, opts), a.scheduleLocation(), a.logger.With("component", "cron"))
	if err != nil {
		return err
	}
	s := usecase.NewScheduler(driver, a.pipeline, job, a.logger)
	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	return s.Stop(stopCtx)
}

// Close releases cache and database handles.
func (a *Application) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *Application) scheduleLocation() *time.Location {
	if a.cfg.Scheduler.Timezone == "" {
		return a.cfg.Location()
	}
	loc, err := time.LoadLocation(a.cfg.Scheduler.Timezone)
	if err != nil {
		a.logger.Warn("unknown scheduler timezone, using collection timezone", "timezone", a.cfg.Scheduler.Timezone)
		return a.cfg.Location()
	}
	return loc
}

func (a *Application) cacheStore(ctx context.Context) (*cache.Store, error) {
	cfg := a.cfg.Cache
	policy := cache.Policy{TTL: cfg.TTL, Negative: cfg.Negative}
	logger := a.logger.With("component", "cache", "backend", cfg.Backend)

	switch cfg.Backend {
	case config.CacheNone:
		return nil, nil
	case config.CacheRedis:
		backend, err := rediscache.Dial(ctx, rediscache.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		a.closers = append(a.closers, backend.Close)
		return cache.New(backend, policy, logger), nil
	case config.CacheSQLite:
		backend, err := sqlitecache.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite cache: %w", err)
		}
		a.closers = append(a.closers, backend.Close)
		return cache.New(backend, policy, logger), nil
	default:
		return cache.New(cache.NewMemory(), policy, logger), nil
	}
}

func (a *Application) postgres(ctx context.Context) (*storage.PostgresRepository, error) {
	db, err := sql.Open("postgres", a.cfg.Output.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	repo := storage.NewPostgresRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}
