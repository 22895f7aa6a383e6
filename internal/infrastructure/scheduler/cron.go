package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"KeyRateScanner/internal/config"
	"KeyRateScanner/internal/ports"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ErrAlreadyStarted is returned by a second Start without Stop.
var ErrAlreadyStarted = errors.New("scheduler already started")

// CronScheduler runs a job on a cron expression in a fixed timezone.
// A run that is still going when the next tick fires makes that tick a no-op.
type CronScheduler struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var _ ports.Scheduler = (*CronScheduler)(nil)

// NewCronScheduler parses spec (five fields or a descriptor such as @daily).
func NewCronScheduler(spec string, loc *time.Location, logger *slog.Logger) (*CronScheduler, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", config.ErrInvalid, spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CronScheduler{spec: spec, schedule: schedule, loc: loc, logger: logger}, nil
}

// Next reports the first activation strictly after t.
func (c *CronScheduler) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.loc))
}

// Start registers job and begins ticking. The scheduler stops on its own when ctx ends.
func (c *CronScheduler) Start(ctx context.Context, job func(time.Time)) error {
	if job == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return ErrAlreadyStarted
	}

	logger := cronLogger{logger: c.logger}
	runner := cron.New(
		cron.WithLocation(c.loc),
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	runner.Schedule(c.schedule, cron.FuncJob(func() {
		job(time.Now().In(c.loc))
	}))
	runner.Start()
	c.cron = runner

	c.logger.Info("scheduler started", "cron", c.spec, "timezone", c.loc.String(),
		"next_run", c.Next(time.Now()).Format(time.RFC3339))

	go func() {
		<-ctx.Done()
		_ = c.Stop(context.WithoutCancel(ctx))
	}()
	return nil
}

// Stop prevents new runs and waits for a running job until ctx ends.
func (c *CronScheduler) Stop(ctx context.Context) error {
	c.mu.Lock()
	runner := c.cron
	c.cron = nil
	c.mu.Unlock()

	if runner == nil {
		return nil
	}

	select {
	case <-runner.Stop().Done():
		c.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running job: %w", ctx.Err())
	}
}

// cronLogger routes cron's internal messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
