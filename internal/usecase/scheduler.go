package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"KeyRateScanner/internal/domain"
	"KeyRateScanner/internal/ports"
)

// Job describes what one collection run reads and where it writes.
type Job struct {
	// Events loads the decision table; it is re-read on every run.
	Events func() ([]domain.Event, error)
	// Sink opens the output for the run started at trigger. Optional.
	Sink func(trigger time.Time) (ports.ArticleSink, error)
	// Done is called after every run, e.g. to dump metrics. Optional.
	Done func(Result, error)
}

// Scheduler wires the cron-like driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	job      Job
	logger   *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring jobs.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, job Job, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, job: job, logger: logger.With("component", "scheduler")}
}

// Start registers the pipeline with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if _, err := s.RunOnce(ctx, trigger); err != nil {
			s.logger.Error("scheduled collection failed", "trigger", trigger, "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// RunOnce performs a single collection: load events, collect, flush, close.
func (s *Scheduler) RunOnce(ctx context.Context, trigger time.Time) (Result, error) {
	if s.pipeline == nil || s.job.Events == nil {
		return Result{}, errors.New("scheduler has no pipeline or event loader")
	}

	events, err := s.job.Events()
	if err != nil {
		return Result{}, fmt.Errorf("load events: %w", err)
	}

	var sink ports.ArticleSink
	if s.job.Sink != nil {
		sink, err = s.job.Sink(trigger)
		if err != nil {
			return Result{}, fmt.Errorf("open sink: %w", err)
		}
	}

	res, err := s.pipeline.Run(ctx, events, sink)
	if sink != nil {
		if cerr := sink.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close sink: %w", cerr))
		}
	}
	if s.job.Done != nil {
		s.job.Done(res, err)
	}
	return res, err
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
