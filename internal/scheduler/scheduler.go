// Package scheduler drives the polling loop that executes job stages.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lanternworks/harvester/internal/harvest"
)

// Stage executes one picked-up job to completion.
type Stage interface {
	Execute(ctx context.Context, job harvest.Job) error
}

// Config controls loop timing.
type Config struct {
	Tick         time.Duration
	ErrorBackoff time.Duration
}

// Scheduler polls the job store on a fixed tick and runs at most one fetch
// job and one parse job per tick, each to completion. Stage errors are
// logged and followed by a longer backoff; the loop itself never crashes.
type Scheduler struct {
	jobs   harvest.JobStore
	fetch  Stage
	parse  Stage
	cfg    Config
	logger *zap.Logger

	wake    chan struct{}
	stopped atomic.Bool
}

// New constructs a Scheduler.
func New(jobs harvest.JobStore, fetch, parse Stage, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 30 * time.Second
	}
	return &Scheduler{
		jobs:   jobs,
		fetch:  fetch,
		parse:  parse,
		cfg:    cfg,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Wake nudges the loop to poll ahead of the next tick. Safe to call from any
// goroutine; extra wakes while one is pending are dropped.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop flips the stop flag. The flag is observed between ticks; an in-flight
// stage execution finishes first.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.Wake()
}

// Run blocks, polling until the context finishes or Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		if s.stopped.Load() || ctx.Err() != nil {
			return
		}
		if err := s.RunOneTick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("tick failed, backing off", zap.Error(err))
			if !sleepCtx(ctx, s.cfg.ErrorBackoff) {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// RunOneTick executes at most one fetch/pending job followed by at most one
// parse/pending job, each picked in (priority desc, created_at asc) order.
func (s *Scheduler) RunOneTick(ctx context.Context) error {
	if err := s.runStage(ctx, harvest.JobStageFetch, s.fetch); err != nil {
		return err
	}
	return s.runStage(ctx, harvest.JobStageParse, s.parse)
}

func (s *Scheduler) runStage(ctx context.Context, stage harvest.JobStage, exec Stage) error {
	job, ok, err := s.jobs.NextPending(ctx, stage)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	// Cancellation is observed here, at pickup; a cancel landing mid-stage
	// lets the stage finish.
	if job.Terminal() {
		s.logger.Debug("skipping terminal job at pickup",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)))
		return nil
	}
	s.logger.Debug("picked up job",
		zap.String("job_id", job.ID),
		zap.String("stage", string(stage)),
		zap.Int("priority", job.Priority))
	return exec.Execute(ctx, job)
}

// sleepCtx reports false when the context finished before the duration.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
