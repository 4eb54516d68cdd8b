// Package cron runs the engine's periodic maintenance: result-store
// eviction, archive pruning, and the statistics report.
package cron

import (
	"context"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Job is one named maintenance function.
type Job struct {
	Name string
	// Spec is a robfig/cron schedule, e.g. "@every 60s".
	Spec string
	Run  func(ctx context.Context)
}

// Scheduler wraps a cron runner with context-aware jobs.
type Scheduler struct {
	logger *slog.Logger
	runner *cronlib.Cron
	jobs   []Job

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "maintenance"),
		runner: cronlib.New(),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	s.jobs = append(s.jobs, job)
	_, err := s.runner.AddFunc(job.Spec, func() {
		if s.ctx == nil || s.ctx.Err() != nil {
			return
		}
		start := time.Now()
		job.Run(s.ctx)
		s.logger.Debug("maintenance job ran", "job", job.Name, "elapsed", time.Since(start))
	})
	return err
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.runner.Start()
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.runner.Stop()
	<-stopCtx.Done()
	s.logger.Info("maintenance scheduler stopped")
}
