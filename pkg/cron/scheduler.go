// Package cron schedules the recurring background work of the import engine
// using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/duartevn/coinflow/internal/queue"
)

// DefaultRetrainSchedule retrains the classifier nightly, off-peak.
const DefaultRetrainSchedule = "0 3 * * *"

// Scheduler enqueues recurring tasks on the work queue.
type Scheduler struct {
	cron     *cron.Cron
	tasks    queue.Publisher
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates the scheduler with the standard 5-field cron format.
func NewScheduler(tasks queue.Publisher, logger *slog.Logger) *Scheduler {
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:     c,
		tasks:    tasks,
		logger:   logger,
		schedule: DefaultRetrainSchedule,
	}
}

// WithRetrainSchedule overrides the retraining cadence. Call before Start.
func (s *Scheduler) WithRetrainSchedule(spec string) *Scheduler {
	s.schedule = spec
	return s
}

// Start registers the scheduled jobs and begins ticking.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.schedule, s.enqueueRetrain)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
		slog.String("retrain_schedule", s.schedule),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers a retraining pass (for admin use).
func (s *Scheduler) RunNow() {
	go s.enqueueRetrain()
}

// enqueueRetrain publishes one retraining task; the worker does the rest.
func (s *Scheduler) enqueueRetrain() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.tasks.Publish(ctx, queue.Task{Kind: queue.TaskRetrain}); err != nil {
		s.logger.Error("failed to enqueue retraining task", slog.Any("error", err))
		return
	}
	s.logger.Info("retraining task enqueued")
}
