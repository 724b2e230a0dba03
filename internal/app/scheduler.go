/**
 * @description
 * Cron scheduler setup for the ledger maintenance jobs.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedules holds the cron expressions for the maintenance jobs. An empty
// expression leaves that job unscheduled.
type Schedules struct {
	ExpirationSweep  string
	RetentionCleanup string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron      *cron.Cron
	jobs      *Jobs
	logger    *slog.Logger
	schedules Schedules
}

// NewScheduler creates a new scheduler instance. Cron expressions are
// evaluated in UTC so the sweep lines up with the UTC-day expiry cutoff.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedules Schedules) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Scheduler{
		cron:      c,
		jobs:      jobs,
		logger:    logger,
		schedules: schedules,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.register("expiration sweep", s.schedules.ExpirationSweep, s.jobs.ExpireInactiveBalances)
	s.register("retention cleanup", s.schedules.RetentionCleanup, s.jobs.PurgeExpiredTransactions)
	s.cron.Start()
}

func (s *Scheduler) register(name, spec string, job func()) {
	if spec == "" {
		s.logger.Info("job not scheduled", "job", name)
		return
	}
	if _, err := s.cron.AddFunc(spec, job); err != nil {
		s.logger.Error("failed to schedule job", "job", name, "schedule", spec, "error", err)
		return
	}
	s.logger.Info("scheduled job", "job", name, "schedule", spec)
}

// Entries returns the number of registered jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
