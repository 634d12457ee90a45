package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/slotbook/booking-service/internal/config"
)

// Scheduler runs the booking maintenance jobs on their cron schedules.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.Config
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the same job are skipped.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Register adds every job to the cron table. It returns the number registered; a bad
// schedule is logged and that job is left out.
func (s *Scheduler) Register() int {
	entries := []struct {
		name     string
		schedule string
		fn       func()
	}{
		{"booking timeout", s.config.BookingTimeoutJobSchedule, s.jobs.CancelExpiredPendingBookings},
		{"booking reminder", s.config.BookingReminderJobSchedule, s.jobs.SendBookingReminders},
		{"booking auto-complete", s.config.BookingAutoCompleteJobSchedule, s.jobs.AutoCompleteBookings},
	}

	registered := 0
	for _, e := range entries {
		if e.schedule == "" {
			s.logger.Warn("job schedule empty; job disabled", "job", e.name)
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, e.fn); err != nil {
			s.logger.Error("failed to schedule job", "job", e.name, "schedule", e.schedule, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", e.name, "schedule", e.schedule)
		registered++
	}
	return registered
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Register()
	s.cron.Start()
}

// Stop gracefully stops the cron scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
