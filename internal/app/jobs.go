/**
 * @description
 * Scheduled booking maintenance: cancel pending bookings whose slot already ended,
 * announce reminders for confirmed bookings starting soon, and complete confirmed
 * bookings some hours after their slot ended. Every state change goes through the
 * BookingService so capacity and versions are handled exactly as for user requests.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/slotbook/booking-service/internal/config"
	"github.com/slotbook/booking-service/internal/domain"
	"github.com/slotbook/booking-service/internal/store"
)

const jobRunTimeout = 2 * time.Minute

// BookingLister is the read access the jobs need.
type BookingLister interface {
	ListBookings(ctx context.Context, filter store.BookingFilter) ([]domain.BookingDetail, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo     BookingLister
	bookings *BookingService
	logger   *slog.Logger
	config   config.Config

	Now func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo BookingLister, bookings *BookingService, logger *slog.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		repo:     repo,
		bookings: bookings,
		logger:   logger,
		config:   cfg,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

func (j *Jobs) batchSize() int {
	if j.config.BookingJobBatchSize > 0 {
		return j.config.BookingJobBatchSize
	}
	return 200
}

// JobResult summarises one run.
type JobResult struct {
	Candidates int
	Processed  int
	Skipped    int
	Failed     int
}

// CancelExpiredPendingBookings is the cron entry for CancelExpiredPending.
func (j *Jobs) CancelExpiredPendingBookings() {
	j.run("booking timeout", j.CancelExpiredPending)
}

// SendBookingReminders is the cron entry for SendReminders.
func (j *Jobs) SendBookingReminders() {
	j.run("booking reminder", j.SendReminders)
}

// AutoCompleteBookings is the cron entry for AutoComplete.
func (j *Jobs) AutoCompleteBookings() {
	j.run("booking auto-complete", j.AutoComplete)
}

func (j *Jobs) run(name string, fn func(context.Context) (JobResult, error)) {
	j.logger.Info("starting job", "job", name)
	ctx, cancel := context.WithTimeout(context.Background(), jobRunTimeout)
	defer cancel()

	res, err := fn(ctx)
	if err != nil {
		j.logger.Error("job failed", "job", name, "error", err)
		return
	}
	j.logger.Info("job finished", "job", name,
		"candidates", res.Candidates, "processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
}

// CancelExpiredPending cancels pending bookings whose slot has ended, releasing capacity.
func (j *Jobs) CancelExpiredPending(ctx context.Context) (JobResult, error) {
	now := j.Now()
	candidates, err := j.repo.ListBookings(ctx, store.BookingFilter{
		Statuses:   []domain.BookingStatus{domain.BookingStatusPending},
		EndsBefore: &now,
		Limit:      j.batchSize(),
	})
	if err != nil {
		return JobResult{}, err
	}

	res := JobResult{Candidates: len(candidates)}
	for _, d := range candidates {
		_, err := j.bookings.Cancel(ctx, d.ID, domain.SystemActor())
		j.tally(&res, err, "cancel expired pending booking", d)
	}
	return res, nil
}

// SendReminders announces confirmed bookings starting between lead and lead+window from now.
func (j *Jobs) SendReminders(ctx context.Context) (JobResult, error) {
	now := j.Now()
	from := now.Add(time.Duration(j.config.BookingReminderLeadHours) * time.Hour)
	to := from.Add(time.Duration(j.config.BookingReminderWindowMinutes) * time.Minute)
	candidates, err := j.repo.ListBookings(ctx, store.BookingFilter{
		Statuses:     []domain.BookingStatus{domain.BookingStatusConfirmed},
		StartsAfter:  &from,
		StartsBefore: &to,
		Limit:        j.batchSize(),
	})
	if err != nil {
		return JobResult{}, err
	}

	for _, d := range candidates {
		j.bookings.PublishReminder(ctx, d)
	}
	return JobResult{Candidates: len(candidates), Processed: len(candidates)}, nil
}

// AutoComplete completes confirmed bookings whose slot ended more than the configured
// number of hours ago.
func (j *Jobs) AutoComplete(ctx context.Context) (JobResult, error) {
	cutoff := j.Now().Add(-time.Duration(j.config.BookingAutoCompleteAfterHours) * time.Hour)
	candidates, err := j.repo.ListBookings(ctx, store.BookingFilter{
		Statuses:   []domain.BookingStatus{domain.BookingStatusConfirmed},
		EndsBefore: &cutoff,
		Limit:      j.batchSize(),
	})
	if err != nil {
		return JobResult{}, err
	}

	res := JobResult{Candidates: len(candidates)}
	for _, d := range candidates {
		_, err := j.bookings.Complete(ctx, d.ID, domain.SystemActor())
		j.tally(&res, err, "auto-complete booking", d)
	}
	return res, nil
}

// tally counts an outcome. A booking that moved on between the query and the write is
// skipped, not failed.
func (j *Jobs) tally(res *JobResult, err error, action string, d domain.BookingDetail) {
	switch {
	case err == nil:
		res.Processed++
	case errors.Is(err, ErrInvalidStateTransition):
		res.Skipped++
	default:
		res.Failed++
		j.logger.Warn("job action failed", "action", action, "booking_id", d.ID, "error", err)
	}
}
