/**
 * @description
 * This file defines the `Repository` interface for the booking service's data layer.
 * It abstracts slot and booking persistence so the business logic in `internal/app`
 * can run against PostgreSQL in production and against the in-memory store in tests.
 *
 * @notes
 * - Every mutating method is a conditional write. It applies only if the row versions
 *   passed in are still current and returns ErrVersionConflict otherwise. Callers are
 *   expected to re-read and retry.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
)

var (
	ErrSlotNotFound           = errors.New("slot not found")
	ErrTaskNotFound           = errors.New("task not found")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrVersionConflict        = errors.New("version conflict")
	ErrDuplicateActiveBooking = errors.New("active booking already exists for user and slot")
)

// BookingFilter narrows ListBookings. Zero-valued fields are ignored.
type BookingFilter struct {
	UserID       string
	MerchantID   uuid.UUID
	TaskID       uuid.UUID
	SlotID       uuid.UUID
	Statuses     []domain.BookingStatus
	StartsAfter  *time.Time
	StartsBefore *time.Time
	EndsBefore   *time.Time
	Limit        int
	Offset       int
}

// Matches applies the filter to a single booking in memory.
func (f BookingFilter) Matches(d domain.BookingDetail) bool {
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if f.MerchantID != uuid.Nil && d.MerchantID != f.MerchantID {
		return false
	}
	if f.TaskID != uuid.Nil && d.TaskID != f.TaskID {
		return false
	}
	if f.SlotID != uuid.Nil && d.SlotID != f.SlotID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if d.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StartsAfter != nil && d.StartTime.Before(*f.StartsAfter) {
		return false
	}
	if f.StartsBefore != nil && !d.StartTime.Before(*f.StartsBefore) {
		return false
	}
	if f.EndsBefore != nil && !d.EndTime.Before(*f.EndsBefore) {
		return false
	}
	return true
}

// Repository defines the interface for database operations.
type Repository interface {
	// Slot methods
	CreateSlot(ctx context.Context, slot domain.Slot) error
	FindSlotByID(ctx context.Context, id uuid.UUID) (*domain.Slot, error)
	ListSlotsByTask(ctx context.Context, taskID uuid.UUID, onlyAvailable bool) ([]domain.Slot, error)
	FindTaskMerchantID(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error)

	// Booking read methods
	FindBookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	HasActiveBooking(ctx context.Context, userID string, slotID uuid.UUID) (bool, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]domain.BookingDetail, error)

	// Booking conditional write methods
	//
	// CreateBookingIfSlotVersion increments the slot's booked count and inserts the
	// booking in one transaction, provided the slot is still at slotVersion and not full.
	CreateBookingIfSlotVersion(ctx context.Context, slotVersion int64, booking domain.Booking) error
	// UpdateBookingStatusIfVersion persists booking.Status and its timestamps when the
	// stored row is still at booking.Version. The stored version is bumped by one.
	UpdateBookingStatusIfVersion(ctx context.Context, booking domain.Booking) error
	// CancelBookingIfVersion marks the booking cancelled and releases one unit of the
	// slot's capacity in one transaction. Both rows must still be at the given versions.
	CancelBookingIfVersion(ctx context.Context, booking domain.Booking, slotVersion int64) error
}
