/**
 * @description
 * Core domain models for the booking service: time slots with a finite capacity,
 * the bookings made against them and the status machine bookings move through.
 *
 * @notes
 * - Both Slot and Booking carry a `Version` that is bumped on every write. The store
 *   only applies a write when the version it was read at is still current.
 * - Timestamps are always supplied by the caller so the lifecycle stays testable.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

// MaxRemarkLength bounds the free-text note a user may attach to a booking.
const MaxRemarkLength = 500

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCompleted, BookingStatusCancelled},
}

// ParseBookingStatus parses a status string coming from a query parameter.
func ParseBookingStatus(raw string) (BookingStatus, bool) {
	switch s := BookingStatus(raw); s {
	case BookingStatusPending, BookingStatusConfirmed, BookingStatusCompleted, BookingStatusCancelled:
		return s, true
	default:
		return "", false
	}
}

// CanTransitionTo reports whether the status machine allows moving to next.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive is true for bookings that hold a unit of slot capacity.
func (s BookingStatus) IsActive() bool {
	return s == BookingStatusPending || s == BookingStatusConfirmed
}

// IsFinal is true for statuses with no outgoing transitions.
func (s BookingStatus) IsFinal() bool {
	return len(bookingTransitions[s]) == 0
}

// Slot is a bookable window of time offered by a merchant for one of its tasks.
// It maps to the `slots` table.
type Slot struct {
	ID          uuid.UUID `json:"id"`
	TaskID      uuid.UUID `json:"task_id"`
	MerchantID  uuid.UUID `json:"merchant_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Capacity    int       `json:"capacity"`
	BookedCount int       `json:"booked_count"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsFull reports whether every unit of capacity is taken.
func (s Slot) IsFull() bool {
	return s.BookedCount >= s.Capacity
}

// Available is the remaining capacity, never negative.
func (s Slot) Available() int {
	if s.BookedCount >= s.Capacity {
		return 0
	}
	return s.Capacity - s.BookedCount
}

// HasEnded reports whether the slot's end time is at or before now.
func (s Slot) HasEnded(now time.Time) bool {
	return !s.EndTime.After(now)
}

// Booking is a user's claim on one unit of a slot's capacity.
// It maps to the `bookings` table.
type Booking struct {
	ID          uuid.UUID     `json:"id"`
	SlotID      uuid.UUID     `json:"slot_id"`
	UserID      string        `json:"user_id"`
	Status      BookingStatus `json:"status"`
	Remark      string        `json:"remark,omitempty"`
	Version     int64         `json:"version"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	ConfirmedAt *time.Time    `json:"confirmed_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
}

// NewBooking builds a pending booking. Nothing is defaulted implicitly.
func NewBooking(id, slotID uuid.UUID, userID, remark string, now time.Time) Booking {
	return Booking{
		ID:        id,
		SlotID:    slotID,
		UserID:    userID,
		Status:    BookingStatusPending,
		Remark:    remark,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// WithStatus returns a copy of b moved to next at the given time. It does not
// validate the transition; callers check CanTransitionTo first.
func (b Booking) WithStatus(next BookingStatus, at time.Time) Booking {
	out := b
	out.Status = next
	out.UpdatedAt = at
	stamp := at
	switch next {
	case BookingStatusConfirmed:
		out.ConfirmedAt = &stamp
	case BookingStatusCompleted:
		out.CompletedAt = &stamp
	case BookingStatusCancelled:
		out.CancelledAt = &stamp
	}
	return out
}

// BookingDetail is a booking joined with the slot it belongs to, used by list views
// and by the scheduled jobs that need slot times.
type BookingDetail struct {
	Booking
	TaskID     uuid.UUID `json:"task_id"`
	MerchantID uuid.UUID `json:"merchant_id"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}
