package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for booking lifecycle events on the booking events exchange.
const (
	EventBookingCreated   = "booking.created"
	EventBookingConfirmed = "booking.confirmed"
	EventBookingCompleted = "booking.completed"
	EventBookingCancelled = "booking.cancelled"
	EventBookingReminder  = "booking.reminder"
)

// BookingEvent is the message published whenever a booking changes state, and by the
// reminder job ahead of a confirmed booking's start time.
type BookingEvent struct {
	EventID     string        `json:"event_id"`
	EventType   string        `json:"event_type"`
	BookingID   uuid.UUID     `json:"booking_id"`
	SlotID      uuid.UUID     `json:"slot_id"`
	UserID      string        `json:"user_id"`
	Status      BookingStatus `json:"status"`
	ActorUserID string        `json:"actor_user_id,omitempty"`
	SlotStart   *time.Time    `json:"slot_start,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}
