package domain

import "github.com/google/uuid"

// CreateBookingRequest is the DTO for POST /api/bookings.
type CreateBookingRequest struct {
	SlotID string `json:"slot_id"`
	Remark string `json:"remark"`
}

// CreateSignedLinkRequest is the DTO merchants use to mint a booking link for a task.
type CreateSignedLinkRequest struct {
	TaskID     string `json:"task_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// SignedLink is an issued link. It is never persisted.
type SignedLink struct {
	Token                string    `json:"token"`
	ResourceID           uuid.UUID `json:"resource_id"`
	ExpiresAtEpochMillis int64     `json:"expires_at_epoch_millis"`
	Path                 string    `json:"path"`
	URL                  string    `json:"url,omitempty"`
}

// VerifyLinkResponse reports only validity; the failure reason is not disclosed.
type VerifyLinkResponse struct {
	Valid bool `json:"valid"`
}

// SlotAvailability is a slot as shown to prospective bookers.
type SlotAvailability struct {
	Slot
	Available int `json:"available"`
}

// NewSlotAvailability annotates a slot with its remaining capacity.
func NewSlotAvailability(s Slot) SlotAvailability {
	return SlotAvailability{Slot: s, Available: s.Available()}
}
