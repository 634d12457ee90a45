package app

import "errors"

// Errors returned by the booking service. Handlers map them to HTTP statuses with errors.Is.
var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("resource not found")
	ErrForbidden              = errors.New("not allowed to act on this resource")
	ErrCapacityExceeded       = errors.New("slot is fully booked")
	ErrDuplicateActiveBooking = errors.New("user already holds an active booking for this slot")
	ErrConcurrencyConflict    = errors.New("concurrent modification, please retry")
	ErrInvalidStateTransition = errors.New("booking status does not allow this operation")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrInvalidOrExpiredLink   = errors.New("invalid or expired link")
)
