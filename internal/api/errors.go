package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/slotbook/booking-service/internal/app"
)

// errorResponse maps a service error onto an HTTP status and a client-safe message.
// Capacity and state-transition failures are the caller's fault and map to 400.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, clientMessage(err, app.ErrValidation)
	case errors.Is(err, app.ErrCapacityExceeded):
		return http.StatusBadRequest, "Slot is fully booked"
	case errors.Is(err, app.ErrInvalidStateTransition):
		return http.StatusBadRequest, "Booking status does not allow this operation"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, clientMessage(err, app.ErrNotFound)
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "Not allowed to act on this resource"
	case errors.Is(err, app.ErrDuplicateActiveBooking):
		return http.StatusConflict, "You already have an active booking for this slot"
	case errors.Is(err, app.ErrConcurrencyConflict):
		return http.StatusConflict, "The slot is busy, please try again"
	case errors.Is(err, app.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "Too many requests. Please try again later."
	case errors.Is(err, app.ErrInvalidOrExpiredLink):
		return http.StatusForbidden, app.ErrInvalidOrExpiredLink.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

// clientMessage keeps the detail a sentinel was wrapped with, e.g.
// "validation failed: slot_id is required".
func clientMessage(err, sentinel error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, sentinel.Error()) {
		return msg
	}
	return sentinel.Error()
}

// writeServiceError writes the mapped error, logging anything unexpected.
func writeServiceError(w http.ResponseWriter, endpoint string, err error) {
	status, msg := errorResponse(err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed err=%v", endpoint, err)
	} else {
		log.Printf("level=info component=api endpoint=%s outcome=reject status=%d reason=%q", endpoint, status, err.Error())
	}
	writeError(w, status, msg)
}
