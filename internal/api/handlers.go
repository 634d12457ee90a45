/**
 * @description
 * This file contains the HTTP handlers for the booking-service's API endpoints.
 * Handlers parse the request, call the booking service or the link issuer, and
 * write the JSON response. Status mapping for service errors lives in errors.go.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app, internal/domain: Service logic and models.
 */

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/app"
	"github.com/slotbook/booking-service/internal/domain"
)

const maxListLimit = 100

// BookingHandlers holds the services the handlers use.
type BookingHandlers struct {
	bookings *app.BookingService
	links    *app.SignedLinkIssuer
}

// NewBookingHandlers creates a new instance of BookingHandlers.
func NewBookingHandlers(bookings *app.BookingService, links *app.SignedLinkIssuer) *BookingHandlers {
	return &BookingHandlers{bookings: bookings, links: links}
}

type createBookingForUserRequest struct {
	UserID string `json:"user_id"`
	SlotID string `json:"slot_id"`
	Remark string `json:"remark"`
}

type signedLinkResponse struct {
	Token                string    `json:"token"`
	ResourceID           uuid.UUID `json:"resource_id"`
	ExpiresAtEpochMillis int64     `json:"expires_at_epoch_millis"`
	Link                 string    `json:"link"`
}

type activeBookingResponse struct {
	SlotID           uuid.UUID `json:"slot_id"`
	HasActiveBooking bool      `json:"has_active_booking"`
}

// CreateBookingHandler handles POST /api/bookings.
func (h *BookingHandlers) CreateBookingHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	in, ok := decodeCreateBooking(w, r)
	if !ok {
		return
	}

	booking, err := h.bookings.Create(r.Context(), actor, in)
	if err != nil {
		writeServiceError(w, "create_booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// CreateLinkedBookingHandler handles POST /api/public/tasks/{taskID}/bookings. The
// signed link has already been verified by SignedLinkGate.
func (h *BookingHandlers) CreateLinkedBookingHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	taskID, ok := getLinkedTask(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, app.ErrInvalidOrExpiredLink.Error())
		return
	}
	in, ok := decodeCreateBooking(w, r)
	if !ok {
		return
	}

	booking, err := h.bookings.CreateViaLink(r.Context(), actor, taskID, in)
	if err != nil {
		writeServiceError(w, "create_linked_booking", err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// CreateBookingForUserHandler handles POST /api/merchants/bookings.
func (h *BookingHandlers) CreateBookingForUserHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())

	var req createBookingForUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	slotID, err := uuid.Parse(strings.TrimSpace(req.SlotID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slot_id")
		return
	}

	booking, err := h.bookings.CreateForUser(r.Context(), actor, strings.TrimSpace(req.UserID), app.CreateBookingInput{
		SlotID: slotID,
		Remark: req.Remark,
	})
	if err != nil {
		writeServiceError(w, "create_booking_for_user", err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// ListMyBookingsHandler handles GET /api/bookings/my.
func (h *BookingHandlers) ListMyBookingsHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	opts, err := parseListOptions(r)
	if err != nil {
		writeServiceError(w, "list_my_bookings", err)
		return
	}

	list, err := h.bookings.ListMyBookings(r.Context(), actor, opts)
	if err != nil {
		writeServiceError(w, "list_my_bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// ListMyActiveBookingsHandler handles GET /api/bookings/my/active.
func (h *BookingHandlers) ListMyActiveBookingsHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	list, err := h.bookings.ListMyActiveBookings(r.Context(), actor)
	if err != nil {
		writeServiceError(w, "list_my_active_bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// HasActiveBookingHandler handles GET /api/bookings/my/active/{slotID}.
func (h *BookingHandlers) HasActiveBookingHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	slotID, ok := parseUUIDParam(w, r, "slotID", "slot ID")
	if !ok {
		return
	}
	active, err := h.bookings.HasActiveBooking(r.Context(), actor, slotID)
	if err != nil {
		writeServiceError(w, "has_active_booking", err)
		return
	}
	writeJSON(w, http.StatusOK, activeBookingResponse{SlotID: slotID, HasActiveBooking: active})
}

// GetBookingHandler handles GET /api/bookings/{id}.
func (h *BookingHandlers) GetBookingHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	bookingID, ok := parseUUIDParam(w, r, "id", "booking ID")
	if !ok {
		return
	}
	detail, err := h.bookings.GetBooking(r.Context(), actor, bookingID)
	if err != nil {
		writeServiceError(w, "get_booking", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// CancelBookingHandler handles DELETE /api/bookings/{id} and DELETE /api/merchants/bookings/{id}.
func (h *BookingHandlers) CancelBookingHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel_booking", h.bookings.Cancel)
}

// ConfirmBookingHandler handles PUT /api/merchants/bookings/{id}/confirm.
func (h *BookingHandlers) ConfirmBookingHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "confirm_booking", h.bookings.Confirm)
}

// CompleteBookingHandler handles PUT /api/merchants/bookings/{id}/complete.
func (h *BookingHandlers) CompleteBookingHandler(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "complete_booking", h.bookings.Complete)
}

func (h *BookingHandlers) transition(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	apply func(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (*domain.Booking, error),
) {
	actor, _ := GetActor(r.Context())
	bookingID, ok := parseUUIDParam(w, r, "id", "booking ID")
	if !ok {
		return
	}
	booking, err := apply(r.Context(), bookingID, actor)
	if err != nil {
		writeServiceError(w, endpoint, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// ListMerchantBookingsHandler handles GET /api/merchants/bookings.
func (h *BookingHandlers) ListMerchantBookingsHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())
	opts, err := parseListOptions(r)
	if err != nil {
		writeServiceError(w, "list_merchant_bookings", err)
		return
	}
	list, err := h.bookings.ListMerchantBookings(r.Context(), actor, opts)
	if err != nil {
		writeServiceError(w, "list_merchant_bookings", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// CreateSignedLinkHandler handles POST /api/merchants/links.
func (h *BookingHandlers) CreateSignedLinkHandler(w http.ResponseWriter, r *http.Request) {
	actor, _ := GetActor(r.Context())

	var req domain.CreateSignedLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	taskID, err := uuid.Parse(strings.TrimSpace(req.TaskID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid task_id")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, http.StatusBadRequest, "ttl_seconds must not be negative")
		return
	}
	if req.TTLSeconds > int64(app.MaxSignedLinkTTL/time.Second) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("ttl_seconds must not exceed %d", int64(app.MaxSignedLinkTTL/time.Second)))
		return
	}

	if err := h.bookings.AuthorizeTaskMerchant(r.Context(), actor, taskID); err != nil {
		writeServiceError(w, "create_signed_link", err)
		return
	}

	link, err := h.links.GenerateWithTTL(taskID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeServiceError(w, "create_signed_link", err)
		return
	}

	resp := signedLinkResponse{
		Token:                link.Token,
		ResourceID:           link.ResourceID,
		ExpiresAtEpochMillis: link.ExpiresAtEpochMillis,
		Link:                 link.URL,
	}
	if resp.Link == "" {
		resp.Link = link.Path
	}
	writeJSON(w, http.StatusCreated, resp)
}

// VerifySignedLinkHandler handles GET /api/public/links/verify. It only reports validity.
func (h *BookingHandlers) VerifySignedLinkHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	_, err := h.links.VerifyRaw(q.Get("taskId"), q.Get("token"), q.Get("exp"))
	writeJSON(w, http.StatusOK, domain.VerifyLinkResponse{Valid: err == nil})
}

// ListLinkedTaskSlotsHandler handles GET /api/public/tasks/{taskID}/slots.
func (h *BookingHandlers) ListLinkedTaskSlotsHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := getLinkedTask(r.Context())
	if !ok {
		writeError(w, http.StatusForbidden, app.ErrInvalidOrExpiredLink.Error())
		return
	}
	h.writeTaskSlots(w, r, "list_linked_task_slots", taskID)
}

// ListTaskSlotsHandler handles GET /api/tasks/{taskID}/slots.
func (h *BookingHandlers) ListTaskSlotsHandler(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseUUIDParam(w, r, "taskID", "task ID")
	if !ok {
		return
	}
	h.writeTaskSlots(w, r, "list_task_slots", taskID)
}

func (h *BookingHandlers) writeTaskSlots(w http.ResponseWriter, r *http.Request, endpoint string, taskID uuid.UUID) {
	onlyAvailable, _ := strconv.ParseBool(r.URL.Query().Get("available"))
	slots, err := h.bookings.ListTaskSlots(r.Context(), taskID, onlyAvailable)
	if err != nil {
		writeServiceError(w, endpoint, err)
		return
	}
	if slots == nil {
		slots = []domain.SlotAvailability{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// GetSlotHandler handles GET /api/slots/{slotID}.
func (h *BookingHandlers) GetSlotHandler(w http.ResponseWriter, r *http.Request) {
	slotID, ok := parseUUIDParam(w, r, "slotID", "slot ID")
	if !ok {
		return
	}
	slot, err := h.bookings.GetSlot(r.Context(), slotID)
	if err != nil {
		writeServiceError(w, "get_slot", err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil(list []domain.BookingDetail) []domain.BookingDetail {
	if list == nil {
		return []domain.BookingDetail{}
	}
	return list
}

func decodeCreateBooking(w http.ResponseWriter, r *http.Request) (app.CreateBookingInput, bool) {
	var req domain.CreateBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return app.CreateBookingInput{}, false
	}
	slotID, err := uuid.Parse(strings.TrimSpace(req.SlotID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid slot_id")
		return app.CreateBookingInput{}, false
	}
	return app.CreateBookingInput{SlotID: slotID, Remark: req.Remark}, true
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, param, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s format", label))
		return uuid.Nil, false
	}
	return id, true
}

func parseListOptions(r *http.Request) (app.ListOptions, error) {
	q := r.URL.Query()
	var opts app.ListOptions

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status, ok := domain.ParseBookingStatus(raw)
		if !ok {
			return opts, fmt.Errorf("%w: unknown status %q", app.ErrValidation, raw)
		}
		opts.Status = &status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return opts, fmt.Errorf("%w: limit must be a non-negative integer", app.ErrValidation)
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		opts.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return opts, fmt.Errorf("%w: offset must be a non-negative integer", app.ErrValidation)
		}
		opts.Offset = offset
	}
	return opts, nil
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
