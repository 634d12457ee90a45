/**
 * @description
 * This file contains the booking lifecycle: creating a booking against a slot with
 * finite capacity and moving it through confirm, complete and cancel. Every write is a
 * conditional store update driven through RetryOptimistic, so concurrent requests on the
 * same slot never oversell it and never lose an update.
 *
 * @dependencies
 * - internal/store: Repository with version-checked writes.
 * - pkg/rabbitmq: Booking lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
	"github.com/slotbook/booking-service/internal/store"
	"github.com/slotbook/booking-service/pkg/rabbitmq"
)

// DefaultEventsExchange is the topic exchange booking events are published to.
const DefaultEventsExchange = "booking.events"

// CreateBookingInput carries a validated create request.
type CreateBookingInput struct {
	SlotID uuid.UUID
	Remark string
}

// ListOptions pages list queries. Status is optional.
type ListOptions struct {
	Status *domain.BookingStatus
	Limit  int
	Offset int
}

// BookingService provides the booking lifecycle and booking queries.
type BookingService struct {
	repo     store.Repository
	retrier  *Retrier
	events   rabbitmq.Publisher
	exchange string

	Now   func() time.Time
	NewID func() uuid.UUID
}

// NewBookingService creates a booking service. A nil publisher disables events.
func NewBookingService(repo store.Repository, retrier *Retrier, events rabbitmq.Publisher, exchange string) *BookingService {
	if retrier == nil {
		retrier = NewRetrier(defaultMaxAttempts, defaultBaseBackoff)
	}
	if events == nil {
		events = rabbitmq.NoopPublisher{}
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = DefaultEventsExchange
	}
	return &BookingService{
		repo:     repo,
		retrier:  retrier,
		events:   events,
		exchange: exchange,
		Now:      func() time.Time { return time.Now().UTC() },
		NewID:    uuid.New,
	}
}

// translateStoreError maps store sentinels onto the service's error taxonomy.
func translateStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrSlotNotFound):
		return fmt.Errorf("%w: slot", ErrNotFound)
	case errors.Is(err, store.ErrBookingNotFound):
		return fmt.Errorf("%w: booking", ErrNotFound)
	case errors.Is(err, store.ErrTaskNotFound):
		return fmt.Errorf("%w: task", ErrNotFound)
	case errors.Is(err, store.ErrDuplicateActiveBooking):
		return ErrDuplicateActiveBooking
	default:
		return err
	}
}

func validateCreate(userID string, in CreateBookingInput) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user is required", ErrValidation)
	}
	if in.SlotID == uuid.Nil {
		return fmt.Errorf("%w: slot_id is required", ErrValidation)
	}
	if utf8.RuneCountInString(in.Remark) > domain.MaxRemarkLength {
		return fmt.Errorf("%w: remark must be at most %d characters", ErrValidation, domain.MaxRemarkLength)
	}
	return nil
}

// Create books one unit of the slot's capacity for the acting user.
func (s *BookingService) Create(ctx context.Context, actor domain.Actor, in CreateBookingInput) (*domain.Booking, error) {
	return s.create(ctx, actor, actor.UserID, in, uuid.Nil)
}

// CreateForUser books on behalf of another user. Only admins, the scheduler and the
// merchant owning the slot may do this.
func (s *BookingService) CreateForUser(ctx context.Context, actor domain.Actor, userID string, in CreateBookingInput) (*domain.Booking, error) {
	if !actor.IsPrivileged() && actor.Role != domain.RoleMerchant {
		return nil, ErrForbidden
	}
	if actor.Role == domain.RoleMerchant {
		slot, err := s.repo.FindSlotByID(ctx, in.SlotID)
		if err != nil {
			return nil, translateStoreError(err)
		}
		if !actor.IsMerchantOf(slot.MerchantID) {
			return nil, ErrForbidden
		}
	}
	return s.create(ctx, actor, userID, in, uuid.Nil)
}

// CreateViaLink books a slot reached through a signed task link. The slot must belong
// to that task. The link itself is verified by the caller.
func (s *BookingService) CreateViaLink(ctx context.Context, actor domain.Actor, taskID uuid.UUID, in CreateBookingInput) (*domain.Booking, error) {
	if taskID == uuid.Nil {
		return nil, fmt.Errorf("%w: task is required", ErrValidation)
	}
	return s.create(ctx, actor, actor.UserID, in, taskID)
}

func (s *BookingService) create(ctx context.Context, actor domain.Actor, userID string, in CreateBookingInput, taskID uuid.UUID) (*domain.Booking, error) {
	in.Remark = strings.TrimSpace(in.Remark)
	if err := validateCreate(userID, in); err != nil {
		return nil, err
	}

	slot, err := s.repo.FindSlotByID(ctx, in.SlotID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if taskID != uuid.Nil && slot.TaskID != taskID {
		return nil, fmt.Errorf("%w: slot does not belong to this task", ErrValidation)
	}

	exists, err := s.repo.HasActiveBooking(ctx, userID, slot.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing booking: %w", err)
	}
	if exists {
		return nil, ErrDuplicateActiveBooking
	}

	booking := domain.NewBooking(s.NewID(), slot.ID, userID, in.Remark, s.Now())
	_, err = RetryOptimistic(ctx, s.retrier,
		func(ctx context.Context) (*domain.Slot, error) {
			return s.repo.FindSlotByID(ctx, in.SlotID)
		},
		func(ctx context.Context, current *domain.Slot) error {
			if current.IsFull() {
				return ErrCapacityExceeded
			}
			return s.repo.CreateBookingIfSlotVersion(ctx, current.Version, booking)
		},
	)
	if err != nil {
		err = translateStoreError(err)
		if errors.Is(err, ErrConcurrencyConflict) {
			log.Printf("level=warn component=booking msg=\"create gave up after conflicts\" slot_id=%s user_id=%s err=%v", slot.ID, userID, err)
		}
		return nil, err
	}

	log.Printf("level=info component=booking msg=\"booking created\" booking_id=%s slot_id=%s user_id=%s", booking.ID, booking.SlotID, userID)
	s.publish(ctx, domain.EventBookingCreated, booking, actor, &slot.StartTime)
	return &booking, nil
}

type bookingSnapshot struct {
	booking *domain.Booking
	slot    *domain.Slot
}

func (s *BookingService) readSnapshot(bookingID uuid.UUID) func(ctx context.Context) (bookingSnapshot, error) {
	return func(ctx context.Context) (bookingSnapshot, error) {
		b, err := s.repo.FindBookingByID(ctx, bookingID)
		if err != nil {
			return bookingSnapshot{}, err
		}
		slot, err := s.repo.FindSlotByID(ctx, b.SlotID)
		if err != nil {
			return bookingSnapshot{}, err
		}
		return bookingSnapshot{booking: b, slot: slot}, nil
	}
}

// authorizeMerchant allows the slot's merchant and privileged actors.
func authorizeMerchant(actor domain.Actor, snap bookingSnapshot) error {
	if actor.IsPrivileged() || actor.IsMerchantOf(snap.slot.MerchantID) {
		return nil
	}
	if actor.Role == domain.RoleMerchant {
		return ErrForbidden
	}
	return fmt.Errorf("%w: booking", ErrNotFound)
}

// authorizeCancel additionally allows the booking's owner. Other users get NotFound so
// booking ids do not leak.
func authorizeCancel(actor domain.Actor, snap bookingSnapshot) error {
	if actor.UserID != "" && actor.UserID == snap.booking.UserID {
		return nil
	}
	return authorizeMerchant(actor, snap)
}

// transition drives one status change through the optimistic retry loop. The status
// rule is re-checked against every fresh read, so a write that lost a race to a
// conflicting transition fails with ErrInvalidStateTransition rather than overwriting it.
func (s *BookingService) transition(
	ctx context.Context,
	bookingID uuid.UUID,
	actor domain.Actor,
	target domain.BookingStatus,
	authorize func(domain.Actor, bookingSnapshot) error,
) (*domain.Booking, *domain.Slot, error) {
	var (
		updated domain.Booking
		slot    domain.Slot
	)
	_, err := RetryOptimistic(ctx, s.retrier, s.readSnapshot(bookingID),
		func(ctx context.Context, snap bookingSnapshot) error {
			if err := authorize(actor, snap); err != nil {
				return err
			}
			if !snap.booking.Status.CanTransitionTo(target) {
				return fmt.Errorf("%w: cannot move booking from %s to %s", ErrInvalidStateTransition, snap.booking.Status, target)
			}
			next := snap.booking.WithStatus(target, s.Now())
			var err error
			if target == domain.BookingStatusCancelled {
				err = s.repo.CancelBookingIfVersion(ctx, next, snap.slot.Version)
			} else {
				err = s.repo.UpdateBookingStatusIfVersion(ctx, next)
			}
			if err != nil {
				return err
			}
			next.Version++
			updated = next
			slot = *snap.slot
			return nil
		},
	)
	if err != nil {
		return nil, nil, translateStoreError(err)
	}
	return &updated, &slot, nil
}

// Confirm moves a pending booking to confirmed. Only the slot's merchant may confirm.
func (s *BookingService) Confirm(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (*domain.Booking, error) {
	b, slot, err := s.transition(ctx, bookingID, actor, domain.BookingStatusConfirmed, authorizeMerchant)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=booking msg=\"booking confirmed\" booking_id=%s actor=%s", b.ID, actor.UserID)
	s.publish(ctx, domain.EventBookingConfirmed, *b, actor, &slot.StartTime)
	return b, nil
}

// Complete moves a confirmed booking to completed. Only the slot's merchant may complete.
func (s *BookingService) Complete(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (*domain.Booking, error) {
	b, slot, err := s.transition(ctx, bookingID, actor, domain.BookingStatusCompleted, authorizeMerchant)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=booking msg=\"booking completed\" booking_id=%s actor=%s", b.ID, actor.UserID)
	s.publish(ctx, domain.EventBookingCompleted, *b, actor, &slot.StartTime)
	return b, nil
}

// Cancel cancels a pending or confirmed booking and releases its unit of capacity.
// The booking's owner, the slot's merchant and privileged actors may cancel.
func (s *BookingService) Cancel(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (*domain.Booking, error) {
	b, slot, err := s.transition(ctx, bookingID, actor, domain.BookingStatusCancelled, authorizeCancel)
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=booking msg=\"booking cancelled\" booking_id=%s slot_id=%s actor=%s", b.ID, b.SlotID, actor.UserID)
	s.publish(ctx, domain.EventBookingCancelled, *b, actor, &slot.StartTime)
	return b, nil
}

// GetBooking returns a booking visible to the actor.
func (s *BookingService) GetBooking(ctx context.Context, actor domain.Actor, bookingID uuid.UUID) (*domain.BookingDetail, error) {
	snap, err := s.readSnapshot(bookingID)(ctx)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if err := authorizeCancel(actor, snap); err != nil {
		return nil, err
	}
	return &domain.BookingDetail{
		Booking:    *snap.booking,
		TaskID:     snap.slot.TaskID,
		MerchantID: snap.slot.MerchantID,
		StartTime:  snap.slot.StartTime,
		EndTime:    snap.slot.EndTime,
	}, nil
}

// ListMyBookings lists the actor's own bookings, newest first.
func (s *BookingService) ListMyBookings(ctx context.Context, actor domain.Actor, opts ListOptions) ([]domain.BookingDetail, error) {
	if actor.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	filter := store.BookingFilter{UserID: actor.UserID, Limit: opts.Limit, Offset: opts.Offset}
	if opts.Status != nil {
		filter.Statuses = []domain.BookingStatus{*opts.Status}
	}
	return s.repo.ListBookings(ctx, filter)
}

// ListMyActiveBookings lists the actor's pending and confirmed bookings.
func (s *BookingService) ListMyActiveBookings(ctx context.Context, actor domain.Actor) ([]domain.BookingDetail, error) {
	if actor.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	return s.repo.ListBookings(ctx, store.BookingFilter{
		UserID:   actor.UserID,
		Statuses: []domain.BookingStatus{domain.BookingStatusPending, domain.BookingStatusConfirmed},
	})
}

// ListMerchantBookings lists bookings across all of the merchant's slots.
func (s *BookingService) ListMerchantBookings(ctx context.Context, actor domain.Actor, opts ListOptions) ([]domain.BookingDetail, error) {
	if actor.Role != domain.RoleMerchant || actor.MerchantID == uuid.Nil {
		return nil, ErrForbidden
	}
	filter := store.BookingFilter{MerchantID: actor.MerchantID, Limit: opts.Limit, Offset: opts.Offset}
	if opts.Status != nil {
		filter.Statuses = []domain.BookingStatus{*opts.Status}
	}
	return s.repo.ListBookings(ctx, filter)
}

// HasActiveBooking reports whether the actor already holds the slot.
func (s *BookingService) HasActiveBooking(ctx context.Context, actor domain.Actor, slotID uuid.UUID) (bool, error) {
	if actor.UserID == "" {
		return false, fmt.Errorf("%w: user is required", ErrValidation)
	}
	return s.repo.HasActiveBooking(ctx, actor.UserID, slotID)
}

// ListTaskSlots lists a task's slots, optionally only those still open for booking.
func (s *BookingService) ListTaskSlots(ctx context.Context, taskID uuid.UUID, onlyAvailable bool) ([]domain.SlotAvailability, error) {
	slots, err := s.repo.ListSlotsByTask(ctx, taskID, onlyAvailable)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SlotAvailability, 0, len(slots))
	for _, slot := range slots {
		out = append(out, domain.NewSlotAvailability(slot))
	}
	return out, nil
}

// GetSlot returns a single slot with its remaining capacity.
func (s *BookingService) GetSlot(ctx context.Context, slotID uuid.UUID) (*domain.SlotAvailability, error) {
	slot, err := s.repo.FindSlotByID(ctx, slotID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	out := domain.NewSlotAvailability(*slot)
	return &out, nil
}

// AuthorizeTaskMerchant returns nil if the actor is the merchant that owns the task.
func (s *BookingService) AuthorizeTaskMerchant(ctx context.Context, actor domain.Actor, taskID uuid.UUID) error {
	merchantID, err := s.repo.FindTaskMerchantID(ctx, taskID)
	if err != nil {
		return translateStoreError(err)
	}
	if actor.IsPrivileged() || actor.IsMerchantOf(merchantID) {
		return nil
	}
	return ErrForbidden
}

// PublishReminder announces that a confirmed booking starts soon.
func (s *BookingService) PublishReminder(ctx context.Context, d domain.BookingDetail) {
	start := d.StartTime
	s.publish(ctx, domain.EventBookingReminder, d.Booking, domain.SystemActor(), &start)
}

// publish sends a lifecycle event. Failures are logged and never undo the write.
func (s *BookingService) publish(ctx context.Context, eventType string, b domain.Booking, actor domain.Actor, slotStart *time.Time) {
	event := domain.BookingEvent{
		EventID:     s.NewID().String(),
		EventType:   eventType,
		BookingID:   b.ID,
		SlotID:      b.SlotID,
		UserID:      b.UserID,
		Status:      b.Status,
		ActorUserID: actor.UserID,
		SlotStart:   slotStart,
		OccurredAt:  s.Now(),
	}
	if err := s.events.Publish(ctx, s.exchange, eventType, event); err != nil {
		log.Printf("level=warn component=booking msg=\"event publish failed\" event=%s booking_id=%s err=%v", eventType, b.ID, err)
	}
}
