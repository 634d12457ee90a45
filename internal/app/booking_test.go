package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
	"github.com/slotbook/booking-service/internal/store"
)

type recordedEvent struct {
	exchange   string
	routingKey string
	event      domain.BookingEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, _ := body.(domain.BookingEvent)
	p.events = append(p.events, recordedEvent{exchange: exchange, routingKey: routingKey, event: ev})
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.routingKey)
	}
	return out
}

type bookingFixture struct {
	repo     *store.MemoryRepository
	svc      *BookingService
	events   *recordingPublisher
	slot     domain.Slot
	merchant domain.Actor
}

func newBookingFixture(t *testing.T, capacity, maxAttempts int) *bookingFixture {
	t.Helper()
	repo := store.NewMemoryRepository()
	merchantID := uuid.New()
	start := time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)
	slot := domain.Slot{
		ID:         uuid.New(),
		TaskID:     uuid.New(),
		MerchantID: merchantID,
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		Capacity:   capacity,
		CreatedAt:  start.Add(-48 * time.Hour),
	}
	if err := repo.CreateSlot(context.Background(), slot); err != nil {
		t.Fatalf("seed slot: %v", err)
	}
	events := &recordingPublisher{}
	svc := NewBookingService(repo, NewRetrier(maxAttempts, time.Millisecond), events, "")
	return &bookingFixture{
		repo:     repo,
		svc:      svc,
		events:   events,
		slot:     slot,
		merchant: domain.Actor{UserID: "merchant-user", Role: domain.RoleMerchant, MerchantID: merchantID},
	}
}

func userActor(id string) domain.Actor {
	return domain.Actor{UserID: id, Role: domain.RoleUser}
}

func (f *bookingFixture) mustCreate(t *testing.T, userID string) *domain.Booking {
	t.Helper()
	b, err := f.svc.Create(context.Background(), userActor(userID), CreateBookingInput{SlotID: f.slot.ID})
	if err != nil {
		t.Fatalf("create booking for %s: %v", userID, err)
	}
	return b
}

func (f *bookingFixture) bookedCount(t *testing.T) int {
	t.Helper()
	s, err := f.repo.FindSlotByID(context.Background(), f.slot.ID)
	if err != nil {
		t.Fatalf("find slot: %v", err)
	}
	return s.BookedCount
}

func (f *bookingFixture) activeBookings(t *testing.T) int {
	t.Helper()
	list, err := f.repo.ListBookings(context.Background(), store.BookingFilter{
		SlotID:   f.slot.ID,
		Statuses: []domain.BookingStatus{domain.BookingStatusPending, domain.BookingStatusConfirmed},
	})
	if err != nil {
		t.Fatalf("list bookings: %v", err)
	}
	return len(list)
}

func concurrentCreates(f *bookingFixture, n int) (successes, full int, other []error) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Create(context.Background(), userActor(fmt.Sprintf("user-%d", i)), CreateBookingInput{SlotID: f.slot.ID})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrCapacityExceeded):
				full++
			default:
				other = append(other, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	return successes, full, other
}

func TestCreateTwoSeatsFiveConcurrentUsers(t *testing.T) {
	f := newBookingFixture(t, 2, 5)

	successes, full, other := concurrentCreates(f, 5)
	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if successes != 2 || full != 3 {
		t.Fatalf("expected 2 successes and 3 capacity errors, got %d and %d", successes, full)
	}
	if got := f.bookedCount(t); got != 2 {
		t.Fatalf("expected booked count 2, got %d", got)
	}
}

func TestCreateNeverOversellsUnderContention(t *testing.T) {
	tests := []struct {
		capacity int
		users    int
	}{
		{capacity: 1, users: 8},
		{capacity: 3, users: 3},
		{capacity: 4, users: 20},
		{capacity: 10, users: 25},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("cap%d_users%d", tc.capacity, tc.users), func(t *testing.T) {
			// A write only conflicts when another create committed in between, so
			// capacity+1 attempts always reach a definite answer.
			f := newBookingFixture(t, tc.capacity, tc.capacity+1)

			successes, full, other := concurrentCreates(f, tc.users)
			if len(other) > 0 {
				t.Fatalf("unexpected errors: %v", other)
			}
			if successes != tc.capacity || full != tc.users-tc.capacity {
				t.Fatalf("expected %d successes and %d capacity errors, got %d and %d",
					tc.capacity, tc.users-tc.capacity, successes, full)
			}
			if got := f.bookedCount(t); got != tc.capacity {
				t.Fatalf("expected booked count %d, got %d", tc.capacity, got)
			}
			if got := f.activeBookings(t); got != tc.capacity {
				t.Fatalf("expected %d active bookings, got %d", tc.capacity, got)
			}
		})
	}
}

func TestConcurrentCreateAndCancelLoseNoUpdates(t *testing.T) {
	f := newBookingFixture(t, 10, 50)
	existing := make([]*domain.Booking, 0, 5)
	for i := 0; i < 5; i++ {
		existing = append(existing, f.mustCreate(t, fmt.Sprintf("early-%d", i)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	start := make(chan struct{})
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}
	for i, b := range existing {
		wg.Add(2)
		go func(b *domain.Booking, owner string) {
			defer wg.Done()
			<-start
			_, err := f.svc.Cancel(context.Background(), b.ID, userActor(owner))
			record(err)
		}(b, fmt.Sprintf("early-%d", i))
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := f.svc.Create(context.Background(), userActor(fmt.Sprintf("late-%d", i)), CreateBookingInput{SlotID: f.slot.ID})
			record(err)
		}(i)
	}
	close(start)
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if got := f.bookedCount(t); got != 5 {
		t.Fatalf("expected booked count 5 after 5 cancels and 5 creates, got %d", got)
	}
	if booked, active := f.bookedCount(t), f.activeBookings(t); booked != active {
		t.Fatalf("booked count %d does not match %d active bookings", booked, active)
	}
}

func TestCancelTwiceSucceedsOnce(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		f := newBookingFixture(t, 1, 5)
		b := f.mustCreate(t, "user-a")

		if _, err := f.svc.Cancel(context.Background(), b.ID, userActor("user-a")); err != nil {
			t.Fatalf("first cancel: %v", err)
		}
		_, err := f.svc.Cancel(context.Background(), b.ID, userActor("user-a"))
		if !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
		}
		if got := f.bookedCount(t); got != 0 {
			t.Fatalf("expected capacity released exactly once, got booked count %d", got)
		}
	})

	t.Run("concurrent", func(t *testing.T) {
		f := newBookingFixture(t, 1, 5)
		b := f.mustCreate(t, "user-a")

		results := make(chan error, 2)
		start := make(chan struct{})
		for i := 0; i < 2; i++ {
			go func() {
				<-start
				_, err := f.svc.Cancel(context.Background(), b.ID, userActor("user-a"))
				results <- err
			}()
		}
		close(start)

		ok, invalid := 0, 0
		for i := 0; i < 2; i++ {
			err := <-results
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInvalidStateTransition):
				invalid++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if ok != 1 || invalid != 1 {
			t.Fatalf("expected one success and one invalid transition, got %d and %d", ok, invalid)
		}
		if got := f.bookedCount(t); got != 0 {
			t.Fatalf("expected booked count 0, got %d", got)
		}
	})
}

func TestCreateRejectsDuplicateActiveBooking(t *testing.T) {
	f := newBookingFixture(t, 5, 5)
	first := f.mustCreate(t, "user-a")

	_, err := f.svc.Create(context.Background(), userActor("user-a"), CreateBookingInput{SlotID: f.slot.ID})
	if !errors.Is(err, ErrDuplicateActiveBooking) {
		t.Fatalf("expected ErrDuplicateActiveBooking, got %v", err)
	}

	if _, err := f.svc.Cancel(context.Background(), first.ID, userActor("user-a")); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.Create(context.Background(), userActor("user-a"), CreateBookingInput{SlotID: f.slot.ID}); err != nil {
		t.Fatalf("expected rebooking after cancel to succeed, got %v", err)
	}
}

func TestCreateValidationAndNotFound(t *testing.T) {
	f := newBookingFixture(t, 1, 5)
	tests := []struct {
		name  string
		actor domain.Actor
		in    CreateBookingInput
		want  error
	}{
		{name: "missing user", actor: domain.Actor{}, in: CreateBookingInput{SlotID: f.slot.ID}, want: ErrValidation},
		{name: "missing slot", actor: userActor("u"), in: CreateBookingInput{}, want: ErrValidation},
		{name: "long remark", actor: userActor("u"), in: CreateBookingInput{SlotID: f.slot.ID, Remark: strings.Repeat("x", domain.MaxRemarkLength+1)}, want: ErrValidation},
		{name: "unknown slot", actor: userActor("u"), in: CreateBookingInput{SlotID: uuid.New()}, want: ErrNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), tc.actor, tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if got := f.bookedCount(t); got != 0 {
		t.Fatalf("expected failed creates to leave capacity untouched, got %d", got)
	}
}

func TestCreateViaLinkRequiresSlotOfTask(t *testing.T) {
	f := newBookingFixture(t, 2, 5)

	_, err := f.svc.CreateViaLink(context.Background(), userActor("u1"), uuid.New(), CreateBookingInput{SlotID: f.slot.ID})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for slot outside task, got %v", err)
	}
	b, err := f.svc.CreateViaLink(context.Background(), userActor("u1"), f.slot.TaskID, CreateBookingInput{SlotID: f.slot.ID})
	if err != nil {
		t.Fatalf("expected link booking to succeed, got %v", err)
	}
	if b.UserID != "u1" || b.Status != domain.BookingStatusPending {
		t.Fatalf("unexpected booking: %+v", b)
	}
}

func TestCreateForUserAuthorization(t *testing.T) {
	f := newBookingFixture(t, 2, 5)
	in := CreateBookingInput{SlotID: f.slot.ID}

	if _, err := f.svc.CreateForUser(context.Background(), userActor("u1"), "u2", in); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected plain user to be forbidden, got %v", err)
	}
	otherMerchant := domain.Actor{UserID: "m2", Role: domain.RoleMerchant, MerchantID: uuid.New()}
	if _, err := f.svc.CreateForUser(context.Background(), otherMerchant, "u2", in); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected foreign merchant to be forbidden, got %v", err)
	}
	b, err := f.svc.CreateForUser(context.Background(), f.merchant, "u2", in)
	if err != nil {
		t.Fatalf("expected owning merchant to book for user, got %v", err)
	}
	if b.UserID != "u2" {
		t.Fatalf("expected booking owned by u2, got %s", b.UserID)
	}
}

func TestBookingStateMachineThroughService(t *testing.T) {
	f := newBookingFixture(t, 5, 5)
	ctx := context.Background()

	b := f.mustCreate(t, "user-a")
	if _, err := f.svc.Complete(ctx, b.ID, f.merchant); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected completing a pending booking to fail, got %v", err)
	}
	confirmed, err := f.svc.Confirm(ctx, b.ID, f.merchant)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.BookingStatusConfirmed || confirmed.Version != 1 || confirmed.ConfirmedAt == nil {
		t.Fatalf("unexpected confirmed booking: %+v", confirmed)
	}
	if _, err := f.svc.Confirm(ctx, b.ID, f.merchant); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected confirming twice to fail, got %v", err)
	}
	completed, err := f.svc.Complete(ctx, b.ID, f.merchant)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != domain.BookingStatusCompleted {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	for name, op := range map[string]func(context.Context, uuid.UUID, domain.Actor) (*domain.Booking, error){
		"confirm":  f.svc.Confirm,
		"complete": f.svc.Complete,
		"cancel":   f.svc.Cancel,
	} {
		if _, err := op(ctx, b.ID, f.merchant); !errors.Is(err, ErrInvalidStateTransition) {
			t.Fatalf("%s on completed booking: expected ErrInvalidStateTransition, got %v", name, err)
		}
	}
	// Completing keeps the capacity consumed.
	if got := f.bookedCount(t); got != 1 {
		t.Fatalf("expected booked count 1, got %d", got)
	}

	got, _ := f.repo.FindBookingByID(ctx, b.ID)
	if got.Status != domain.BookingStatusCompleted || got.Version != 2 {
		t.Fatalf("expected stored booking completed at version 2, got %s v%d", got.Status, got.Version)
	}
}

func TestBookingAuthorization(t *testing.T) {
	f := newBookingFixture(t, 5, 5)
	ctx := context.Background()
	b := f.mustCreate(t, "user-a")

	otherMerchant := domain.Actor{UserID: "m2", Role: domain.RoleMerchant, MerchantID: uuid.New()}
	if _, err := f.svc.Confirm(ctx, b.ID, otherMerchant); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected foreign merchant confirm to be forbidden, got %v", err)
	}
	if _, err := f.svc.Confirm(ctx, b.ID, userActor("user-a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a user confirming to see not found, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, b.ID, userActor("user-b")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected another user cancelling to see not found, got %v", err)
	}
	if _, err := f.svc.GetBooking(ctx, userActor("user-b"), b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected another user reading to see not found, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, uuid.New(), userActor("user-a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown booking to be not found, got %v", err)
	}

	cancelled, err := f.svc.Cancel(ctx, b.ID, f.merchant)
	if err != nil {
		t.Fatalf("expected merchant cancel to succeed, got %v", err)
	}
	if cancelled.CancelledAt == nil {
		t.Fatalf("expected cancelled_at to be set")
	}
	if got := f.bookedCount(t); got != 0 {
		t.Fatalf("expected capacity released, got %d", got)
	}
}

func TestBookingEventsPublished(t *testing.T) {
	f := newBookingFixture(t, 5, 5)
	ctx := context.Background()
	b := f.mustCreate(t, "user-a")
	if _, err := f.svc.Confirm(ctx, b.ID, f.merchant); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, b.ID, userActor("user-a")); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	want := []string{domain.EventBookingCreated, domain.EventBookingConfirmed, domain.EventBookingCancelled}
	got := f.events.keys()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	last := f.events.events[2]
	if last.exchange != DefaultEventsExchange || last.event.BookingID != b.ID || last.event.Status != domain.BookingStatusCancelled {
		t.Fatalf("unexpected cancel event: %+v", last)
	}
	if last.event.SlotStart == nil || !last.event.SlotStart.Equal(f.slot.StartTime) {
		t.Fatalf("expected slot start on event")
	}
}

func TestBookingSurvivesPublishFailure(t *testing.T) {
	f := newBookingFixture(t, 1, 5)
	f.events.err = errors.New("broker down")
	b := f.mustCreate(t, "user-a")
	if b == nil || f.bookedCount(t) != 1 {
		t.Fatalf("expected booking to persist despite publish failure")
	}
}

type alwaysConflictRepo struct {
	store.Repository
	writes int
}

func (r *alwaysConflictRepo) CreateBookingIfSlotVersion(context.Context, int64, domain.Booking) error {
	r.writes++
	return store.ErrVersionConflict
}

func TestCreateReportsConcurrencyConflictWhenRetriesExhausted(t *testing.T) {
	mem := store.NewMemoryRepository()
	slot := domain.Slot{ID: uuid.New(), TaskID: uuid.New(), MerchantID: uuid.New(), Capacity: 3,
		StartTime: time.Now().Add(time.Hour), EndTime: time.Now().Add(2 * time.Hour)}
	_ = mem.CreateSlot(context.Background(), slot)
	repo := &alwaysConflictRepo{Repository: mem}
	svc := NewBookingService(repo, NewRetrier(4, 0), nil, "")

	_, err := svc.Create(context.Background(), userActor("u"), CreateBookingInput{SlotID: slot.ID})
	if !errors.Is(err, ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if repo.writes != 4 {
		t.Fatalf("expected 4 write attempts, got %d", repo.writes)
	}
}

func TestBookingQueries(t *testing.T) {
	f := newBookingFixture(t, 5, 5)
	ctx := context.Background()
	a := f.mustCreate(t, "user-a")
	f.mustCreate(t, "user-b")
	if _, err := f.svc.Confirm(ctx, a.ID, f.merchant); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	mine, err := f.svc.ListMyBookings(ctx, userActor("user-a"), ListOptions{})
	if err != nil || len(mine) != 1 || mine[0].ID != a.ID {
		t.Fatalf("expected one booking for user-a, got %v (%v)", mine, err)
	}
	pending := domain.BookingStatusPending
	mine, _ = f.svc.ListMyBookings(ctx, userActor("user-a"), ListOptions{Status: &pending})
	if len(mine) != 0 {
		t.Fatalf("expected no pending bookings for user-a, got %d", len(mine))
	}
	active, _ := f.svc.ListMyActiveBookings(ctx, userActor("user-a"))
	if len(active) != 1 {
		t.Fatalf("expected one active booking, got %d", len(active))
	}

	merchant, err := f.svc.ListMerchantBookings(ctx, f.merchant, ListOptions{Status: &pending})
	if err != nil || len(merchant) != 1 || merchant[0].UserID != "user-b" {
		t.Fatalf("expected merchant to see user-b pending, got %v (%v)", merchant, err)
	}
	if _, err := f.svc.ListMerchantBookings(ctx, userActor("user-a"), ListOptions{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected user to be forbidden from merchant list, got %v", err)
	}

	has, _ := f.svc.HasActiveBooking(ctx, userActor("user-b"), f.slot.ID)
	if !has {
		t.Fatalf("expected user-b to hold the slot")
	}

	slot, err := f.svc.GetSlot(ctx, f.slot.ID)
	if err != nil || slot.Available != 3 {
		t.Fatalf("expected 3 available, got %+v (%v)", slot, err)
	}
	if _, err := f.svc.GetSlot(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	slots, _ := f.svc.ListTaskSlots(ctx, f.slot.TaskID, false)
	if len(slots) != 1 || slots[0].BookedCount != 2 {
		t.Fatalf("unexpected task slots: %+v", slots)
	}

	if err := f.svc.AuthorizeTaskMerchant(ctx, f.merchant, f.slot.TaskID); err != nil {
		t.Fatalf("expected owning merchant to be authorized, got %v", err)
	}
	if err := f.svc.AuthorizeTaskMerchant(ctx, userActor("user-a"), f.slot.TaskID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.AuthorizeTaskMerchant(ctx, f.merchant, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown task, got %v", err)
	}
}
