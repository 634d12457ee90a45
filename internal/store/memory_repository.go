package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
)

// MemoryRepository is an in-process Repository used for local runs (STORE_DRIVER=memory)
// and tests. Its mutex stands in for the row-level atomicity a database gives each
// conditional UPDATE; it is never held between a caller's read and its write.
type MemoryRepository struct {
	mu       sync.Mutex
	slots    map[uuid.UUID]domain.Slot
	bookings map[uuid.UUID]domain.Booking

	Now func() time.Time
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		slots:    make(map[uuid.UUID]domain.Slot),
		bookings: make(map[uuid.UUID]domain.Booking),
		Now:      time.Now,
	}
}

func (m *MemoryRepository) CreateSlot(_ context.Context, slot domain.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot.Version = 0
	if slot.UpdatedAt.IsZero() {
		slot.UpdatedAt = slot.CreatedAt
	}
	m.slots[slot.ID] = slot
	return nil
}

func (m *MemoryRepository) FindSlotByID(_ context.Context, id uuid.UUID) (*domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ListSlotsByTask(_ context.Context, taskID uuid.UUID, onlyAvailable bool) ([]domain.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	out := make([]domain.Slot, 0)
	for _, s := range m.slots {
		if s.TaskID != taskID {
			continue
		}
		if onlyAvailable && (s.IsFull() || !s.StartTime.After(now)) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryRepository) FindTaskMerchantID(_ context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slots {
		if s.TaskID == taskID {
			return s.MerchantID, nil
		}
	}
	return uuid.Nil, ErrTaskNotFound
}

func (m *MemoryRepository) FindBookingByID(_ context.Context, id uuid.UUID) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return &b, nil
}

func (m *MemoryRepository) HasActiveBooking(_ context.Context, userID string, slotID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasActiveLocked(userID, slotID), nil
}

func (m *MemoryRepository) hasActiveLocked(userID string, slotID uuid.UUID) bool {
	for _, b := range m.bookings {
		if b.UserID == userID && b.SlotID == slotID && b.Status.IsActive() {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) ListBookings(_ context.Context, filter BookingFilter) ([]domain.BookingDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BookingDetail, 0)
	for _, b := range m.bookings {
		s := m.slots[b.SlotID]
		d := domain.BookingDetail{
			Booking:    b,
			TaskID:     s.TaskID,
			MerchantID: s.MerchantID,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
		}
		if filter.Matches(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.BookingDetail{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) CreateBookingIfSlotVersion(_ context.Context, slotVersion int64, booking domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[booking.SlotID]
	if !ok {
		return ErrSlotNotFound
	}
	if s.Version != slotVersion || s.IsFull() {
		return ErrVersionConflict
	}
	if m.hasActiveLocked(booking.UserID, booking.SlotID) {
		return ErrDuplicateActiveBooking
	}
	s.BookedCount++
	s.Version++
	s.UpdatedAt = booking.CreatedAt
	m.slots[s.ID] = s

	booking.Version = 0
	booking.UpdatedAt = booking.CreatedAt
	m.bookings[booking.ID] = booking
	return nil
}

func (m *MemoryRepository) UpdateBookingStatusIfVersion(_ context.Context, booking domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.bookings[booking.ID]
	if !ok {
		return ErrBookingNotFound
	}
	if current.Version != booking.Version {
		return ErrVersionConflict
	}
	current.Status = booking.Status
	current.UpdatedAt = booking.UpdatedAt
	current.ConfirmedAt = booking.ConfirmedAt
	current.CompletedAt = booking.CompletedAt
	current.CancelledAt = booking.CancelledAt
	current.Version++
	m.bookings[current.ID] = current
	return nil
}

func (m *MemoryRepository) CancelBookingIfVersion(_ context.Context, booking domain.Booking, slotVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.bookings[booking.ID]
	if !ok {
		return ErrBookingNotFound
	}
	s, ok := m.slots[current.SlotID]
	if !ok {
		return ErrSlotNotFound
	}
	if current.Version != booking.Version || !current.Status.IsActive() {
		return ErrVersionConflict
	}
	if s.Version != slotVersion || s.BookedCount == 0 {
		return ErrVersionConflict
	}

	at := booking.UpdatedAt
	current.Status = domain.BookingStatusCancelled
	current.UpdatedAt = at
	current.CancelledAt = &at
	current.Version++
	m.bookings[current.ID] = current

	s.BookedCount--
	s.Version++
	s.UpdatedAt = at
	m.slots[s.ID] = s
	return nil
}
