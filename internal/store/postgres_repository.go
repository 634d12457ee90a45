/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Capacity is protected by compare-and-swap updates on the `version` column of the
 * `slots` and `bookings` tables; no row is locked across a read and its write.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slotbook/booking-service/internal/domain"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"

	activeBookingIndex = "uq_bookings_active_user_slot"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}

const slotColumns = `id, task_id, merchant_id, start_time, end_time, capacity, booked_count, version, created_at, updated_at`

func scanSlot(row pgx.Row) (*domain.Slot, error) {
	var s domain.Slot
	err := row.Scan(&s.ID, &s.TaskID, &s.MerchantID, &s.StartTime, &s.EndTime,
		&s.Capacity, &s.BookedCount, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

const bookingColumns = `b.id, b.slot_id, b.user_id, b.status, b.remark, b.version, b.created_at, b.updated_at, b.confirmed_at, b.completed_at, b.cancelled_at`

func scanBooking(row pgx.Row, extra ...any) (*domain.Booking, error) {
	var b domain.Booking
	var status string
	dest := []any{&b.ID, &b.SlotID, &b.UserID, &status, &b.Remark, &b.Version,
		&b.CreatedAt, &b.UpdatedAt, &b.ConfirmedAt, &b.CompletedAt, &b.CancelledAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	b.Status = domain.BookingStatus(status)
	return &b, nil
}

// CreateSlot inserts a new slot. Slot management belongs to merchant tooling; this is
// used by seeding and the operator CLI.
func (r *PostgresRepository) CreateSlot(ctx context.Context, slot domain.Slot) error {
	query := `
		INSERT INTO slots (id, task_id, merchant_id, start_time, end_time, capacity, booked_count, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $8)
	`
	_, err := r.db.Exec(ctx, query, slot.ID, slot.TaskID, slot.MerchantID, slot.StartTime, slot.EndTime,
		slot.Capacity, slot.BookedCount, slot.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert slot: %w", err)
	}
	return nil
}

// FindSlotByID retrieves a slot with its current version.
func (r *PostgresRepository) FindSlotByID(ctx context.Context, id uuid.UUID) (*domain.Slot, error) {
	slot, err := scanSlot(r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	return slot, nil
}

// ListSlotsByTask returns a task's slots ordered by start time.
func (r *PostgresRepository) ListSlotsByTask(ctx context.Context, taskID uuid.UUID, onlyAvailable bool) ([]domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE task_id = $1`
	if onlyAvailable {
		query += ` AND booked_count < capacity AND start_time > NOW()`
	}
	query += ` ORDER BY start_time ASC`

	rows, err := r.db.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	defer rows.Close()

	slots := make([]domain.Slot, 0)
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, *s)
	}
	return slots, rows.Err()
}

// FindTaskMerchantID resolves the merchant that owns a task from its slots.
func (r *PostgresRepository) FindTaskMerchantID(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	var merchantID uuid.UUID
	err := r.db.QueryRow(ctx, `SELECT merchant_id FROM slots WHERE task_id = $1 LIMIT 1`, taskID).Scan(&merchantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrTaskNotFound
		}
		return uuid.Nil, err
	}
	return merchantID, nil
}

// FindBookingByID retrieves a booking with its current version.
func (r *PostgresRepository) FindBookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	b, err := scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings b WHERE b.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}
	return b, nil
}

// HasActiveBooking reports whether the user holds a pending or confirmed booking on the slot.
func (r *PostgresRepository) HasActiveBooking(ctx context.Context, userID string, slotID uuid.UUID) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM bookings WHERE user_id = $1 AND slot_id = $2 AND status IN ('pending', 'confirmed'))`
	if err := r.db.QueryRow(ctx, query, userID, slotID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check active booking: %w", err)
	}
	return exists, nil
}

// ListBookings returns bookings joined with their slot, newest first.
func (r *PostgresRepository) ListBookings(ctx context.Context, filter BookingFilter) ([]domain.BookingDetail, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("b.user_id = $%d", filter.UserID)
	}
	if filter.MerchantID != uuid.Nil {
		add("s.merchant_id = $%d", filter.MerchantID)
	}
	if filter.TaskID != uuid.Nil {
		add("s.task_id = $%d", filter.TaskID)
	}
	if filter.SlotID != uuid.Nil {
		add("b.slot_id = $%d", filter.SlotID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		add("b.status = ANY($%d)", statuses)
	}
	if filter.StartsAfter != nil {
		add("s.start_time >= $%d", *filter.StartsAfter)
	}
	if filter.StartsBefore != nil {
		add("s.start_time < $%d", *filter.StartsBefore)
	}
	if filter.EndsBefore != nil {
		add("s.end_time < $%d", *filter.EndsBefore)
	}

	query := `SELECT ` + bookingColumns + `, s.task_id, s.merchant_id, s.start_time, s.end_time
		FROM bookings b
		JOIN slots s ON s.id = b.slot_id`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY b.created_at DESC, b.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	out := make([]domain.BookingDetail, 0)
	for rows.Next() {
		var d domain.BookingDetail
		b, err := scanBooking(rows, &d.TaskID, &d.MerchantID, &d.StartTime, &d.EndTime)
		if err != nil {
			return nil, err
		}
		d.Booking = *b
		out = append(out, d)
	}
	return out, rows.Err()
}

// CreateBookingIfSlotVersion claims one unit of capacity and inserts the booking atomically.
func (r *PostgresRepository) CreateBookingIfSlotVersion(ctx context.Context, slotVersion int64, booking domain.Booking) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Compare-and-swap the slot counter on the version we read.
	tag, err := tx.Exec(ctx, `
		UPDATE slots
		SET booked_count = booked_count + 1, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2 AND booked_count < capacity
	`, booking.SlotID, slotVersion, booking.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to increment slot booked count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	// 2. Insert the booking; the partial unique index rejects a second active booking.
	_, err = tx.Exec(ctx, `
		INSERT INTO bookings (id, slot_id, user_id, status, remark, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, booking.ID, booking.SlotID, booking.UserID, string(booking.Status), booking.Remark, booking.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, activeBookingIndex) {
			return ErrDuplicateActiveBooking
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit booking: %w", err)
	}
	return nil
}

// UpdateBookingStatusIfVersion applies a status change when the row is still at booking.Version.
func (r *PostgresRepository) UpdateBookingStatusIfVersion(ctx context.Context, booking domain.Booking) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE bookings
		SET status = $3, version = version + 1, updated_at = $4,
		    confirmed_at = $5, completed_at = $6, cancelled_at = $7
		WHERE id = $1 AND version = $2
	`, booking.ID, booking.Version, string(booking.Status), booking.UpdatedAt,
		booking.ConfirmedAt, booking.CompletedAt, booking.CancelledAt)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

// CancelBookingIfVersion cancels the booking and releases its capacity atomically.
func (r *PostgresRepository) CancelBookingIfVersion(ctx context.Context, booking domain.Booking, slotVersion int64) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE bookings
		SET status = 'cancelled', version = version + 1, updated_at = $3, cancelled_at = $3
		WHERE id = $1 AND version = $2 AND status IN ('pending', 'confirmed')
	`, booking.ID, booking.Version, booking.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to cancel booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	tag, err = tx.Exec(ctx, `
		UPDATE slots
		SET booked_count = booked_count - 1, version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2 AND booked_count > 0
	`, booking.SlotID, slotVersion, booking.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to release slot capacity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return nil
}

// Ping verifies the pool can reach the database. Used by the health endpoint.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.Ping(ctx)
}
