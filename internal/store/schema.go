package store

import (
	"context"
	"fmt"
)

// schemaStatements bootstraps the two tables the booking service owns. The partial
// unique index enforces at most one active booking per (user, slot).
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS slots (
		id UUID PRIMARY KEY,
		task_id UUID NOT NULL,
		merchant_id UUID NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		capacity INTEGER NOT NULL CHECK (capacity > 0),
		booked_count INTEGER NOT NULL DEFAULT 0 CHECK (booked_count >= 0 AND booked_count <= capacity),
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (end_time > start_time)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_slots_task_start ON slots (task_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS bookings (
		id UUID PRIMARY KEY,
		slot_id UUID NOT NULL REFERENCES slots(id),
		user_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending', 'confirmed', 'completed', 'cancelled')),
		remark TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		confirmed_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + activeBookingIndex + `
		ON bookings (user_id, slot_id) WHERE status IN ('pending', 'confirmed')`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_user_created ON bookings (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_bookings_slot_status ON bookings (slot_id, status)`,
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// SchemaReady reports whether the booking tables exist.
func (r *PostgresRepository) SchemaReady(ctx context.Context) (bool, error) {
	_, err := r.db.Exec(ctx, `SELECT 1 FROM bookings b JOIN slots s ON s.id = b.slot_id LIMIT 1`)
	if err != nil {
		if isUndefinedTableError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
