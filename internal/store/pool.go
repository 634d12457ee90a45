package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPool connects a pgx pool sized by maxConns/minConns. Statement caching is
// disabled so the pool works behind transaction-mode poolers.
func OpenPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	if minConns >= 0 && minConns <= poolConfig.MaxConns {
		poolConfig.MinConns = minConns
	}
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// Prepare makes sure the booking tables exist, creating them when autoMigrate is set.
func (r *PostgresRepository) Prepare(ctx context.Context, autoMigrate bool) error {
	if autoMigrate {
		return r.EnsureSchema(ctx)
	}
	ready, err := r.SchemaReady(ctx)
	if err != nil {
		return err
	}
	if !ready {
		return errors.New("booking tables are missing; run with DB_AUTO_MIGRATE=true or apply the schema")
	}
	return nil
}
