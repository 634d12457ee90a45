package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/domain"
	"github.com/slotbook/booking-service/internal/store"
	"github.com/spf13/cobra"
)

const dbCommandTimeout = 30 * time.Second

func openPostgres(cmd *cobra.Command) (*store.PostgresRepository, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, errors.New("DATABASE_URL must be set")
	}
	pool, err := store.OpenPool(cmd.Context(), cfg.DatabaseURL, 2, 0)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresRepository(pool), pool.Close, nil
}

func schemaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the booking tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Create the booking tables and indexes if they do not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), dbCommandTimeout)
			defer cancel()
			cmd.SetContext(ctx)

			repo, closeFn, err := openPostgres(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := repo.EnsureSchema(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	})
	return cmd
}

type slotFlags struct {
	task     string
	merchant string
	start    string
	duration time.Duration
	capacity int
}

// buildSlot validates the flags of `slot create`.
func buildSlot(f slotFlags, now time.Time) (domain.Slot, error) {
	taskID, err := uuid.Parse(f.task)
	if err != nil {
		return domain.Slot{}, fmt.Errorf("invalid --task: %w", err)
	}
	merchantID, err := uuid.Parse(f.merchant)
	if err != nil {
		return domain.Slot{}, fmt.Errorf("invalid --merchant: %w", err)
	}
	start, err := time.Parse(time.RFC3339, f.start)
	if err != nil {
		return domain.Slot{}, fmt.Errorf("invalid --start (want RFC3339): %w", err)
	}
	if f.duration <= 0 {
		return domain.Slot{}, errors.New("--duration must be positive")
	}
	if f.capacity <= 0 {
		return domain.Slot{}, errors.New("--capacity must be positive")
	}
	return domain.Slot{
		ID:         uuid.New(),
		TaskID:     taskID,
		MerchantID: merchantID,
		StartTime:  start.UTC(),
		EndTime:    start.UTC().Add(f.duration),
		Capacity:   f.capacity,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func slotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Manage bookable slots",
	}

	var f slotFlags
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a slot for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := buildSlot(f, time.Now().UTC())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), dbCommandTimeout)
			defer cancel()
			cmd.SetContext(ctx)

			repo, closeFn, err := openPostgres(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := repo.CreateSlot(ctx, slot); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(domain.NewSlotAvailability(slot))
		},
	}
	create.Flags().StringVar(&f.task, "task", "", "Task ID")
	create.Flags().StringVar(&f.merchant, "merchant", "", "Merchant ID owning the task")
	create.Flags().StringVar(&f.start, "start", "", "Start time, RFC3339")
	create.Flags().DurationVar(&f.duration, "duration", time.Hour, "Slot length")
	create.Flags().IntVar(&f.capacity, "capacity", 1, "Number of bookings the slot accepts")
	_ = create.MarkFlagRequired("task")
	_ = create.MarkFlagRequired("merchant")
	_ = create.MarkFlagRequired("start")

	cmd.AddCommand(create)
	return cmd
}
