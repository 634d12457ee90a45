package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/slotbook/booking-service/internal/store"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 10 * time.Millisecond
)

// Retrier bounds optimistic write retries. The zero value is usable: five attempts and
// no pause between them.
type Retrier struct {
	MaxAttempts int
	BaseBackoff time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetrier creates a Retrier. A non-positive attempt count or a negative backoff falls
// back to the defaults; a zero backoff retries immediately.
func NewRetrier(maxAttempts int, baseBackoff time.Duration) *Retrier {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseBackoff < 0 {
		baseBackoff = defaultBaseBackoff
	}
	return &Retrier{
		MaxAttempts: maxAttempts,
		BaseBackoff: baseBackoff,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *Retrier) attempts() int {
	if r == nil || r.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return r.MaxAttempts
}

// backoff grows linearly with the attempt number plus up to one base of jitter, so
// writers that collided once do not collide again in lockstep.
func (r *Retrier) backoff(attempt int) time.Duration {
	base := defaultBaseBackoff
	if r != nil {
		base = r.BaseBackoff
	}
	if base <= 0 {
		return 0
	}
	var jitter time.Duration
	if r != nil && r.rnd != nil {
		r.mu.Lock()
		jitter = time.Duration(r.rnd.Int63n(int64(base)))
		r.mu.Unlock()
	} else {
		jitter = time.Duration(rand.Int63n(int64(base)))
	}
	return base*time.Duration(attempt) + jitter
}

// RetryOptimistic runs read then write until write succeeds, returns an error other
// than store.ErrVersionConflict, or the attempt budget runs out. Nothing is locked
// between read and write. Exhaustion and cancellation both surface as
// ErrConcurrencyConflict.
func RetryOptimistic[T any](
	ctx context.Context,
	r *Retrier,
	read func(ctx context.Context) (T, error),
	write func(ctx context.Context, snapshot T) error,
) (T, error) {
	var zero T
	maxAttempts := r.attempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%w: %w", ErrConcurrencyConflict, err)
		}

		snapshot, err := read(ctx)
		if err != nil {
			return zero, err
		}

		err = write(ctx, snapshot)
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(r.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w: %w", ErrConcurrencyConflict, ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%w: gave up after %d attempts", ErrConcurrencyConflict, maxAttempts)
}
