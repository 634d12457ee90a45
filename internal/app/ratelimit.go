package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/slotbook/booking-service/internal/config"
)

// Scope selects which threshold applies to a request.
type Scope string

const (
	ScopeDefault       Scope = "default"
	ScopeAuthenticated Scope = "authenticated"
	ScopeSensitive     Scope = "sensitive"
	ScopePublic        Scope = "public"
)

// RateLimitConfig is passed explicitly to NewRateLimiter.
type RateLimitConfig struct {
	Enabled           bool
	Window            time.Duration
	Limits            map[Scope]int
	SensitivePrefixes []string
	PublicPrefixes    []string
}

// DefaultRateLimitConfig returns 60/120/10/30 requests per minute for the default,
// authenticated, sensitive and public scopes.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled: true,
		Window:  time.Minute,
		Limits: map[Scope]int{
			ScopeDefault:       60,
			ScopeAuthenticated: 120,
			ScopeSensitive:     10,
			ScopePublic:        30,
		},
		SensitivePrefixes: []string{"/api/auth/", "/api/merchants/links"},
		PublicPrefixes:    []string{"/api/public/"},
	}
}

// RateLimitConfigFrom builds limiter settings from the service configuration. An empty
// sensitive prefix list keeps the defaults.
func RateLimitConfigFrom(cfg config.Config) RateLimitConfig {
	defaults := DefaultRateLimitConfig()
	prefixes := cfg.RateLimitSensitivePrefixes
	if len(prefixes) == 0 {
		prefixes = defaults.SensitivePrefixes
	}
	return RateLimitConfig{
		Enabled: cfg.RateLimitEnabled,
		Window:  time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
		Limits: map[Scope]int{
			ScopeDefault:       cfg.RateLimitDefaultPerWindow,
			ScopeAuthenticated: cfg.RateLimitAuthPerWindow,
			ScopeSensitive:     cfg.RateLimitSensitivePerWindow,
			ScopePublic:        cfg.RateLimitPublicPerWindow,
		},
		SensitivePrefixes: prefixes,
		PublicPrefixes:    defaults.PublicPrefixes,
	}
}

// CounterStore atomically increments a windowed counter, setting its expiry only when
// the increment created the key. It returns the post-increment count and the key's
// remaining time to live.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// RateLimitDecision is the outcome of one Allow call.
type RateLimitDecision struct {
	Allowed    bool
	Scope      Scope
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds, as sent in Retry-After.
func (d RateLimitDecision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimiter enforces fixed-window limits shared across instances through a CounterStore.
type RateLimiter struct {
	cfg      RateLimitConfig
	counters CounterStore

	Now func() time.Time
}

// NewRateLimiter builds a limiter. Missing window or limits fall back to defaults.
func NewRateLimiter(cfg RateLimitConfig, counters CounterStore) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}
	limits := make(map[Scope]int, len(defaults.Limits))
	for scope, limit := range defaults.Limits {
		limits[scope] = limit
	}
	for scope, limit := range cfg.Limits {
		limits[scope] = limit
	}
	cfg.Limits = limits
	return &RateLimiter{cfg: cfg, counters: counters, Now: time.Now}
}

// Enabled reports whether requests are being limited at all.
func (l *RateLimiter) Enabled() bool {
	return l != nil && l.cfg.Enabled && l.counters != nil
}

// Window is the configured window length.
func (l *RateLimiter) Window() time.Duration {
	return l.cfg.Window
}

// ScopeFor classifies a request path. Sensitive prefixes win over public ones, and
// both win over the caller being authenticated.
func (l *RateLimiter) ScopeFor(path string, authenticated bool) Scope {
	for _, prefix := range l.cfg.SensitivePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return ScopeSensitive
		}
	}
	for _, prefix := range l.cfg.PublicPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return ScopePublic
		}
	}
	if authenticated {
		return ScopeAuthenticated
	}
	return ScopeDefault
}

// Allow counts one request for identity in scope. It returns ErrRateLimitExceeded
// together with a decision carrying RetryAfter once the window's threshold is passed.
// A failing counter store lets the request through.
func (l *RateLimiter) Allow(ctx context.Context, scope Scope, identity string) (RateLimitDecision, error) {
	limit := l.cfg.Limits[scope]
	decision := RateLimitDecision{Allowed: true, Scope: scope, Limit: limit, Remaining: limit}
	if !l.Enabled() || limit <= 0 {
		return decision, nil
	}

	now := l.Now()
	windowStart := now.Truncate(l.cfg.Window)
	resetAt := windowStart.Add(l.cfg.Window)
	decision.ResetAt = resetAt

	// The counter expires with its window, not a full window after first use.
	ttl := resetAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	key := fmt.Sprintf("%s:%s:%d", scope, identity, windowStart.Unix())
	count, _, err := l.counters.Increment(ctx, key, ttl)
	if err != nil {
		log.Printf("level=warn component=rate_limiter msg=\"counter store unavailable; allowing request\" scope=%s err=%v", scope, err)
		return decision, nil
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	decision.Remaining = remaining

	if count > int64(limit) {
		retryAfter := resetAt.Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		if retryAfter > l.cfg.Window {
			retryAfter = l.cfg.Window
		}
		decision.Allowed = false
		decision.RetryAfter = retryAfter
		return decision, ErrRateLimitExceeded
	}
	if remaining*5 < limit {
		log.Printf("level=warn component=rate_limiter msg=\"approaching rate limit\" scope=%s identity=%s remaining=%d limit=%d", scope, identity, remaining, limit)
	}
	return decision, nil
}

// MemoryCounterStore is a single-process CounterStore. It backs the limiter when Redis
// is not configured, in which case limits apply per instance.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]memoryCounter
	calls    int

	Now func() time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an empty in-process counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]memoryCounter), Now: time.Now}
}

func (m *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	m.calls++
	if m.calls%1024 == 0 {
		for k, c := range m.counters {
			if !now.Before(c.expiresAt) {
				delete(m.counters, k)
			}
		}
	}

	c, ok := m.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = memoryCounter{expiresAt: now.Add(window)}
	}
	c.count++
	m.counters[key] = c
	return c.count, c.expiresAt.Sub(now), nil
}
