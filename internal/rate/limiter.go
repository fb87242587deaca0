// Package rate guards the admin login against brute force: a sliding
// attempt window per client key with a fixed-length lockout once the window
// is exceeded. Distinct from the transport token bucket in httpapi, which
// smooths traffic rather than enforcing login policy.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLimited is returned when a key is locked out. Use Status for the
// retry-after detail.
var ErrLimited = errors.New("rate: limited")

const (
	maxAttempts   = 5
	window        = 15 * time.Minute
	blockDuration = 30 * time.Minute
)

// Record is the persisted per-key attempt state.
type Record struct {
	Key          string
	Attempts     int
	WindowStart  time.Time
	BlockedUntil time.Time
}

// Store persists rate-limit records.
type Store interface {
	FindRateLimit(ctx context.Context, key string) (*Record, error)
	PutRateLimit(ctx context.Context, rec *Record) error
	DeleteRateLimit(ctx context.Context, key string) error
}

// Status is the decision returned by Check.
type Status struct {
	Allowed           bool
	RemainingAttempts int
	BlockedUntil      time.Time
}

// Limiter applies the login attempt policy.
type Limiter struct {
	store Store
	now   func() time.Time
}

// NewLimiter constructs a Limiter over the given store.
func NewLimiter(store Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// SetClock overrides the time source (tests).
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Check reports whether an attempt for key may proceed.
func (l *Limiter) Check(ctx context.Context, key string) (Status, error) {
	rec, err := l.store.FindRateLimit(ctx, key)
	if err != nil {
		// No record yet: full budget.
		return Status{Allowed: true, RemainingAttempts: maxAttempts}, nil
	}
	now := l.now().UTC()
	if now.Before(rec.BlockedUntil) {
		return Status{Allowed: false, BlockedUntil: rec.BlockedUntil}, nil
	}
	if now.Sub(rec.WindowStart) >= window {
		return Status{Allowed: true, RemainingAttempts: maxAttempts}, nil
	}
	remaining := maxAttempts - rec.Attempts
	if remaining <= 0 {
		// Window full but lockout already served; the next recorded failure
		// opens a fresh window.
		return Status{Allowed: true, RemainingAttempts: 1}, nil
	}
	return Status{Allowed: true, RemainingAttempts: remaining}, nil
}

// RecordAttempt updates the key's state after a login attempt. Success
// clears the record; failure counts against the current window and, on
// crossing the attempt budget, starts the lockout. An active lockout is
// never extended by further attempts, keeping its length bounded.
func (l *Limiter) RecordAttempt(ctx context.Context, key string, success bool) error {
	if success {
		if err := l.store.DeleteRateLimit(ctx, key); err != nil {
			return fmt.Errorf("rate: clear: %w", err)
		}
		return nil
	}

	now := l.now().UTC()
	rec, err := l.store.FindRateLimit(ctx, key)
	if err != nil {
		rec = &Record{Key: key, WindowStart: now}
	}
	if now.Before(rec.BlockedUntil) {
		return nil
	}
	if now.Sub(rec.WindowStart) >= window {
		rec.Attempts = 0
		rec.WindowStart = now
		rec.BlockedUntil = time.Time{}
	}
	rec.Attempts++
	if rec.Attempts >= maxAttempts {
		rec.BlockedUntil = now.Add(blockDuration)
	}
	if err := l.store.PutRateLimit(ctx, rec); err != nil {
		return fmt.Errorf("rate: persist: %w", err)
	}
	return nil
}
