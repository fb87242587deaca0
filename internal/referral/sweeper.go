package referral

import (
	"context"
	"time"

	"carelink.org/internal/obs"
)

// Sweeper periodically rewrites overdue referrals and invites to expired.
// It is an operational convenience: read paths evaluate expiry lazily and
// stay correct if the sweeper lags or never runs.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper constructs a sweeper with the given interval.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{store: store, interval: interval, now: time.Now}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.store.ExpireOverdue(ctx, s.now().UTC())
	if err != nil {
		obs.LogEvent("referral.sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	if n > 0 {
		obs.LogEvent("referral.sweep", map[string]any{"expired": n})
	}
}
