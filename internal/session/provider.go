package session

import (
	"context"
	"fmt"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/obs"
	"carelink.org/internal/token"
)

const (
	providerTTL  = 30 * time.Minute
	providerIdle = 15 * time.Minute
)

// ProviderStore issues and validates provider sessions.
type ProviderStore struct {
	store    Store
	auditLog *audit.Log
	now      func() time.Time
}

// NewProviderStore constructs the provider session service. auditLog may be
// nil in tests.
func NewProviderStore(store Store, auditLog *audit.Log) *ProviderStore {
	return &ProviderStore{store: store, auditLog: auditLog, now: time.Now}
}

// SetClock overrides the time source (tests).
func (p *ProviderStore) SetClock(now func() time.Time) { p.now = now }

// Create opens a session for a verified provider. Returns the opaque
// session secret handed to the client; only its hash is stored.
func (p *ProviderStore) Create(ctx context.Context, contentRef, subjectID, ip, userAgent string) (secret string, s *Provider, err error) {
	secret, idHash, err := token.NewSecret()
	if err != nil {
		return "", nil, fmt.Errorf("session: generate secret: %w", err)
	}
	now := p.now().UTC()
	s = &Provider{
		IDHash:         idHash,
		SubjectID:      subjectID,
		ContentRef:     contentRef,
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(providerTTL),
		LastActivityAt: now,
		BoundIP:        ip,
		BoundUserAgent: userAgent,
	}
	if err := p.store.CreateProviderSession(ctx, s); err != nil {
		return "", nil, fmt.Errorf("session: persist: %w", err)
	}
	p.audit(ctx, "session.create", idHash, audit.OutcomeSuccess, nil)
	return secret, s, nil
}

// Validate checks a presented session secret against its bound context,
// idle timeout, and absolute expiry, refreshing the activity timestamp on
// success. Context mismatches terminate the session permanently.
func (p *ProviderStore) Validate(ctx context.Context, secret, ip, userAgent string) (*Provider, error) {
	idHash := token.HashSecret(secret)
	s, err := p.store.FindProviderSession(ctx, idHash)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if s.Status != StatusActive {
		return nil, ErrUnauthorized
	}
	now := p.now().UTC()
	if s.BoundIP != ip || s.BoundUserAgent != userAgent {
		_ = p.store.EndProviderSession(ctx, idHash, StatusTerminated, ReasonContextMismatch)
		obs.SessionsTerminated.WithLabelValues(ReasonContextMismatch).Inc()
		p.audit(ctx, "session.validate", idHash, audit.OutcomeFailure, map[string]string{
			"reason": ReasonContextMismatch,
		})
		return nil, ErrUnauthorized
	}
	if now.Sub(s.LastActivityAt) > providerIdle {
		_ = p.store.EndProviderSession(ctx, idHash, StatusExpired, ReasonIdleTimeout)
		obs.SessionsTerminated.WithLabelValues(ReasonIdleTimeout).Inc()
		return nil, ErrUnauthorized
	}
	if now.After(s.ExpiresAt) {
		_ = p.store.EndProviderSession(ctx, idHash, StatusExpired, ReasonAbsoluteExpiry)
		return nil, ErrUnauthorized
	}
	if err := p.store.TouchProviderSession(ctx, idHash, now); err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	s.LastActivityAt = now
	return s, nil
}

// Terminate ends a session on explicit logout.
func (p *ProviderStore) Terminate(ctx context.Context, secret string) error {
	idHash := token.HashSecret(secret)
	s, err := p.store.FindProviderSession(ctx, idHash)
	if err != nil {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return nil
	}
	if err := p.store.EndProviderSession(ctx, idHash, StatusTerminated, ReasonLogout); err != nil {
		return fmt.Errorf("session: terminate: %w", err)
	}
	p.audit(ctx, "session.terminate", idHash, audit.OutcomeSuccess, nil)
	return nil
}

// Remaining reports minutes left before absolute expiry, floored at zero.
func (p *ProviderStore) Remaining(s *Provider) int {
	left := s.ExpiresAt.Sub(p.now().UTC())
	if left < 0 {
		return 0
	}
	return int(left / time.Minute)
}

func (p *ProviderStore) audit(ctx context.Context, action, resourceID, outcome string, details map[string]string) {
	if p.auditLog == nil {
		return
	}
	if _, err := p.auditLog.Append(ctx, audit.Entry{
		ActorType:  audit.ActorProvider,
		Action:     action,
		Resource:   "provider_session",
		ResourceID: resourceID,
		Details:    details,
		Outcome:    outcome,
	}); err != nil {
		obs.LogEvent("audit.append_failed", map[string]any{"action": action, "error": err.Error()})
	}
}
