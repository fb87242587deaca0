package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"carelink.org/internal/audit"
	"carelink.org/internal/ids"
	"carelink.org/internal/obs"
)

const (
	adminTTL  = 8 * time.Hour
	adminIdle = 30 * time.Minute
)

// AdminStore issues and validates operator sessions.
type AdminStore struct {
	store    Store
	auditLog *audit.Log
	now      func() time.Time
}

// NewAdminStore constructs the admin session service. auditLog may be nil
// in tests.
func NewAdminStore(store Store, auditLog *audit.Log) *AdminStore {
	return &AdminStore{store: store, auditLog: auditLog, now: time.Now}
}

// SetClock overrides the time source (tests).
func (a *AdminStore) SetClock(now func() time.Time) { a.now = now }

// Create opens an admin session after a successful login. The returned
// cookie value is "id.secret"; the secret is stored only as a bcrypt hash.
func (a *AdminStore) Create(ctx context.Context, ip, userAgent string) (cookie string, s *Admin, err error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, fmt.Errorf("session: generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("session: hash secret: %w", err)
	}

	csrfBytes := make([]byte, 32)
	if _, err := rand.Read(csrfBytes); err != nil {
		return "", nil, fmt.Errorf("session: generate csrf: %w", err)
	}

	now := a.now().UTC()
	s = &Admin{
		ID:             ids.New(),
		SecretHash:     string(secretHash),
		CSRFToken:      base64.RawURLEncoding.EncodeToString(csrfBytes),
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(adminTTL),
		LastActivityAt: now,
		BoundIP:        ip,
		BoundUserAgent: userAgent,
	}
	if err := a.store.CreateAdminSession(ctx, s); err != nil {
		return "", nil, fmt.Errorf("session: persist: %w", err)
	}
	a.audit(ctx, "admin_session.create", s.ID, audit.OutcomeSuccess, nil)
	return s.ID + "." + secret, s, nil
}

// Validate checks a presented cookie value. The secret comparison uses
// bcrypt; the lookup id is not secret, so finding the row first is fine.
func (a *AdminStore) Validate(ctx context.Context, cookie, ip, userAgent string) (*Admin, error) {
	id, secret, err := splitCookie(cookie)
	if err != nil {
		return nil, ErrUnauthorized
	}
	s, err := a.store.FindAdminSession(ctx, id)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if s.Status != StatusActive {
		return nil, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(s.SecretHash), []byte(secret)) != nil {
		return nil, ErrUnauthorized
	}
	now := a.now().UTC()
	if s.BoundIP != ip || s.BoundUserAgent != userAgent {
		_ = a.store.EndAdminSession(ctx, id, StatusTerminated, ReasonContextMismatch)
		obs.SessionsTerminated.WithLabelValues(ReasonContextMismatch).Inc()
		a.audit(ctx, "admin_session.validate", id, audit.OutcomeFailure, map[string]string{
			"reason": ReasonContextMismatch,
		})
		return nil, ErrUnauthorized
	}
	if now.Sub(s.LastActivityAt) > adminIdle {
		_ = a.store.EndAdminSession(ctx, id, StatusExpired, ReasonIdleTimeout)
		obs.SessionsTerminated.WithLabelValues(ReasonIdleTimeout).Inc()
		return nil, ErrUnauthorized
	}
	if now.After(s.ExpiresAt) {
		_ = a.store.EndAdminSession(ctx, id, StatusExpired, ReasonAbsoluteExpiry)
		return nil, ErrUnauthorized
	}
	if err := a.store.TouchAdminSession(ctx, id, now); err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	s.LastActivityAt = now
	return s, nil
}

// CheckCSRF validates a state-changing request's CSRF header against the
// session. Plain equality: the token is high-entropy and not derived from a
// guessable secret, so this is not a timing-sensitive comparison.
func (a *AdminStore) CheckCSRF(s *Admin, presented string) error {
	if s == nil || presented == "" || s.CSRFToken != presented {
		return ErrUnauthorized
	}
	return nil
}

// Terminate ends an admin session on logout.
func (a *AdminStore) Terminate(ctx context.Context, cookie string) error {
	id, _, err := splitCookie(cookie)
	if err != nil {
		return ErrNotFound
	}
	s, err := a.store.FindAdminSession(ctx, id)
	if err != nil {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return nil
	}
	if err := a.store.EndAdminSession(ctx, id, StatusTerminated, ReasonLogout); err != nil {
		return fmt.Errorf("session: terminate: %w", err)
	}
	a.audit(ctx, "admin_session.terminate", id, audit.OutcomeSuccess, nil)
	return nil
}

func splitCookie(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid session cookie format")
	}
	return parts[0], parts[1], nil
}

func (a *AdminStore) audit(ctx context.Context, action, resourceID, outcome string, details map[string]string) {
	if a.auditLog == nil {
		return
	}
	if _, err := a.auditLog.Append(ctx, audit.Entry{
		ActorType:  audit.ActorAdmin,
		Action:     action,
		Resource:   "admin_session",
		ResourceID: resourceID,
		Details:    details,
		Outcome:    outcome,
	}); err != nil {
		obs.LogEvent("audit.append_failed", map[string]any{"action": action, "error": err.Error()})
	}
}
