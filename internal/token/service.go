package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/ids"
	"carelink.org/internal/notify"
	"carelink.org/internal/obs"
)

const (
	defaultTokenTTL  = 24 * time.Hour
	codeTTL          = 10 * time.Minute
	maxAttempts      = 5
	maxCodesPerToken = 3
)

// Service owns access-token and verification-code lifecycles.
type Service struct {
	store    Store
	notifier notify.Notifier
	auditLog *audit.Log
	now      func() time.Time
	tokenTTL time.Duration
}

// Option configures Service behavior.
type Option func(*Service)

// WithTokenTTL overrides the default access-token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService constructs the token service. auditLog may be nil in tests.
func NewService(store Store, notifier notify.Notifier, auditLog *audit.Log, opts ...Option) *Service {
	s := &Service{
		store:    store,
		notifier: notifier,
		auditLog: auditLog,
		now:      time.Now,
		tokenTTL: defaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates an access token for the given disclosure context. The
// returned secret is shown once and never persisted.
func (s *Service) Issue(ctx context.Context, subjectID string, kind Kind) (secret, idHash string, err error) {
	secret, idHash, err = NewSecret()
	if err != nil {
		return "", "", fmt.Errorf("token: generate secret: %w", err)
	}
	now := s.now().UTC()
	rec := &AccessToken{
		IDHash:    idHash,
		SubjectID: subjectID,
		Kind:      kind,
		Status:    StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.CreateToken(ctx, rec); err != nil {
		return "", "", fmt.Errorf("token: persist: %w", err)
	}
	return secret, idHash, nil
}

// Redeem looks a token up by secret hash and atomically moves it from
// active to code_pending, so concurrent redemptions issue exactly one code.
func (s *Service) Redeem(ctx context.Context, secret string) (*AccessToken, error) {
	idHash := HashSecret(secret)
	rec, err := s.store.FindToken(ctx, idHash)
	if err != nil {
		s.auditFailure(ctx, "token.redeem", "access_token", "", "not_found")
		return nil, ErrNotFound
	}
	now := s.now().UTC()
	if now.After(rec.ExpiresAt) {
		if rec.Status == StatusActive || rec.Status == StatusCodePending {
			_ = s.store.SetTokenStatus(ctx, idHash, StatusExpired)
		}
		s.auditFailure(ctx, "token.redeem", "access_token", idHash, "expired")
		return nil, ErrExpired
	}
	if rec.Status != StatusActive {
		s.auditFailure(ctx, "token.redeem", "access_token", idHash, string(rec.Status))
		return nil, ErrAlreadyUsed
	}
	won, err := s.store.UpdateTokenStatusIf(ctx, idHash, StatusActive, StatusCodePending)
	if err != nil {
		return nil, fmt.Errorf("token: transition: %w", err)
	}
	if !won {
		s.auditFailure(ctx, "token.redeem", "access_token", idHash, "lost_race")
		return nil, ErrAlreadyUsed
	}
	rec.Status = StatusCodePending
	s.auditSuccess(ctx, "token.redeem", "access_token", idHash, nil)
	return rec, nil
}

// Revoke moves an unredeemed token to revoked.
func (s *Service) Revoke(ctx context.Context, idHash string) error {
	won, err := s.store.UpdateTokenStatusIf(ctx, idHash, StatusActive, StatusRevoked)
	if err != nil {
		return fmt.Errorf("token: revoke: %w", err)
	}
	if !won {
		return ErrAlreadyUsed
	}
	s.auditSuccess(ctx, "token.revoke", "access_token", idHash, nil)
	return nil
}

// IssueCode generates a 6-digit code for a redeemed token and delivers it
// to the provider's contact address. A delivery failure is recorded and
// returned: the caller has no code to offer the user.
func (s *Service) IssueCode(ctx context.Context, tok *AccessToken, recipient string) (codeID string, err error) {
	count, err := s.store.CountCodesForToken(ctx, tok.IDHash)
	if err != nil {
		return "", fmt.Errorf("token: count codes: %w", err)
	}
	if count >= maxCodesPerToken {
		s.auditFailure(ctx, "code.issue", "verification_code", tok.IDHash, "reissue_limit")
		return "", ErrTooManyCodes
	}

	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("token: generate code: %w", err)
	}
	now := s.now().UTC()
	rec := &VerificationCode{
		ID:             ids.New(),
		TokenHash:      tok.IDHash,
		CodeHash:       HashSecret(code),
		Status:         CodePending,
		Attempts:       0,
		MaxAttempts:    maxAttempts,
		ExpiresAt:      now.Add(codeTTL),
		DeliveryStatus: DeliverySent,
		CreatedAt:      now,
	}
	if err := s.store.CreateCode(ctx, rec); err != nil {
		return "", fmt.Errorf("token: persist code: %w", err)
	}

	msg := notify.Message{
		To:      recipient,
		Subject: "Your verification code",
		Body:    "Your one-time verification code is " + code + ". It expires in 10 minutes.",
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		_ = s.store.SetCodeDelivery(ctx, rec.ID, DeliveryFailed)
		s.auditFailure(ctx, "code.issue", "verification_code", rec.ID, "delivery_failed")
		return "", fmt.Errorf("token: deliver code: %w", err)
	}
	s.auditSuccess(ctx, "code.issue", "verification_code", rec.ID, map[string]string{
		"recipient": notify.MaskRecipient(recipient),
	})
	return rec.ID, nil
}

// ReissueCode voids the pending code for a token and issues a fresh one.
func (s *Service) ReissueCode(ctx context.Context, tok *AccessToken, prevCodeID, recipient string) (string, error) {
	if prevCodeID != "" {
		prev, err := s.store.FindCode(ctx, prevCodeID)
		if err == nil && prev.Status == CodePending && prev.TokenHash == tok.IDHash {
			_ = s.store.SetCodeStatus(ctx, prev.ID, CodeExpired)
		}
	}
	return s.IssueCode(ctx, tok, recipient)
}

// Verify evaluates a candidate code. The attempt counter is incremented
// before the comparison so a crash or retry mid-check cannot grant a free
// guess. On a wrong code, remaining reports the attempts left.
func (s *Service) Verify(ctx context.Context, codeID, candidate string) (rec *VerificationCode, remaining int, err error) {
	rec, err = s.store.FindCode(ctx, codeID)
	if err != nil {
		obs.VerificationFailures.WithLabelValues("not_found").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, "not_found")
		return nil, 0, ErrNotFound
	}
	now := s.now().UTC()
	switch {
	case rec.Status == CodeBlocked:
		obs.VerificationFailures.WithLabelValues("blocked").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, "blocked")
		return nil, 0, ErrBlocked
	case rec.Status != CodePending:
		obs.VerificationFailures.WithLabelValues("consumed").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, string(rec.Status))
		return nil, 0, ErrNotFound
	case now.After(rec.ExpiresAt):
		_ = s.store.SetCodeStatus(ctx, codeID, CodeExpired)
		obs.VerificationFailures.WithLabelValues("expired").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, "expired")
		return nil, 0, ErrExpired
	case rec.Attempts >= rec.MaxAttempts:
		_ = s.store.SetCodeStatus(ctx, codeID, CodeBlocked)
		obs.VerificationFailures.WithLabelValues("blocked").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, "blocked")
		return nil, 0, ErrBlocked
	}

	attempts, err := s.store.IncrementCodeAttempts(ctx, codeID)
	if err != nil {
		return nil, 0, fmt.Errorf("token: record attempt: %w", err)
	}
	if attempts > rec.MaxAttempts {
		_ = s.store.SetCodeStatus(ctx, codeID, CodeBlocked)
		obs.VerificationFailures.WithLabelValues("blocked").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, "blocked")
		return nil, 0, ErrBlocked
	}

	if !constantTimeEqualHash(rec.CodeHash, candidate) {
		remaining = rec.MaxAttempts - attempts
		if remaining <= 0 {
			_ = s.store.SetCodeStatus(ctx, codeID, CodeBlocked)
		}
		obs.VerificationFailures.WithLabelValues("wrong_code").Inc()
		s.auditFailure(ctx, "code.verify", "verification_code", codeID, "wrong_code")
		return nil, remaining, ErrWrongCode
	}

	if err := s.store.SetCodeStatus(ctx, codeID, CodeVerified); err != nil {
		return nil, 0, fmt.Errorf("token: mark verified: %w", err)
	}
	if err := s.store.SetTokenStatus(ctx, rec.TokenHash, StatusUsed); err != nil {
		return nil, 0, fmt.Errorf("token: consume token: %w", err)
	}
	rec.Status = CodeVerified
	rec.Attempts = attempts
	s.auditSuccess(ctx, "code.verify", "verification_code", codeID, nil)
	return rec, rec.MaxAttempts - attempts, nil
}

// Token returns the access token backing a verification code.
func (s *Service) Token(ctx context.Context, idHash string) (*AccessToken, error) {
	rec, err := s.store.FindToken(ctx, idHash)
	if err != nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Code returns a verification code record by id.
func (s *Service) Code(ctx context.Context, codeID string) (*VerificationCode, error) {
	rec, err := s.store.FindCode(ctx, codeID)
	if err != nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

// randomCode draws a uniform 6-digit code from crypto/rand using rejection
// sampling, so no residue bias sneaks in.
func randomCode() (string, error) {
	const bound = 1000000
	// Largest multiple of bound below 2^32.
	const limit = (1 << 32) / bound * bound
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v >= limit {
			continue
		}
		return fmt.Sprintf("%06d", v%bound), nil
	}
}

// constantTimeEqualHash compares the stored code hash against the hash of
// the candidate with no early exit. Both sides are equal-length hex SHA-256
// strings, so the comparison cost is independent of where they differ.
func constantTimeEqualHash(storedHash, candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(HashSecret(candidate)), []byte(storedHash)) == 1
}

func (s *Service) auditSuccess(ctx context.Context, action, resource, resourceID string, details map[string]string) {
	s.append(ctx, action, resource, resourceID, audit.OutcomeSuccess, details)
}

func (s *Service) auditFailure(ctx context.Context, action, resource, resourceID, reason string) {
	s.append(ctx, action, resource, resourceID, audit.OutcomeFailure, map[string]string{"reason": reason})
}

func (s *Service) append(ctx context.Context, action, resource, resourceID, outcome string, details map[string]string) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(ctx, audit.Entry{
		ActorType:  audit.ActorProvider,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    details,
		Outcome:    outcome,
	}); err != nil {
		obs.LogEvent("audit.append_failed", map[string]any{"action": action, "error": err.Error()})
	}
}
