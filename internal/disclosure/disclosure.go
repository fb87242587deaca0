// Package disclosure handles the single-recipient secure message path:
// sensitive intake data encrypted once, unlocked by exactly one provider
// through the token -> code -> session chain, and decrypted at most through
// a valid session fetch.
package disclosure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"carelink.org/internal/audit"
	"carelink.org/internal/envelope"
	"carelink.org/internal/ids"
	"carelink.org/internal/notify"
	"carelink.org/internal/obs"
	"carelink.org/internal/token"
)

var (
	ErrNotFound   = errors.New("disclosure: not found")
	ErrValidation = errors.New("disclosure: invalid input")
)

const maxPayloadBytes = 64 * 1024

// Message is a single disclosure to one recipient. The payload lives in the
// referenced encrypted blob; the message row itself carries no plaintext.
type Message struct {
	ID               string
	SubjectID        string
	RecipientID      string
	RecipientContact string
	BlobID           string
	TokenHash        string
	CreatedAt        time.Time
}

// Store persists messages.
type Store interface {
	// CreateMessageBatch persists the blob, message, and access token in
	// one atomic batch.
	CreateMessageBatch(ctx context.Context, blob *envelope.Record, m *Message, tok *token.AccessToken) error
	FindMessage(ctx context.Context, id string) (*Message, error)
}

// Service creates disclosures and serves decrypted content to sessions.
type Service struct {
	store    Store
	blobs    envelope.BlobStore
	env      *envelope.Envelope
	notifier notify.Notifier
	auditLog *audit.Log
	baseURL  string
	tokenTTL time.Duration
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithBaseURL sets the public base for access links in notifications.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the disclosure path. auditLog may be nil in tests.
func NewService(store Store, blobs envelope.BlobStore, env *envelope.Envelope, notifier notify.Notifier, auditLog *audit.Log, opts ...Option) *Service {
	s := &Service{
		store:    store,
		blobs:    blobs,
		env:      env,
		notifier: notifier,
		auditLog: auditLog,
		tokenTTL: 24 * time.Hour,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInput is a disclosure request.
type CreateInput struct {
	SubjectID        string
	RecipientID      string
	RecipientContact string
	Payload          []byte
}

// Create encrypts the payload, persists message + token atomically, and
// dispatches the access link best-effort.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Message, error) {
	if strings.TrimSpace(in.SubjectID) == "" || strings.TrimSpace(in.RecipientID) == "" {
		return nil, fmt.Errorf("%w: subject and recipient are required", ErrValidation)
	}
	if strings.TrimSpace(in.RecipientContact) == "" {
		return nil, fmt.Errorf("%w: recipient contact is required", ErrValidation)
	}
	if len(in.Payload) == 0 || len(in.Payload) > maxPayloadBytes {
		return nil, fmt.Errorf("%w: payload must be 1..%d bytes", ErrValidation, maxPayloadBytes)
	}

	blob, err := s.env.Encrypt(ctx, in.Payload)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &envelope.Record{
		ID:        ids.New(),
		Blob:      blob,
		Status:    envelope.BlobPending,
		CreatedAt: now,
	}

	secret, idHash, err := token.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("disclosure: generate token: %w", err)
	}
	msg := &Message{
		ID:               ids.New(),
		SubjectID:        in.SubjectID,
		RecipientID:      in.RecipientID,
		RecipientContact: in.RecipientContact,
		BlobID:           rec.ID,
		TokenHash:        idHash,
		CreatedAt:        now,
	}
	tok := &token.AccessToken{
		IDHash:    idHash,
		SubjectID: msg.ID,
		Kind:      token.KindMessage,
		Status:    token.StatusActive,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.CreateMessageBatch(ctx, rec, msg, tok); err != nil {
		return nil, fmt.Errorf("disclosure: persist: %w", err)
	}
	s.auditAs(ctx, audit.ActorSystem, "disclosure.create", msg.ID, audit.OutcomeSuccess, map[string]string{
		"recipient": notify.MaskRecipient(in.RecipientContact),
	})

	link := secret
	if s.baseURL != "" {
		link = s.baseURL + "/access/" + secret
	}
	if err := s.notifier.Send(ctx, notify.Message{
		To:      in.RecipientContact,
		Subject: "Secure patient disclosure",
		Body:    "You have received a secure disclosure. Open the link to verify your identity: " + link,
	}); err != nil {
		obs.LogEvent("disclosure.notify_failed", map[string]any{
			"message":   msg.ID,
			"recipient": notify.MaskRecipient(in.RecipientContact),
			"error":     err.Error(),
		})
	}
	return msg, nil
}

// Message returns a message by id.
func (s *Service) Message(ctx context.Context, id string) (*Message, error) {
	m, err := s.store.FindMessage(ctx, id)
	if err != nil {
		return nil, ErrNotFound
	}
	return m, nil
}

// Fetch decrypts the content behind a validated session. The first
// successful fetch moves the blob pending -> accessed; later fetches
// through a still-valid session are idempotent.
func (s *Service) Fetch(ctx context.Context, blobID string) ([]byte, error) {
	rec, err := s.blobs.FindBlob(ctx, blobID)
	if err != nil {
		s.audit(ctx, "content.fetch", blobID, audit.OutcomeFailure, map[string]string{"reason": "not_found"})
		return nil, ErrNotFound
	}
	plaintext, err := s.env.Decrypt(ctx, rec.Blob)
	if err != nil {
		s.audit(ctx, "content.fetch", blobID, audit.OutcomeFailure, map[string]string{"reason": "crypto"})
		return nil, err
	}
	if rec.Status == envelope.BlobPending {
		if err := s.blobs.MarkBlobAccessed(ctx, blobID); err != nil {
			obs.LogEvent("disclosure.mark_accessed_failed", map[string]any{"blob": blobID, "error": err.Error()})
		}
	}
	s.audit(ctx, "content.fetch", blobID, audit.OutcomeSuccess, nil)
	return plaintext, nil
}

func (s *Service) audit(ctx context.Context, action, resourceID, outcome string, details map[string]string) {
	s.auditAs(ctx, audit.ActorProvider, action, resourceID, outcome, details)
}

func (s *Service) auditAs(ctx context.Context, actor, action, resourceID, outcome string, details map[string]string) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(ctx, audit.Entry{
		ActorType:  actor,
		Action:     action,
		Resource:   "disclosure",
		ResourceID: resourceID,
		Details:    details,
		Outcome:    outcome,
	}); err != nil {
		obs.LogEvent("audit.append_failed", map[string]any{"action": action, "error": err.Error()})
	}
}
