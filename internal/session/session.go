// Package session manages the two session classes: short-lived provider
// sessions granting one-time decrypted content access, and longer-lived
// admin sessions carrying a CSRF token. Both are bound to the client's IP
// and user agent at creation; any mismatch terminates the session.
package session

import (
	"errors"
	"time"
)

var (
	ErrUnauthorized = errors.New("session: unauthorized")
	ErrNotFound     = errors.New("session: not found")
)

// Status is the session lifecycle state. Once non-active it is terminal.
type Status string

const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Termination reasons recorded when a session ends early.
const (
	ReasonContextMismatch = "context_mismatch"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonAbsoluteExpiry  = "absolute_expiry"
	ReasonLogout          = "logout"
)

// Provider is a provider's disclosure session. The record is looked up by
// the hex SHA-256 of the opaque session secret.
type Provider struct {
	IDHash         string
	SubjectID      string
	ContentRef     string
	Status         Status
	Reason         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	BoundIP        string
	BoundUserAgent string
}

// Admin is an operator session. The cookie value is "id.secret"; only the
// bcrypt hash of the secret is stored, since stolen admin sessions carry a
// credential-grade risk profile.
type Admin struct {
	ID             string
	SecretHash     string
	CSRFToken      string
	Status         Status
	Reason         string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastActivityAt time.Time
	BoundIP        string
	BoundUserAgent string
}
