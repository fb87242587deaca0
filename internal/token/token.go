// Package token issues and redeems the single-use bearer secrets that gate
// disclosure access, and the short numeric verification codes bound to
// them. Secrets are returned to the caller exactly once; only their SHA-256
// hashes are persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("token: not found")
	ErrExpired      = errors.New("token: expired")
	ErrAlreadyUsed  = errors.New("token: already used")
	ErrBlocked      = errors.New("token: blocked")
	ErrWrongCode    = errors.New("token: wrong code")
	ErrTooManyCodes = errors.New("token: code reissue limit reached")
)

// Status is the access-token lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusCodePending Status = "code_pending"
	StatusUsed        Status = "used"
	StatusExpired     Status = "expired"
	StatusRevoked     Status = "revoked"
)

// Kind distinguishes the disclosure context a token opens.
type Kind string

const (
	KindMessage Kind = "message"
	KindInvite  Kind = "invite"
)

// AccessToken is the persisted record for one bearer secret. IDHash is the
// primary key; the secret itself is never stored.
type AccessToken struct {
	IDHash    string
	SubjectID string
	Kind      Kind
	Status    Status
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CodeStatus is the verification-code lifecycle state.
type CodeStatus string

const (
	CodePending  CodeStatus = "pending"
	CodeVerified CodeStatus = "verified"
	CodeExpired  CodeStatus = "expired"
	CodeBlocked  CodeStatus = "blocked"
)

// DeliveryStatus records whether the code reached the notifier.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// VerificationCode is the persisted record for one issued code.
type VerificationCode struct {
	ID             string
	TokenHash      string
	CodeHash       string
	Status         CodeStatus
	Attempts       int
	MaxAttempts    int
	ExpiresAt      time.Time
	DeliveryStatus DeliveryStatus
	CreatedAt      time.Time
}

// NewSecret generates a high-entropy opaque bearer secret and its storage
// hash.
func NewSecret() (secret, idHash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", err
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)
	return secret, HashSecret(secret), nil
}

// HashSecret returns the hex SHA-256 used for token and code lookups.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
