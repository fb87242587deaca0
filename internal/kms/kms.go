// Package kms abstracts the key-encryption-key service used to wrap
// per-payload data keys. The production implementation is a remote HTTP
// service (possibly HSM-backed); Local derives the KEK from a configured
// secret for environments without one.
package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrUnavailable is returned when the key service cannot wrap or unwrap.
var ErrUnavailable = errors.New("kms: key service unavailable")

// KeyService wraps and unwraps data encryption keys. Implementations must
// never persist or log plaintext key material.
type KeyService interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Local implements KeyService with a KEK derived from a static secret.
// It uses the same AES-GCM path as the remote service so wrapped keys are
// structurally identical; it is a fallback, not a security boundary.
type Local struct {
	kek []byte
}

// NewLocal derives a 256-bit KEK from secret.
func NewLocal(secret string) (*Local, error) {
	if secret == "" {
		return nil, errors.New("kms: local secret is empty")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Local{kek: sum[:]}, nil
}

func (l *Local) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	return sealWithKey(l.kek, plaintext)
}

func (l *Local) Unwrap(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return openWithKey(l.kek, ciphertext)
}

func sealWithKey(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func openWithKey(key, raw []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	ns := gcm.NonceSize()
	if len(raw) < ns {
		return nil, errors.New("kms: wrapped key too short")
	}
	return gcm.Open(nil, raw[:ns], raw[ns:], nil)
}
