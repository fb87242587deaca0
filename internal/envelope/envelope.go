// Package envelope implements authenticated envelope encryption for patient
// payloads: each payload is sealed with a fresh 256-bit data key under
// AES-GCM, and the data key is wrapped by the key service. The plaintext
// data key never leaves process memory and is zeroed after use.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"carelink.org/internal/kms"
)

// ErrCryptoFailure covers every decryption or key-service failure. Callers
// surface it generically; tag mismatches are indistinguishable from
// corruption on purpose.
var ErrCryptoFailure = errors.New("envelope: crypto failure")

const (
	keyLen = 32
	tagLen = 16

	// Wrapped-key mode tags. Decryption picks the unwrap path matching the
	// mode recorded at encryption time; this distinguishes the local
	// fallback from the remote key service, it is not a security boundary.
	modeRemote = "kms:"
	modeLocal  = "local:"
)

// Blob is an encrypted payload at rest. Immutable once written.
type Blob struct {
	Ciphertext []byte
	WrappedKey []byte
	IV         []byte
	AuthTag    []byte
}

// Envelope encrypts and decrypts payloads with per-payload data keys.
type Envelope struct {
	keys  kms.KeyService
	local bool
}

// New builds an Envelope over the given key service. Set local when keys is
// the derived-from-secret fallback so stored records carry the right tag.
func New(keys kms.KeyService, local bool) *Envelope {
	return &Envelope{keys: keys, local: local}
}

// Encrypt seals plaintext with a fresh random data key and wraps the key.
func (e *Envelope) Encrypt(ctx context.Context, plaintext []byte) (Blob, error) {
	dek := make([]byte, keyLen)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	defer zero(dek)

	block, err := aes.NewCipher(dek)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)

	wrapped, err := e.keys.Wrap(ctx, dek)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: wrap key: %v", ErrCryptoFailure, err)
	}
	mode := modeRemote
	if e.local {
		mode = modeLocal
	}

	// gcm.Seal appends the 16-byte tag; store it as a separate field so a
	// flipped tag byte is detectable in tests independently of ciphertext.
	cut := len(sealed) - tagLen
	return Blob{
		Ciphertext: sealed[:cut],
		WrappedKey: append([]byte(mode), wrapped...),
		IV:         iv,
		AuthTag:    sealed[cut:],
	}, nil
}

// Decrypt unwraps the data key and opens the payload. Fails closed: any tag
// mismatch, corrupt field, or key-service error yields ErrCryptoFailure and
// no plaintext.
func (e *Envelope) Decrypt(ctx context.Context, blob Blob) ([]byte, error) {
	wrapped, local, err := splitWrappedKey(blob.WrappedKey)
	if err != nil {
		return nil, err
	}
	if local != e.local {
		return nil, fmt.Errorf("%w: wrapped-key mode mismatch", ErrCryptoFailure)
	}
	dek, err := e.keys.Unwrap(ctx, wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap key: %v", ErrCryptoFailure, err)
	}
	defer zero(dek)
	if len(dek) != keyLen {
		return nil, fmt.Errorf("%w: bad key length", ErrCryptoFailure)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	if len(blob.IV) != gcm.NonceSize() || len(blob.AuthTag) != tagLen {
		return nil, fmt.Errorf("%w: malformed blob", ErrCryptoFailure)
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+tagLen)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.AuthTag...)
	plaintext, err := gcm.Open(nil, blob.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return plaintext, nil
}

func splitWrappedKey(raw []byte) (wrapped []byte, local bool, err error) {
	s := string(raw)
	switch {
	case strings.HasPrefix(s, modeRemote):
		return raw[len(modeRemote):], false, nil
	case strings.HasPrefix(s, modeLocal):
		return raw[len(modeLocal):], true, nil
	default:
		return nil, false, fmt.Errorf("%w: untagged wrapped key", ErrCryptoFailure)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
