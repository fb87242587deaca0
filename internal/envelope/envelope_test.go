package envelope

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"carelink.org/internal/kms"
)

func newTestEnvelope(t *testing.T) *Envelope {
	t.Helper()
	keys, err := kms.NewLocal("test-secret")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return New(keys, true)
}

func TestRoundTrip(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	payloads := [][]byte{
		[]byte("intake form contents"),
		{},
		bytes.Repeat([]byte{0x42}, 64*1024),
	}
	for _, p := range payloads {
		blob, err := e.Encrypt(ctx, p)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		got, err := e.Decrypt(ctx, blob)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, p) {
			t.Fatalf("round trip mismatch: %d bytes in, %d bytes out", len(p), len(got))
		}
	}
}

func TestFreshKeyPerPayload(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	a, err := e.Encrypt(ctx, []byte("same payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := e.Encrypt(ctx, []byte("same payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("two encryptions of the same payload produced identical ciphertext")
	}
	if bytes.Equal(a.WrappedKey, b.WrappedKey) {
		t.Fatal("data key was reused across payloads")
	}
}

func TestDecryptFailsClosedOnCorruption(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := e.Encrypt(ctx, []byte("sensitive intake data"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	corrupt := func(name string, mutate func(b *Blob)) {
		t.Run(name, func(t *testing.T) {
			c := Blob{
				Ciphertext: append([]byte(nil), blob.Ciphertext...),
				WrappedKey: append([]byte(nil), blob.WrappedKey...),
				IV:         append([]byte(nil), blob.IV...),
				AuthTag:    append([]byte(nil), blob.AuthTag...),
			}
			mutate(&c)
			got, err := e.Decrypt(ctx, c)
			if !errors.Is(err, ErrCryptoFailure) {
				t.Fatalf("expected ErrCryptoFailure, got %v", err)
			}
			if got != nil {
				t.Fatal("corrupted blob yielded plaintext")
			}
		})
	}

	corrupt("ciphertext byte", func(b *Blob) { b.Ciphertext[0] ^= 0x01 })
	corrupt("auth tag byte", func(b *Blob) { b.AuthTag[3] ^= 0x80 })
	corrupt("iv byte", func(b *Blob) { b.IV[0] ^= 0xff })
	corrupt("wrapped key", func(b *Blob) { b.WrappedKey[len(b.WrappedKey)-1] ^= 0x01 })
	corrupt("untagged wrapped key", func(b *Blob) { b.WrappedKey = b.WrappedKey[len("local:"):] })
}

func TestModeMismatchRejected(t *testing.T) {
	e := newTestEnvelope(t)
	ctx := context.Background()

	blob, err := e.Encrypt(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	// Relabel the record as key-service wrapped; a local envelope must not
	// attempt to unwrap it with the derived key.
	blob.WrappedKey = append([]byte("kms:"), blob.WrappedKey[len("local:"):]...)
	if _, err := e.Decrypt(ctx, blob); !errors.Is(err, ErrCryptoFailure) {
		t.Fatalf("expected ErrCryptoFailure, got %v", err)
	}
}
