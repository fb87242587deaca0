package envelope

import (
	"context"
	"time"
)

// BlobStatus tracks first disclosure of a stored payload.
type BlobStatus string

const (
	BlobPending  BlobStatus = "pending"
	BlobAccessed BlobStatus = "accessed"
)

// Record is a persisted encrypted payload plus its disclosure state. The
// cryptographic fields are immutable once written; only Status moves, and
// only pending -> accessed.
type Record struct {
	ID        string
	Blob      Blob
	Status    BlobStatus
	CreatedAt time.Time
}

// BlobStore persists encrypted payload records.
type BlobStore interface {
	CreateBlob(ctx context.Context, r *Record) error
	FindBlob(ctx context.Context, id string) (*Record, error)
	// MarkBlobAccessed transitions pending -> accessed; idempotent.
	MarkBlobAccessed(ctx context.Context, id string) error
}
