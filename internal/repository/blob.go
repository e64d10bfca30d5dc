package repository

import (
	"context"
	"errors"
)

// ErrCorruptBlob marks a stored value that exists but cannot be decoded.
// Callers above the repository treat it as absent data.
var ErrCorruptBlob = errors.New("repository: corrupt blob")

// ErrBlobTooLarge is returned when a value exceeds the backend's size limit.
var ErrBlobTooLarge = errors.New("repository: blob too large")

// BlobStore is a key-value store of opaque byte blobs. Keys are the only
// addressing; there are no partial updates.
type BlobStore interface {
	// GetBlob returns the stored bytes and whether the key exists.
	GetBlob(ctx context.Context, key string) ([]byte, bool, error)
	// PutBlob replaces the value at key.
	PutBlob(ctx context.Context, key string, data []byte) error
	// DeleteBlob removes key. Backends reporting SupportsDelete() == false
	// are never asked to delete.
	DeleteBlob(ctx context.Context, key string) error
	// SupportsDelete reports whether DeleteBlob is implemented.
	SupportsDelete() bool
	// MaxBlobSize is the largest value PutBlob accepts, in bytes. Zero means
	// the backend imposes no practical limit.
	MaxBlobSize() int
}
