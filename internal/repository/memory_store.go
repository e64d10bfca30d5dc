package repository

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a process-local BlobStore. Data does not survive restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	blobs     map[string][]byte
	canDelete bool
	maxSize   int
}

type MemoryOption func(*MemoryStore)

// WithoutDelete makes the store report no delete capability, like a
// write-only archive backend.
func WithoutDelete() MemoryOption {
	return func(s *MemoryStore) {
		s.canDelete = false
	}
}

// WithMaxBlobSize rejects values larger than n bytes, like a backend with an
// item size cap.
func WithMaxBlobSize(n int) MemoryOption {
	return func(s *MemoryStore) {
		s.maxSize = n
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{blobs: map[string][]byte{}, canDelete: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) GetBlob(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.blobs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte{}, v...), true, nil
}

func (s *MemoryStore) PutBlob(_ context.Context, key string, data []byte) error {
	if s.maxSize > 0 && len(data) > s.maxSize {
		return fmt.Errorf("%w: %s is %d bytes", ErrBlobTooLarge, key, len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte{}, data...)
	return nil
}

func (s *MemoryStore) DeleteBlob(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemoryStore) SupportsDelete() bool { return s.canDelete }

func (s *MemoryStore) MaxBlobSize() int { return s.maxSize }
