package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var blobBucket = []byte("blobs")

// BoltStore keeps blobs in a single bbolt bucket on local disk. It is meant
// for local runs where no DynamoDB table or Redis server is available.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository: bolt path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("repository: create bolt dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("repository: open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create bolt bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) GetBlob(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobBucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			// v is only valid for the life of the transaction.
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("repository: bolt get %q: %w", key, err)
	}
	return out, out != nil, nil
}

func (s *BoltStore) PutBlob(_ context.Context, key string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(blobBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("repository: bolt put %q: %w", key, err)
	}
	return nil
}

func (s *BoltStore) DeleteBlob(_ context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(blobBucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("repository: bolt delete %q: %w", key, err)
	}
	return nil
}

func (s *BoltStore) SupportsDelete() bool { return true }

func (s *BoltStore) MaxBlobSize() int { return 0 }

// Close releases the file lock.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
