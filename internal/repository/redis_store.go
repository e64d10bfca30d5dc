package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI is the subset of *redis.Client used by RedisStore.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// redisMaxValue is the largest string value Redis stores.
const redisMaxValue = 512 << 20

// RedisStore keeps each blob under a prefixed string key.
type RedisStore struct {
	api    redisAPI
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps api. Keys are stored as prefix+key. A non-zero ttl
// expires conversation logs only; the index is kept forever.
func NewRedisStore(api redisAPI, prefix string, ttl time.Duration) (*RedisStore, error) {
	if api == nil {
		return nil, errors.New("repository: redis api must not be nil")
	}
	return &RedisStore{api: api, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) GetBlob(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.api.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("repository: redis get %q: %w", key, err)
	}
	return b, true, nil
}

func (s *RedisStore) PutBlob(ctx context.Context, key string, data []byte) error {
	if len(data) > redisMaxValue {
		return fmt.Errorf("%w: %s is %d bytes", ErrBlobTooLarge, key, len(data))
	}
	var ttl time.Duration
	if expires(key) {
		ttl = s.ttl
	}
	if err := s.api.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("repository: redis set %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) DeleteBlob(ctx context.Context, key string) error {
	if err := s.api.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("repository: redis del %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) SupportsDelete() bool { return true }

func (s *RedisStore) MaxBlobSize() int { return redisMaxValue }
