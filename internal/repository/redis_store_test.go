package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeRedis struct {
	vals    map[string]string
	getErr  error
	setErr  error
	delErr  error
	lastTTL time.Duration
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.lastTTL = expiration
	f.vals[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.delErr != nil {
		return redis.NewIntResult(0, f.delErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.vals[k]; ok {
			delete(f.vals, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisStore_RoundTripWithPrefix(t *testing.T) {
	api := newFakeRedis()
	s, err := NewRedisStore(api, "chat:", time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.PutBlob(ctx, "conversation/a", []byte(`[]`)))
	require.Contains(t, api.vals, "chat:conversation/a")
	require.Equal(t, time.Hour, api.lastTTL)

	data, ok, err := s.GetBlob(ctx, "conversation/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(data))

	require.NoError(t, s.DeleteBlob(ctx, "conversation/a"))
	_, ok, err = s.GetBlob(ctx, "conversation/a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_IndexNeverExpires(t *testing.T) {
	api := newFakeRedis()
	s, err := NewRedisStore(api, "chat:", time.Hour)
	require.NoError(t, err)
	conv := mustNewConversations(t, s)
	ctx := context.Background()

	require.NoError(t, conv.Put(ctx, "c1", domain.Log{}))
	require.Equal(t, time.Hour, api.lastTTL)

	require.NoError(t, conv.SaveIndex(ctx, []domain.ConversationMeta{{ID: "c1"}}))
	require.Zero(t, api.lastTTL)
	require.Equal(t, redisMaxValue, conv.MaxLogBytes())
}

func TestRedisStore_Errors(t *testing.T) {
	api := newFakeRedis()
	s, err := NewRedisStore(api, "", 0)
	require.NoError(t, err)
	ctx := context.Background()

	api.getErr = errors.New("connection refused")
	_, _, err = s.GetBlob(ctx, "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis get")

	api.setErr = errors.New("READONLY")
	err = s.PutBlob(ctx, "k", []byte("v"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis set")

	api.delErr = errors.New("READONLY")
	err = s.DeleteBlob(ctx, "k")
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis del")
}

func TestNewRedisStore_NilAPI(t *testing.T) {
	_, err := NewRedisStore(nil, "", 0)
	require.Error(t, err)
}
