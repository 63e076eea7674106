package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := NewRedisStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func TestNewRedisStore_ConnectFailure(t *testing.T) {
	config := DefaultRedisConfig()
	config.Address = "127.0.0.1:1"
	config.DialTimeout = 100 * time.Millisecond
	config.MaxRetries = 0

	s, err := NewRedisStoreWithConfig(config)
	assert.Error(t, err)
	assert.Nil(t, s)
}

func TestRedisStore_GetSet(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, IsKeyNotFound(err))

	require.NoError(t, s.Set(ctx, "k", 42, time.Minute))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	raw, err := mr.Get("meshgate:ratelimit:k")
	require.NoError(t, err)
	assert.Equal(t, "42", raw)
}

func TestRedisStore_Get_ParseError(t *testing.T) {
	s, mr := newTestRedisStore(t)

	mr.Set("meshgate:ratelimit:bad", "not-a-number")

	_, err := s.Get(context.Background(), "bad")
	assert.Error(t, err)
	assert.False(t, IsKeyNotFound(err))
}

func TestRedisStore_Increment(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = s.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), val)
}

func TestRedisStore_IncrementWithExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	val, err := s.IncrementWithExpiry(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	// TTL set on first increment only.
	ttl := mr.TTL("meshgate:ratelimit:counter")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)

	val, err = s.IncrementWithExpiry(ctx, "counter", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), val)
}

func TestRedisStore_IncrementWithExpiry_SubSecondFloor(t *testing.T) {
	s, mr := newTestRedisStore(t)

	_, err := s.IncrementWithExpiry(context.Background(), "counter", 1, 100*time.Millisecond)
	require.NoError(t, err)

	ttl := mr.TTL("meshgate:ratelimit:counter")
	assert.GreaterOrEqual(t, ttl, time.Second)
}

func TestRedisStore_WindowExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.IncrementWithExpiry(ctx, "counter", 4, time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = s.Get(ctx, "counter")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", 1, time.Minute))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.True(t, IsKeyNotFound(err))
}

func TestRedisStore_CloseIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(mr.Addr(), "", 0)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
