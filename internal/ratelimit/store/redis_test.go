package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisWithClient(client, "test:")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedis_Increment(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		got, err := s.Increment(ctx, "tenant-42:minute:100", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedis_IncrementSetsExpiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "counter", 1, time.Second)
	require.NoError(t, err)

	// Only the first increment stamps the expiry.
	_, err = s.Increment(ctx, "counter", 1, time.Hour)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = s.Get(ctx, "counter")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRedis_Get(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "counter", 7, time.Minute)
	require.NoError(t, err)

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got)
}

func TestRedis_GetMissing(t *testing.T) {
	s, _ := newTestRedis(t)

	_, err := s.Get(context.Background(), "never-written")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestRedis_Delete(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "counter"))

	_, err = s.Get(ctx, "counter")
	assert.True(t, IsNotFound(err))
}

func TestRedis_PrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisWithClient(client, "a:")
	b := NewRedisWithClient(client, "b:")
	ctx := context.Background()

	_, err := a.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)

	_, err = b.Get(ctx, "counter")
	assert.True(t, IsNotFound(err))

	assert.True(t, mr.Exists("a:counter"))
	assert.False(t, mr.Exists("b:counter"))
}

func TestRedis_ContextCancelled(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Increment(ctx, "counter", 1, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Get(ctx, "counter")
	assert.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, s.Delete(ctx, "counter"), context.Canceled)
}

func TestNewRedis_Unreachable(t *testing.T) {
	_, err := NewRedis(RedisOptions{
		Addr:    "localhost:1",
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestNewRedis_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedis(RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Increment(context.Background(), "counter", 1, time.Minute)
	require.NoError(t, err)
}
