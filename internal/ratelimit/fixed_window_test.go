package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/apigw/internal/ratelimit/store"
)

func newTestLimiter(t *testing.T) (*FixedWindow, *store.Memory) {
	t.Helper()

	s := store.NewMemory(store.WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = s.Close() })
	return NewFixedWindow(s), s
}

func TestFixedWindow_SequentialChecks(t *testing.T) {
	t.Parallel()

	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := Limits{PerMinute: 5}

	for i := 0; i < 5; i++ {
		result, err := limiter.Check(ctx, "tenant-42", limits)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, WindowMinute, result.Window)
		assert.Equal(t, 5, result.Limit)
		assert.Equal(t, 5-i-1, result.Remaining)
	}

	result, err := limiter.Check(ctx, "tenant-42", limits)
	require.NoError(t, err)
	assert.False(t, result.Allowed, "6th request should be denied")
	assert.Equal(t, 0, result.Remaining)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, result.RetryAfter, time.Minute)
	assert.WithinDuration(t, time.Now().Add(result.RetryAfter), result.ResetAt, 50*time.Millisecond)
}

func TestFixedWindow_DeniedChecksStillCount(t *testing.T) {
	t.Parallel()

	limiter, s := newTestLimiter(t)
	ctx := context.Background()
	limits := Limits{PerHour: 2}

	// 2 allowed, then 3 denied. Every check lands in the counter.
	for i := 0; i < 5; i++ {
		_, err := limiter.Check(ctx, "tenant-42", limits)
		require.NoError(t, err)
	}

	start := windowStart(time.Now(), time.Hour)
	count, err := s.Get(ctx, counterKey("tenant-42", WindowHour, start))
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestFixedWindow_DenyIfAnyWindowExceeded(t *testing.T) {
	t.Parallel()

	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := Limits{Burst: 2, PerHour: 100}

	for i := 0; i < 2; i++ {
		result, err := limiter.Check(ctx, "tenant-42", limits)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	// The hour window has plenty of budget; the burst window denies.
	result, err := limiter.Check(ctx, "tenant-42", limits)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, WindowBurst, result.Window)
	assert.Equal(t, 2, result.Limit)
	assert.LessOrEqual(t, result.RetryAfter, burstWindow)
}

func TestFixedWindow_TightestWindowReported(t *testing.T) {
	t.Parallel()

	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := Limits{PerHour: 3, PerDay: 100}

	result, err := limiter.Check(ctx, "tenant-42", limits)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, WindowHour, result.Window)
	assert.Equal(t, 3, result.Limit)
	assert.Equal(t, 2, result.Remaining)
}

func TestFixedWindow_IndependentKeys(t *testing.T) {
	t.Parallel()

	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := Limits{PerHour: 1}

	result, err := limiter.Check(ctx, RouteKey("properties", "tenant-42"), limits)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Check(ctx, RouteKey("properties", "tenant-42"), limits)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// A different client and a different route are unaffected.
	result, err = limiter.Check(ctx, RouteKey("properties", "tenant-7"), limits)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = limiter.Check(ctx, RouteKey("leases", "tenant-42"), limits)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindow_NoLimits(t *testing.T) {
	t.Parallel()

	// The store always fails; no limits means it is never consulted.
	limiter := NewFixedWindow(&failingStore{err: errors.New("down")})

	result, err := limiter.Check(context.Background(), "tenant-42", Limits{})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindow_StoreErrorPropagates(t *testing.T) {
	t.Parallel()

	storeErr := errors.New("connection refused")
	limiter := NewFixedWindow(&failingStore{err: storeErr})

	_, err := limiter.Check(context.Background(), "tenant-42", Limits{PerMinute: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
}

func TestFixedWindow_Reset(t *testing.T) {
	t.Parallel()

	limiter, _ := newTestLimiter(t)
	ctx := context.Background()
	limits := Limits{PerHour: 1}

	_, err := limiter.Check(ctx, "tenant-42", limits)
	require.NoError(t, err)

	result, err := limiter.Check(ctx, "tenant-42", limits)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	require.NoError(t, limiter.Reset(ctx, "tenant-42", limits))

	result, err = limiter.Check(ctx, "tenant-42", limits)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestFixedWindow_ConcurrentChecks(t *testing.T) {
	t.Parallel()

	limiter, _ := newTestLimiter(t)
	limits := Limits{PerHour: 50}

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				result, err := limiter.Check(context.Background(), "tenant-42", limits)
				if !assert.NoError(t, err) {
					return
				}
				if result.Allowed {
					allowed.Add(1)
				} else {
					denied.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
	assert.Equal(t, int64(50), denied.Load())
}

func TestLimits_Enabled(t *testing.T) {
	t.Parallel()

	assert.False(t, Limits{}.Enabled())
	assert.True(t, Limits{Burst: 1}.Enabled())
	assert.True(t, Limits{PerMinute: 10}.Enabled())
	assert.True(t, Limits{PerHour: 100}.Enabled())
	assert.True(t, Limits{PerDay: 1000}.Enabled())
}

func TestLimits_Windows(t *testing.T) {
	t.Parallel()

	windows := Limits{Burst: 5, PerMinute: 60, PerDay: 5000}.windows()
	require.Len(t, windows, 3)
	assert.Equal(t, WindowBurst, windows[0].name)
	assert.Equal(t, burstWindow, windows[0].size)
	assert.Equal(t, WindowMinute, windows[1].name)
	assert.Equal(t, WindowDay, windows[2].name)
	assert.Equal(t, 5000, windows[2].limit)
}

func TestWindowStart_Alignment(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 15, 9, 26, 535000000, time.UTC)

	start := windowStart(at, time.Minute)
	assert.Equal(t, 0, start.Second())
	assert.Equal(t, 0, start.Nanosecond())
	assert.False(t, start.After(at))
	assert.True(t, at.Sub(start) < time.Minute)

	// Two instants in the same minute share a window.
	other := windowStart(at.Add(20*time.Second), time.Minute)
	assert.Equal(t, start, other)
}

func TestNoopLimiter(t *testing.T) {
	t.Parallel()

	limiter := NewNoopLimiter()

	for i := 0; i < 100; i++ {
		result, err := limiter.Check(context.Background(), "tenant-42", Limits{PerMinute: 1})
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	assert.NoError(t, limiter.Reset(context.Background(), "tenant-42", Limits{}))
}

func TestFailOpenLimiter(t *testing.T) {
	t.Parallel()

	limiter := NewFailOpen(NewFixedWindow(&failingStore{err: errors.New("down")}), nil)

	result, err := limiter.Check(context.Background(), "tenant-42", Limits{PerMinute: 5})
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.True(t, result.FailedOpen)
}

func TestFailOpenLimiter_PassesThroughVerdicts(t *testing.T) {
	t.Parallel()

	inner, _ := newTestLimiter(t)
	limiter := NewFailOpen(inner, nil)
	limits := Limits{PerHour: 1}

	result, err := limiter.Check(context.Background(), "tenant-42", limits)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.False(t, result.FailedOpen)

	result, err = limiter.Check(context.Background(), "tenant-42", limits)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.False(t, result.FailedOpen)
}

// failingStore errors on every operation.
type failingStore struct {
	err error
}

func (s *failingStore) Increment(_ context.Context, _ string, _ int64, _ time.Duration) (int64, error) {
	return 0, s.err
}

func (s *failingStore) Get(_ context.Context, _ string) (int64, error) {
	return 0, s.err
}

func (s *failingStore) Delete(_ context.Context, _ string) error {
	return s.err
}

func (s *failingStore) Close() error {
	return nil
}
