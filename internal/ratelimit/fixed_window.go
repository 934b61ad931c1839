package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/ratelimit/store"
)

// FixedWindow counts requests in clock-aligned fixed windows. Every
// check increments every active window exactly once, denied requests
// included, so probing a saturated route keeps consuming budget.
type FixedWindow struct {
	store  store.Store
	logger observability.Logger
}

// FixedWindowOption configures the limiter.
type FixedWindowOption func(*FixedWindow)

// WithLogger sets the limiter logger.
func WithLogger(logger observability.Logger) FixedWindowOption {
	return func(l *FixedWindow) {
		l.logger = logger
	}
}

// NewFixedWindow creates a fixed window limiter over the given store.
func NewFixedWindow(s store.Store, opts ...FixedWindowOption) *FixedWindow {
	l := &FixedWindow{
		store:  s,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// windowStart aligns t down to the window boundary.
func windowStart(t time.Time, size time.Duration) time.Time {
	nanos := size.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/nanos)*nanos)
}

// counterKey is the store key for one window of one client.
func counterKey(key, name string, start time.Time) string {
	return fmt.Sprintf("%s:%s:%d", key, name, start.Unix())
}

// Check implements Limiter.
func (l *FixedWindow) Check(ctx context.Context, key string, limits Limits) (*Result, error) {
	windows := limits.windows()
	if len(windows) == 0 {
		return &Result{Allowed: true}, nil
	}

	now := time.Now()

	// Count against every window first, then judge. Splitting the two
	// phases is what makes the increment unconditional: a denial in
	// one window must not skip counting in the others.
	counts := make([]int64, len(windows))
	for i, w := range windows {
		start := windowStart(now, w.size)

		// The expiry outlives the window by a second so a counter
		// read racing the rollover still sees the old window.
		count, err := l.store.Increment(ctx, counterKey(key, w.name, start), 1, w.size+time.Second)
		if err != nil {
			return nil, fmt.Errorf("window %s: %w", w.name, err)
		}
		counts[i] = count
	}

	result := &Result{Allowed: true}
	minRemaining := -1

	for i, w := range windows {
		resetAt := windowStart(now, w.size).Add(w.size)

		remaining := w.limit - int(counts[i])
		if remaining < 0 {
			remaining = 0
		}
		if minRemaining < 0 || remaining < minRemaining {
			minRemaining = remaining
			if result.Allowed {
				result.Window = w.name
				result.Limit = w.limit
				result.ResetAt = resetAt
			}
		}

		if int(counts[i]) > w.limit {
			// Denied. Among denying windows the one that resets last
			// governs the retry hint.
			if result.Allowed || resetAt.After(result.ResetAt) {
				result.Window = w.name
				result.Limit = w.limit
				result.ResetAt = resetAt
			}
			result.Allowed = false
		}
	}

	result.Remaining = minRemaining
	if !result.Allowed {
		result.RetryAfter = result.ResetAt.Sub(now)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		l.logger.Debug("rate limit exceeded",
			observability.String("key", key),
			observability.String("window", result.Window),
			observability.Int("limit", result.Limit),
		)
	}

	return result, nil
}

// Reset implements Limiter.
func (l *FixedWindow) Reset(ctx context.Context, key string, limits Limits) error {
	now := time.Now()
	for _, w := range limits.windows() {
		start := windowStart(now, w.size)
		if err := l.store.Delete(ctx, counterKey(key, w.name, start)); err != nil {
			return fmt.Errorf("window %s: %w", w.name, err)
		}
	}
	return nil
}
