// Package ratelimit enforces per-client request limits over fixed
// time windows backed by a pluggable counter store.
package ratelimit

import (
	"context"
	"time"

	"github.com/rentora/apigw/internal/observability"
)

// Window names reported in results and response headers.
const (
	WindowBurst  = "burst"
	WindowMinute = "minute"
	WindowHour   = "hour"
	WindowDay    = "day"
)

// burstWindow is the length of the burst window.
const burstWindow = time.Second

// Limits holds the per-window request budgets for one route. A zero
// budget disables that window.
type Limits struct {
	Burst     int
	PerMinute int
	PerHour   int
	PerDay    int
}

// Enabled reports whether any window has a budget.
func (l Limits) Enabled() bool {
	return l.Burst > 0 || l.PerMinute > 0 || l.PerHour > 0 || l.PerDay > 0
}

// window is one active fixed window.
type window struct {
	name  string
	size  time.Duration
	limit int
}

// windows expands the limits into the active windows, shortest first.
func (l Limits) windows() []window {
	active := make([]window, 0, 4)
	if l.Burst > 0 {
		active = append(active, window{name: WindowBurst, size: burstWindow, limit: l.Burst})
	}
	if l.PerMinute > 0 {
		active = append(active, window{name: WindowMinute, size: time.Minute, limit: l.PerMinute})
	}
	if l.PerHour > 0 {
		active = append(active, window{name: WindowHour, size: time.Hour, limit: l.PerHour})
	}
	if l.PerDay > 0 {
		active = append(active, window{name: WindowDay, size: 24 * time.Hour, limit: l.PerDay})
	}
	return active
}

// Result is the outcome of one rate limit check.
type Result struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool

	// Window names the window that produced the verdict: the denying
	// window, or the tightest one when allowed.
	Window string

	// Limit is that window's request budget.
	Limit int

	// Remaining is the smallest remaining budget across all windows.
	Remaining int

	// ResetAt is when the verdict window rolls over.
	ResetAt time.Time

	// RetryAfter is how long to wait before retrying. Zero when
	// allowed.
	RetryAfter time.Duration

	// FailedOpen marks a verdict produced by a store failure rather
	// than by counting.
	FailedOpen bool
}

// Limiter checks requests against per-window budgets.
type Limiter interface {
	// Check counts the request against every active window and
	// reports whether it is allowed. The request is counted exactly
	// once per window even when denied.
	Check(ctx context.Context, key string, limits Limits) (*Result, error)

	// Reset clears the current counters for the key.
	Reset(ctx context.Context, key string, limits Limits) error
}

// NoopLimiter allows every request. It backs routes without limits
// configured.
type NoopLimiter struct{}

// NewNoopLimiter creates a limiter that always allows.
func NewNoopLimiter() *NoopLimiter {
	return &NoopLimiter{}
}

// Check implements Limiter.
func (l *NoopLimiter) Check(_ context.Context, _ string, _ Limits) (*Result, error) {
	return &Result{Allowed: true}, nil
}

// Reset implements Limiter.
func (l *NoopLimiter) Reset(_ context.Context, _ string, _ Limits) error {
	return nil
}

// FailOpenLimiter wraps a limiter so a counter store outage degrades
// to allowing traffic instead of refusing it. Store failures surface
// as FailedOpen results, never as errors.
type FailOpenLimiter struct {
	next   Limiter
	logger observability.Logger
}

// NewFailOpen wraps a limiter with fail-open behavior.
func NewFailOpen(next Limiter, logger observability.Logger) *FailOpenLimiter {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &FailOpenLimiter{next: next, logger: logger}
}

// Check implements Limiter.
func (l *FailOpenLimiter) Check(ctx context.Context, key string, limits Limits) (*Result, error) {
	result, err := l.next.Check(ctx, key, limits)
	if err != nil {
		l.logger.Warn("rate limit check failed, allowing request",
			observability.String("key", key),
			observability.Error(err),
		)
		return &Result{Allowed: true, FailedOpen: true}, nil
	}
	return result, nil
}

// Reset implements Limiter.
func (l *FailOpenLimiter) Reset(ctx context.Context, key string, limits Limits) error {
	return l.next.Reset(ctx, key, limits)
}
