// Package store provides counter storage backends for rate limiting.
package store

import (
	"context"
	"time"
)

// Store is a shared counter store. Counters expire so abandoned
// windows do not accumulate.
type Store interface {
	// Increment adds delta to the counter and returns the new value.
	// The expiry is applied when the increment creates the counter.
	Increment(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error)

	// Get returns the counter value.
	Get(ctx context.Context, key string) (int64, error)

	// Delete removes the counter.
	Delete(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}

// NotFoundError is returned when a counter does not exist.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return "counter not found: " + e.Key
}

// IsNotFound reports whether the error is a missing-counter error.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
