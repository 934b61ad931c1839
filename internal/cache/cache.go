// Package cache stores upstream responses keyed by request shape so
// repeated GETs can be answered without a round trip. The Cache
// interface is the backing store; ResponseCache layers the caching
// policy (which requests and which responses qualify) on top of it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

var (
	// ErrCacheMiss indicates the key was not found or has expired.
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidConfig indicates the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// Entry is a cached upstream response. Entries are immutable once
// stored; callers must not modify Header or Body on an entry returned
// from a lookup.
type Entry struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`

	// TTL is the lifetime the entry was stored with.
	TTL time.Duration `json:"ttl"`
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// clone returns a copy whose header map is safe for the caller to
// mutate. The body is shared and must be treated as read-only.
func (e *Entry) clone() *Entry {
	return &Entry{
		Status:   e.Status,
		Header:   e.Header.Clone(),
		Body:     e.Body,
		StoredAt: e.StoredAt,
		TTL:      e.TTL,
	}
}

// Cache is a backing store for response entries.
type Cache interface {
	// Get retrieves an entry. Returns ErrCacheMiss when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores an entry under the key for the given lifetime.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes an entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Stats returns hit and miss counters for the store.
	Stats() Stats

	// Close releases the store's resources.
	Close() error
}

// Stats holds backing store counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
}

// HitRate returns the hit percentage over all lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// New creates the backing store selected by the configuration.
func New(cfg *config.CacheConfig, logger observability.Logger) (Cache, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Store {
	case config.StoreMemory, "":
		return newMemoryCache(cfg.MaxEntries, logger), nil
	case config.StoreRedis:
		return newRedisCache(&cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("%w: unknown store %q", ErrInvalidConfig, cfg.Store)
	}
}

const tracerName = "apigw/cache"
