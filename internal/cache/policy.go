package cache

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/router"
)

const defaultMaxBodyBytes = 1 << 20

// ResponseCache applies the caching policy in front of a backing
// store: only GET requests on routes with a cache TTL are looked up,
// and only 200 responses within the body size cap are stored.
type ResponseCache struct {
	backing      Cache
	maxBodyBytes int
	logger       observability.Logger
}

// NewResponseCache wraps a backing store with the caching policy.
// maxBodyBytes caps the stored response body size; zero applies the
// 1 MiB default.
func NewResponseCache(backing Cache, maxBodyBytes int, logger observability.Logger) *ResponseCache {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &ResponseCache{
		backing:      backing,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}
}

// Cacheable reports whether requests on this route go through the
// cache at all.
func (rc *ResponseCache) Cacheable(route *router.Route, r *http.Request) bool {
	return route != nil && route.CacheTTL > 0 && r.Method == http.MethodGet
}

// Lookup returns the cached response for the request, if any. Store
// errors degrade to a miss; a failing cache never fails the request.
func (rc *ResponseCache) Lookup(ctx context.Context, route *router.Route, r *http.Request) (*Entry, bool) {
	if !rc.Cacheable(route, r) {
		return nil, false
	}

	entry, err := rc.backing.Get(ctx, Key(route.ID, r))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			rc.logger.Warn("cache lookup failed",
				observability.String("route", route.ID),
				observability.Error(err))
		}
		return nil, false
	}

	return entry.clone(), true
}

// Store caches an upstream response when the policy admits it. The
// cache takes ownership of the entry; callers must not modify it
// afterwards.
func (rc *ResponseCache) Store(ctx context.Context, route *router.Route, r *http.Request, entry *Entry) {
	if !rc.Cacheable(route, r) || entry == nil {
		return
	}
	if entry.Status != http.StatusOK {
		return
	}
	if len(entry.Body) > rc.maxBodyBytes {
		rc.logger.Debug("response too large to cache",
			observability.String("route", route.ID),
			observability.Int("size", len(entry.Body)))
		return
	}

	entry.StoredAt = time.Now()
	entry.TTL = route.CacheTTL

	if err := rc.backing.Set(ctx, Key(route.ID, r), entry, route.CacheTTL); err != nil {
		rc.logger.Warn("cache store failed",
			observability.String("route", route.ID),
			observability.Error(err))
	}
}

// Invalidate drops the cached response for the request, if any.
func (rc *ResponseCache) Invalidate(ctx context.Context, route *router.Route, r *http.Request) {
	if route == nil {
		return
	}
	if err := rc.backing.Delete(ctx, Key(route.ID, r)); err != nil {
		rc.logger.Warn("cache invalidate failed",
			observability.String("route", route.ID),
			observability.Error(err))
	}
}

// Stats returns the backing store counters.
func (rc *ResponseCache) Stats() Stats {
	return rc.backing.Stats()
}

// Close releases the backing store.
func (rc *ResponseCache) Close() error {
	return rc.backing.Close()
}
