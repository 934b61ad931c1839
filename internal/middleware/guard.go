package middleware

import (
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/ratelimit"
)

// Guard bucket housekeeping.
const (
	// defaultClientTTL is how long an idle client keeps its bucket.
	defaultClientTTL = 10 * time.Minute

	minCleanupInterval = 10 * time.Second
	maxCleanupInterval = time.Minute
)

// clientBucket pairs a client's token bucket with its last use, so
// idle buckets can be dropped.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter is the inbound guard's per-client token bucket
// set. It protects the whole server; the per-route budgets inside the
// pipeline are a separate concern.
type ClientRateLimiter struct {
	rps       float64
	burst     int
	logger    observability.Logger
	clientTTL time.Duration

	mu      sync.Mutex
	clients map[string]*clientBucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ClientRateLimiterOption configures the limiter.
type ClientRateLimiterOption func(*ClientRateLimiter)

// WithGuardLogger sets the limiter logger.
func WithGuardLogger(logger observability.Logger) ClientRateLimiterOption {
	return func(rl *ClientRateLimiter) {
		rl.logger = logger
	}
}

// WithClientTTL overrides how long idle client buckets are kept.
func WithClientTTL(ttl time.Duration) ClientRateLimiterOption {
	return func(rl *ClientRateLimiter) {
		rl.clientTTL = ttl
	}
}

// NewClientRateLimiter creates the per-client limiter and starts its
// cleanup loop. Call Stop during shutdown.
func NewClientRateLimiter(rps float64, burst int, opts ...ClientRateLimiterOption) *ClientRateLimiter {
	if burst < 1 {
		burst = 1
	}

	rl := &ClientRateLimiter{
		rps:       rps,
		burst:     burst,
		logger:    observability.NopLogger(),
		clientTTL: defaultClientTTL,
		clients:   make(map[string]*clientBucket),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}

	go rl.cleanupLoop()
	return rl
}

// Allow takes one token from the client's bucket.
func (rl *ClientRateLimiter) Allow(client string) bool {
	now := time.Now()

	// Lookup and lastSeen update share one critical section; Allow on
	// the bucket itself is safe outside it.
	rl.mu.Lock()
	bucket, ok := rl.clients[client]
	if !ok {
		bucket = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		}
		rl.clients[client] = bucket
	}
	bucket.lastSeen = now
	limiter := bucket.limiter
	rl.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked clients.
func (rl *ClientRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the cleanup loop.
func (rl *ClientRateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		close(rl.stopCh)
	})
}

func (rl *ClientRateLimiter) cleanupLoop() {
	interval := rl.clientTTL / 2
	if interval > maxCleanupInterval {
		interval = maxCleanupInterval
	}
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *ClientRateLimiter) evictIdle() {
	cutoff := time.Now().Add(-rl.clientTTL)

	rl.mu.Lock()
	removed := 0
	for client, bucket := range rl.clients {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.clients, client)
			removed++
		}
	}
	remaining := len(rl.clients)
	rl.mu.Unlock()

	if removed > 0 {
		rl.logger.Debug("evicted idle guard buckets",
			observability.Int("removed", removed),
			observability.Int("remaining", remaining),
		)
	}
}

// Guard rejects clients that exceed the server-wide per-client rate.
// It sits ahead of the pipeline so abusive clients are shed before any
// route work happens.
func Guard(rl *ClientRateLimiter) Func {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := ratelimit.ClientIP(r)
			if !rl.Allow(client) {
				rl.logger.Warn("guard rejected client",
					observability.String("client_ip", client),
					observability.String("path", r.URL.Path),
				)
				recordGuardRejection("rate")

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.Header().Set(HeaderRetryAfter, "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = io.WriteString(w, bodyRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GuardFromConfig builds the guard middleware from server
// configuration. A zero rate disables it. The returned limiter is for
// lifecycle management; callers stop it during shutdown.
func GuardFromConfig(cfg *config.GuardConfig, logger observability.Logger) (Func, *ClientRateLimiter) {
	if cfg == nil || cfg.RatePerSecond <= 0 {
		return func(next http.Handler) http.Handler {
			return next
		}, nil
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	rl := NewClientRateLimiter(cfg.RatePerSecond, cfg.Burst, WithGuardLogger(logger))
	return Guard(rl), rl
}
