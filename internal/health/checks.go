package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCheck probes a redis backend with PING.
func RedisCheck(client redis.UniversalClient) CheckFunc {
	return func(ctx context.Context) Check {
		if client == nil {
			return Check{Status: StatusUnhealthy, Message: "redis client is nil"}
		}
		if err := client.Ping(ctx).Err(); err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("redis ping failed: %v", err)}
		}
		return Check{Status: StatusHealthy}
	}
}

// UpstreamCheck probes an HTTP endpoint and expects a 2xx response. A
// 5xx response reports unhealthy; any other status reports degraded.
func UpstreamCheck(url string, client *http.Client) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) Check {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("build request: %v", err)}
		}

		resp, err := client.Do(req)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("connect: %v", err)}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return Check{Status: StatusHealthy}
		case resp.StatusCode >= 500:
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("status %d", resp.StatusCode)}
		default:
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
	}
}

// TCPCheck probes a TCP address.
func TCPCheck(address string) CheckFunc {
	return func(ctx context.Context) Check {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return Check{Status: StatusUnhealthy, Message: fmt.Sprintf("dial %s: %v", address, err)}
		}
		_ = conn.Close()
		return Check{Status: StatusHealthy}
	}
}

// CachedCheck reuses a probe result for ttl. Orchestrators poll
// readiness frequently; caching keeps expensive probes from running on
// every poll.
func CachedCheck(fn CheckFunc, ttl time.Duration) CheckFunc {
	var (
		mu     sync.Mutex
		last   time.Time
		cached Check
	)
	return func(ctx context.Context) Check {
		mu.Lock()
		defer mu.Unlock()

		if !last.IsZero() && time.Since(last) < ttl {
			return cached
		}
		cached = fn(ctx)
		last = time.Now()
		return cached
	}
}
