package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/router"
)

func proxyTestRoute(t *testing.T, path, upstream string, mutate ...func(*config.RouteConfig)) *router.Route {
	t.Helper()

	rc := &config.RouteConfig{
		ID:          "properties",
		Path:        path,
		Method:      "GET",
		UpstreamURL: upstream,
		AuthType:    config.AuthTypeNone,
		TimeoutMs:   2000,
		Enabled:     true,
	}
	for _, m := range mutate {
		m(rc)
	}

	route, err := router.Compile(rc)
	require.NoError(t, err)
	return route
}

func newTestForwarder(opts ...Option) *Forwarder {
	base := []Option{WithBackoff(time.Millisecond, 10*time.Millisecond)}
	return NewForwarder(append(base, opts...)...)
}

func TestForwarder_ForwardsRequest(t *testing.T) {
	t.Parallel()

	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"id":"prop-1"}]`))
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL)
	f := newTestForwarder()

	req := httptest.NewRequest("GET", "http://gw.rentora.io/api/properties/123?fields=rent", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("X-Client-ID", "tenant-42")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Via", "1.1 edge")
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Te", "trailers")

	resp, err := f.Forward(req.Context(), route, req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte(`[{"id":"prop-1"}]`), resp.Body)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	// Hop-by-hop headers never cross the proxy, in either direction.
	assert.Empty(t, resp.Header.Get("Keep-Alive"))
	assert.Empty(t, seen.Header.Get("Te"))
	assert.Empty(t, seen.Header.Get("Connection"))

	assert.Equal(t, "/123", seen.URL.Path)
	assert.Equal(t, "fields=rent", seen.URL.RawQuery)
	assert.Equal(t, "req-42", seen.Header.Get("X-Request-ID"))
	assert.Equal(t, "tenant-42", seen.Header.Get("X-Client-ID"))
	assert.Equal(t, "Bearer token", seen.Header.Get("Authorization"))
	assert.Equal(t, "192.0.2.1", seen.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", seen.Header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "gw.rentora.io", seen.Header.Get("X-Forwarded-Host"))
	assert.Equal(t, "1.1 edge, 1.1 rentora-apigw", seen.Header.Get("Via"))
	assert.Equal(t, "1.1 rentora-apigw", resp.Header.Get("Via"))
}

func TestForwarder_AppendsToForwardedFor(t *testing.T) {
	t.Parallel()

	var forwardedFor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedFor = r.Header.Get("X-Forwarded-For")
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL)
	f := newTestForwarder()

	req := httptest.NewRequest("GET", "/api/properties", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.9")

	_, err := f.Forward(req.Context(), route, req)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.9, 192.0.2.1", forwardedFor)
}

func TestUpstreamURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		upstream string
		target   string
		want     string
	}{
		{
			name:     "wildcard appends remainder",
			path:     "/api/properties/*",
			upstream: "http://properties.internal:8080",
			target:   "/api/properties/123/units",
			want:     "http://properties.internal:8080/123/units",
		},
		{
			name:     "wildcard with upstream path",
			path:     "/api/properties/*",
			upstream: "http://properties.internal:8080/v2",
			target:   "/api/properties/123",
			want:     "http://properties.internal:8080/v2/123",
		},
		{
			name:     "wildcard bare prefix",
			path:     "/api/properties/*",
			upstream: "http://properties.internal:8080",
			target:   "/api/properties",
			want:     "http://properties.internal:8080/",
		},
		{
			name:     "exact forwards upstream path",
			path:     "/api/leases",
			upstream: "http://leases.internal:8080/internal/leases",
			target:   "/api/leases",
			want:     "http://leases.internal:8080/internal/leases",
		},
		{
			name:     "exact without upstream path",
			path:     "/api/leases",
			upstream: "http://leases.internal:8080",
			target:   "/api/leases",
			want:     "http://leases.internal:8080/",
		},
		{
			name:     "query passes through",
			path:     "/api/properties/*",
			upstream: "http://properties.internal:8080",
			target:   "/api/properties/123?beds=2&city=austin",
			want:     "http://properties.internal:8080/123?beds=2&city=austin",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			route := proxyTestRoute(t, tt.path, tt.upstream)
			req := httptest.NewRequest("GET", tt.target, nil)

			assert.Equal(t, tt.want, UpstreamURL(route, req).String())
		})
	}
}

func TestForwarder_RetriesOn503(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered"))
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL, func(rc *config.RouteConfig) {
		rc.RetryCount = 3
	})
	f := newTestForwarder()

	req := httptest.NewRequest("GET", "/api/properties", nil)
	resp, err := f.Forward(req.Context(), route, req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, []byte("recovered"), resp.Body)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestForwarder_ReturnsFinalResponseWhenRetriesExhausted(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("maintenance window"))
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL, func(rc *config.RouteConfig) {
		rc.RetryCount = 1
	})
	f := newTestForwarder()

	req := httptest.NewRequest("GET", "/api/properties", nil)
	resp, err := f.Forward(req.Context(), route, req)
	require.NoError(t, err)

	// The upstream's own answer is forwarded rather than synthesized.
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, []byte("maintenance window"), resp.Body)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestForwarder_UnreachableUpstream(t *testing.T) {
	t.Parallel()

	// Grab a port that nothing listens on.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	route := proxyTestRoute(t, "/api/properties/*", "http://"+addr, func(rc *config.RouteConfig) {
		rc.RetryCount = 2
	})
	f := newTestForwarder()

	req := httptest.NewRequest("GET", "/api/properties", nil)
	_, err = f.Forward(req.Context(), route, req)

	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsProxyError(err))
	assert.False(t, IsTimeout(err))
}

func TestForwarder_TimeoutClassification(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL, func(rc *config.RouteConfig) {
		rc.TimeoutMs = 50
	})
	f := newTestForwarder()

	req := httptest.NewRequest("GET", "/api/properties", nil)
	_, err := f.Forward(req.Context(), route, req)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, IsUnavailable(err))
}

func TestForwarder_ReplaysBodyOnRetry(t *testing.T) {
	t.Parallel()

	var bodies []string
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/applications/*", srv.URL, func(rc *config.RouteConfig) {
		rc.Method = "POST"
		rc.RetryCount = 1
	})
	f := newTestForwarder()

	req := httptest.NewRequest("POST", "/api/applications", strings.NewReader(`{"tenant":"tenant-42"}`))
	resp, err := f.Forward(req.Context(), route, req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	// Each attempt saw the complete body.
	assert.Equal(t, []string{`{"tenant":"tenant-42"}`, `{"tenant":"tenant-42"}`}, bodies)
}

func TestForwarder_TransportErrorRetryByMethod(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		method       string
		wantAttempts int32
	}{
		// The connection dies after the body went out: idempotent
		// methods try again, POST must not.
		{name: "put retries", method: "PUT", wantAttempts: 3},
		{name: "post does not retry", method: "POST", wantAttempts: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				_, _ = io.ReadAll(r.Body)
				hj, ok := w.(http.Hijacker)
				require.True(t, ok)
				conn, _, err := hj.Hijack()
				require.NoError(t, err)
				_ = conn.Close()
			}))
			t.Cleanup(srv.Close)

			route := proxyTestRoute(t, "/api/applications/*", srv.URL, func(rc *config.RouteConfig) {
				rc.Method = tt.method
				rc.RetryCount = 2
			})
			f := newTestForwarder()

			req := httptest.NewRequest(tt.method, "/api/applications", strings.NewReader(`{"v":1}`))
			_, err := f.Forward(req.Context(), route, req)

			require.Error(t, err)
			assert.True(t, IsUnavailable(err))
			assert.Equal(t, tt.wantAttempts, attempts.Load())
		})
	}
}

func TestForwarder_DeadlineBoundsRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL, func(rc *config.RouteConfig) {
		rc.TimeoutMs = 120
		rc.RetryCount = 50
	})
	f := NewForwarder(WithBackoff(60*time.Millisecond, time.Second))

	start := time.Now()
	req := httptest.NewRequest("GET", "/api/properties", nil)
	resp, err := f.Forward(req.Context(), route, req)
	elapsed := time.Since(start)

	// Retrying stops before the deadline and the upstream's last
	// answer is returned.
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Less(t, attempts.Load(), int32(5))
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestForwarder_BodyTooLarge(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the upstream")
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/applications/*", srv.URL, func(rc *config.RouteConfig) {
		rc.Method = "POST"
	})
	f := newTestForwarder(WithMaxRequestBody(16))

	req := httptest.NewRequest("POST", "/api/applications", strings.NewReader(strings.Repeat("x", 17)))
	_, err := f.Forward(req.Context(), route, req)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.True(t, IsProxyError(err))
}

func TestForwarder_HEADRequest(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "HEAD", r.Method)
		w.Header().Set("Content-Length", "128")
	}))
	t.Cleanup(srv.Close)

	route := proxyTestRoute(t, "/api/properties/*", srv.URL)
	f := newTestForwarder()

	req := httptest.NewRequest("HEAD", "/api/properties", nil)
	resp, err := f.Forward(req.Context(), route, req)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	for status, want := range map[int]bool{
		200: false, 201: false, 400: false, 404: false, 500: false,
		502: true, 503: true, 504: true,
	} {
		assert.Equal(t, want, retryableStatus(status), "status %d", status)
	}
}
