package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/apigw/internal/circuitbreaker"
	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/metrics"
	"github.com/rentora/apigw/internal/observability"
)

func newTestServer(t *testing.T, cfg *config.ServerConfig, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()

	if cfg == nil {
		cfg = &config.ServerConfig{Host: "127.0.0.1", Port: 0}
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "upstream ok")
	}))
	t.Cleanup(upstream.Close)

	table := newTestTable(t, config.RouteConfig{
		ID:          "properties",
		Path:        "/api/properties/*",
		Method:      "GET",
		UpstreamURL: upstream.URL,
		Enabled:     true,
	})

	srv := NewServer(cfg, NewManager(table), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestServer_PipelineCatchAll(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/properties/42")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Gateway"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_UnknownPathReachesPipeline(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/definitely/not/routed")
	require.NoError(t, err)
	defer resp.Body.Close()

	// The pipeline, not gin, produces the 404 envelope.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "route not found", envelope.Message)
	assert.NotEmpty(t, envelope.RequestID)
}

func TestServer_AdminRoutes(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(upstream.Close)

	table := newTestTable(t, config.RouteConfig{
		ID:          "properties",
		Path:        "/api/properties/*",
		Method:      "GET",
		UpstreamURL: upstream.URL,
		Enabled:     true,
	})
	collector := metrics.NewCollector()
	t.Cleanup(collector.Close)
	breakers := circuitbreaker.NewRegistry(nil, observability.NopLogger())
	breakers.GetOrCreate("billing:8080")

	srv := NewServer(&config.ServerConfig{Host: "127.0.0.1"}, NewManager(table),
		WithAdmin(table, collector, breakers),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	t.Run("routes", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/admin/routes")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Count  int         `json:"count"`
			Routes []routeView `json:"routes"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "properties", body.Routes[0].ID)
		assert.Equal(t, "/api/properties/*", body.Routes[0].Path)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/admin/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var snap metrics.Snapshot
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	})

	t.Run("breakers", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/admin/breakers")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Count    int                    `json:"count"`
			Breakers map[string]breakerView `json:"breakers"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "closed", body.Breakers["billing:8080"].State)
	})
}

func TestServer_AdminUnavailableWithoutWiring(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	for _, path := range []string{"/admin/routes", "/admin/stats", "/admin/breakers"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}

func TestServer_GuardShedsExcessTraffic(t *testing.T) {
	t.Parallel()

	cfg := &config.ServerConfig{
		Host:  "127.0.0.1",
		Guard: config.GuardConfig{RatePerSecond: 1, Burst: 1},
	}
	_, ts := newTestServer(t, cfg)

	client := ts.Client()
	sheds := 0
	for i := 0; i < 5; i++ {
		resp, err := client.Get(ts.URL + "/api/properties/1")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			sheds++
		}
		_ = resp.Body.Close()
	}
	assert.Greater(t, sheds, 0)
}

func TestServer_StartStop(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &config.ServerConfig{Host: "127.0.0.1", Port: 0})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	require.Eventually(t, srv.IsRunning, time.Second, 10*time.Millisecond)
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, <-errCh)
	assert.False(t, srv.IsRunning())

	// Stopping an already stopped server is a no-op.
	require.NoError(t, srv.Stop(ctx))
}

func TestServer_DoubleStartFails(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, &config.ServerConfig{Host: "127.0.0.1", Port: 0})

	go func() {
		_ = srv.Start()
	}()
	require.Eventually(t, srv.IsRunning, time.Second, 10*time.Millisecond)

	err := srv.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
