package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/apigw/internal/observability"
)

func newTestChecker(opts ...CheckerOption) *Checker {
	return NewChecker("1.4.2", observability.NopLogger(), opts...)
}

func staticCheck(status Status) CheckFunc {
	return func(ctx context.Context) Check {
		return Check{Status: status}
	}
}

func TestChecker_Health(t *testing.T) {
	t.Parallel()

	checker := newTestChecker()
	resp := checker.Health()

	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.4.2", resp.Version)
	assert.NotEmpty(t, resp.Uptime)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestChecker_Readiness_NoChecks(t *testing.T) {
	t.Parallel()

	checker := newTestChecker()
	resp := checker.Readiness(context.Background())

	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestChecker_Readiness_Aggregation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		checks map[string]Status
		want   Status
	}{
		{
			name:   "all healthy",
			checks: map[string]Status{"redis": StatusHealthy, "properties": StatusHealthy},
			want:   StatusHealthy,
		},
		{
			name:   "degraded dependency degrades the gateway",
			checks: map[string]Status{"redis": StatusHealthy, "properties": StatusDegraded},
			want:   StatusDegraded,
		},
		{
			name:   "unhealthy wins over degraded",
			checks: map[string]Status{"redis": StatusDegraded, "properties": StatusUnhealthy},
			want:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			checker := newTestChecker()
			for name, status := range tt.checks {
				checker.RegisterCheck(name, staticCheck(status))
			}

			resp := checker.Readiness(context.Background())

			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
			for name, status := range tt.checks {
				assert.Equal(t, status, resp.Checks[name].Status)
			}
		})
	}
}

func TestChecker_Readiness_ProbesRunConcurrently(t *testing.T) {
	t.Parallel()

	slow := func(ctx context.Context) Check {
		time.Sleep(100 * time.Millisecond)
		return Check{Status: StatusHealthy}
	}

	checker := newTestChecker()
	checker.RegisterCheck("leases", slow)
	checker.RegisterCheck("properties", slow)
	checker.RegisterCheck("billing", slow)

	start := time.Now()
	resp := checker.Readiness(context.Background())

	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Less(t, time.Since(start), 250*time.Millisecond)
}

func TestChecker_Readiness_ProbeTimeout(t *testing.T) {
	t.Parallel()

	blocking := func(ctx context.Context) Check {
		<-ctx.Done()
		return Check{Status: StatusUnhealthy, Message: ctx.Err().Error()}
	}

	checker := newTestChecker(WithProbeTimeout(30 * time.Millisecond))
	checker.RegisterCheck("properties", blocking)

	start := time.Now()
	resp := checker.Readiness(context.Background())

	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestChecker_SetDraining(t *testing.T) {
	t.Parallel()

	checker := newTestChecker()
	assert.False(t, checker.IsDraining())

	checker.SetDraining(true)
	checker.SetDraining(true)
	assert.True(t, checker.IsDraining())

	checker.SetDraining(false)
	assert.False(t, checker.IsDraining())
}

func TestChecker_Readiness_DrainingSkipsProbes(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	checker := newTestChecker()
	checker.RegisterCheck("redis", func(ctx context.Context) Check {
		calls.Add(1)
		return Check{Status: StatusHealthy}
	})

	checker.SetDraining(true)
	resp := checker.Readiness(context.Background())

	assert.Equal(t, StatusDraining, resp.Status)
	assert.Empty(t, resp.Checks)
	assert.Zero(t, calls.Load())
}

func TestChecker_RegisterReplacesAndUnregisters(t *testing.T) {
	t.Parallel()

	checker := newTestChecker()

	checker.RegisterCheck("redis", staticCheck(StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, checker.Readiness(context.Background()).Status)

	checker.RegisterCheck("redis", staticCheck(StatusHealthy))
	assert.Equal(t, StatusHealthy, checker.Readiness(context.Background()).Status)

	checker.UnregisterCheck("redis")
	resp := checker.Readiness(context.Background())
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Empty(t, resp.Checks)
}

func TestChecker_HealthHandler(t *testing.T) {
	t.Parallel()

	checker := newTestChecker()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	checker.HealthHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, "1.4.2", resp.Version)
}

func TestChecker_ReadinessHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(c *Checker)
		wantCode   int
		wantStatus Status
	}{
		{
			name:       "ready",
			setup:      func(c *Checker) { c.RegisterCheck("redis", staticCheck(StatusHealthy)) },
			wantCode:   http.StatusOK,
			wantStatus: StatusHealthy,
		},
		{
			name:       "degraded still serves traffic",
			setup:      func(c *Checker) { c.RegisterCheck("redis", staticCheck(StatusDegraded)) },
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name:       "unhealthy dependency",
			setup:      func(c *Checker) { c.RegisterCheck("redis", staticCheck(StatusUnhealthy)) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusUnhealthy,
		},
		{
			name:       "draining",
			setup:      func(c *Checker) { c.SetDraining(true) },
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusDraining,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			checker := newTestChecker()
			tt.setup(checker)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/ready", nil)
			checker.ReadinessHandler()(rec, req)

			require.Equal(t, tt.wantCode, rec.Code)

			var resp ReadinessResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestChecker_LivenessHandler(t *testing.T) {
	t.Parallel()

	checker := newTestChecker()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	checker.LivenessHandler()(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
