package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

func overloadConfig() *config.GuardConfig {
	return &config.GuardConfig{
		OverloadBreaker: true,
		BreakerRequests: 2,
		BreakerInterval: config.Duration(30 * time.Second),
		BreakerTimeout:  config.Duration(30 * time.Second),
	}
}

func TestOverload_PassesHealthyTraffic(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(overloadConfig(), observability.NopLogger())
	h := Overload(ob)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, gobreaker.StateClosed, ob.State())
}

func TestOverload_TripsOnServerErrors(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(overloadConfig(), observability.NopLogger())
	h := Overload(ob)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	// Two failures reach the trip threshold.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusBadGateway, rec.Code)
	}
	require.Equal(t, gobreaker.StateOpen, ob.State())

	// Open breaker sheds before the handler runs.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, bodyOverloaded, rec.Body.String())
}

func TestOverload_ClientErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(overloadConfig(), observability.NopLogger())
	h := Overload(ob)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, gobreaker.StateClosed, ob.State())
}

func TestOverload_WebSocketBypasses(t *testing.T) {
	t.Parallel()

	ob := NewOverloadBreaker(overloadConfig(), observability.NopLogger())

	// Trip the breaker first.
	h := Overload(ob)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	require.Equal(t, gobreaker.StateOpen, ob.State())

	// Upgrade requests still reach the handler.
	handlerHit := false
	h = Overload(ob)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerHit = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/ws/notifications", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, handlerHit)
}

func TestOverloadFromConfig_DisabledPassthrough(t *testing.T) {
	t.Parallel()

	mw := OverloadFromConfig(&config.GuardConfig{}, observability.NopLogger())

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	// Without the breaker nothing sheds, no matter how many failures.
	for i := 0; i < 20; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
	}
}

func TestSafeIntToUint32(t *testing.T) {
	t.Parallel()

	assert.Equal(t, uint32(0), safeIntToUint32(-5))
	assert.Equal(t, uint32(100), safeIntToUint32(100))
	assert.Equal(t, ^uint32(0), safeIntToUint32(1<<40))
}
