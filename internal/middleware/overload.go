package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

var overloadTracer = otel.Tracer("apigw/overload")

// Overload breaker defaults when the configuration leaves them unset.
const (
	defaultBreakerRequests = 100
	defaultBreakerInterval = 30 * time.Second
	defaultBreakerTimeout  = 15 * time.Second
)

// OverloadBreaker sheds all traffic when the server itself is failing,
// independent of any single upstream. It trips on the ratio of 5xx
// responses the whole server produces.
type OverloadBreaker struct {
	cb     *gobreaker.CircuitBreaker
	logger observability.Logger
}

// NewOverloadBreaker creates the server-wide breaker.
func NewOverloadBreaker(cfg *config.GuardConfig, logger observability.Logger) *OverloadBreaker {
	if logger == nil {
		logger = observability.NopLogger()
	}

	requests := cfg.BreakerRequests
	if requests <= 0 {
		requests = defaultBreakerRequests
	}
	interval := time.Duration(cfg.BreakerInterval)
	if interval <= 0 {
		interval = defaultBreakerInterval
	}
	timeout := time.Duration(cfg.BreakerTimeout)
	if timeout <= 0 {
		timeout = defaultBreakerTimeout
	}

	ob := &OverloadBreaker{logger: logger}
	requestsU32 := safeIntToUint32(requests)

	ob.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "server-overload",
		MaxRequests: requestsU32,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= requestsU32 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("overload breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			recordOverloadTransition(from.String(), to.String())

			// Leave a trace event so the transition shows up next to
			// the requests that caused it.
			_, span := overloadTracer.Start(context.Background(),
				"overload.state_change",
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			span.AddEvent("state_change", trace.WithAttributes(
				attribute.String("breaker.name", name),
				attribute.String("breaker.from", from.String()),
				attribute.String("breaker.to", to.String()),
			))
			span.End()
		},
	})

	return ob
}

// State returns the breaker state.
func (ob *OverloadBreaker) State() gobreaker.State {
	return ob.cb.State()
}

// serverError marks a 5xx response as a breaker failure.
type serverError struct {
	status int
}

func (e *serverError) Error() string {
	return "server error: " + strconv.Itoa(e.status)
}

// Overload wraps the handler in the server-wide breaker. WebSocket
// upgrades bypass it: they hijack the connection and cannot run under
// a wrapped writer once upgraded.
func Overload(ob *OverloadBreaker) Func {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			rw := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			_, err := ob.cb.Execute(func() (interface{}, error) {
				next.ServeHTTP(rw, r)
				if rw.status >= http.StatusInternalServerError {
					return nil, &serverError{status: rw.status}
				}
				return nil, nil
			})
			if err == nil {
				return
			}

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				ob.logger.Warn("overload breaker rejected request",
					observability.String("path", r.URL.Path),
					observability.String("state", ob.cb.State().String()),
				)
				recordGuardRejection("overload")

				w.Header().Set(HeaderContentType, ContentTypeJSON)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = io.WriteString(w, bodyOverloaded)
			}
			// A serverError means the handler already wrote the 5xx.
		})
	}
}

// OverloadFromConfig builds the overload middleware from server
// configuration; disabled unless the guard asks for it.
func OverloadFromConfig(cfg *config.GuardConfig, logger observability.Logger) Func {
	if cfg == nil || !cfg.OverloadBreaker {
		return func(next http.Handler) http.Handler {
			return next
		}
	}
	return Overload(NewOverloadBreaker(cfg, logger))
}

// isWebSocketUpgrade reports whether the request asks for a WebSocket
// upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// safeIntToUint32 clamps an int into uint32 range.
func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if uint64(n) > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}
