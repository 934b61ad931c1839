package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rentora/apigw/internal/auth"
	"github.com/rentora/apigw/internal/circuitbreaker"
	"github.com/rentora/apigw/internal/proxy"
	"github.com/rentora/apigw/internal/router"
)

// statusClientClosedRequest is recorded when the client goes away
// before the response is written. Nothing is sent on the wire; the
// nginx convention keeps these visible in metrics.
const statusClientClosedRequest = 499

// ErrorEnvelope is the JSON body for every error the gateway produces
// itself. Upstream error bodies pass through unwrapped; the envelope
// only covers rejections and failures originating in the pipeline.
type ErrorEnvelope struct {
	RequestID  string `json:"request_id"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

// statusForError maps a pipeline error to the response status and the
// client-facing message. The message stays coarse; the detail goes to
// the log, not to the caller.
func statusForError(err error) (int, string) {
	var authErr *auth.AuthError

	switch {
	case errors.Is(err, router.ErrRouteNotFound):
		return http.StatusNotFound, "route not found"

	case errors.As(err, &authErr):
		return http.StatusUnauthorized, "unauthorized: " + string(authErr.Reason) + " credentials"

	case errors.Is(err, auth.ErrUnsupportedScheme):
		return http.StatusUnauthorized, "unauthorized: invalid credentials"

	case errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, circuitbreaker.ErrProbeInFlight):
		return http.StatusServiceUnavailable, "upstream circuit open"

	case errors.Is(err, proxy.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge, "request body too large"

	case errors.Is(err, proxy.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream timeout"

	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		return http.StatusBadGateway, "upstream unavailable"

	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// writeEnvelope writes the JSON error body. The manager and the server
// middleware share it so every gateway-produced error has one shape.
func writeEnvelope(w http.ResponseWriter, requestID string, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{
		RequestID:  requestID,
		StatusCode: status,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}
