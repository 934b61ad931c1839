// Package middleware holds the server-level HTTP middleware that wraps
// the gateway pipeline: panic recovery, request correlation, access
// logging, CORS, and the inbound guard. Middleware here is route
// agnostic; per-route behavior lives in the pipeline itself.
package middleware

import "net/http"

// Func is the middleware shape: it wraps a handler with one concern.
type Func func(http.Handler) http.Handler

// Chain applies middleware around a handler. The first middleware in
// the list is the outermost, so it sees the request first.
func Chain(h http.Handler, mws ...Func) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// HTTP header names used across the package.
const (
	HeaderContentType = "Content-Type"
	HeaderRetryAfter  = "Retry-After"
	HeaderRequestID   = "X-Request-ID"
)

// ContentTypeJSON is the content type of middleware error bodies.
const ContentTypeJSON = "application/json"

// Middleware error bodies. Guard rejections happen before the pipeline
// assigns a request an envelope, so these stay minimal.
const (
	bodyRateLimited   = `{"error":"rate limit exceeded"}`
	bodyOverloaded    = `{"error":"service unavailable","message":"server overloaded"}`
	bodyInternalError = `{"error":"internal server error"}`
)
