package ratelimit

import (
	"net/http"
	"strings"
)

// KeyFunc extracts a rate limit key from a request.
type KeyFunc func(r *http.Request) string

// IPKey keys requests by client IP.
func IPKey(r *http.Request) string {
	return ClientIP(r)
}

// HeaderKey keys requests by a header value, falling back to the
// client IP when the header is absent.
func HeaderKey(header string) KeyFunc {
	return func(r *http.Request) string {
		if value := r.Header.Get(header); value != "" {
			return value
		}
		return ClientIP(r)
	}
}

// RouteKey scopes a client key to a route so one route's budget does
// not bleed into another's.
func RouteKey(routeID, client string) string {
	return routeID + ":" + client
}

// ClientIP extracts the originating client IP. Proxy headers are
// consulted before the transport address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First hop is the originating client.
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	ip = strings.TrimPrefix(ip, "[")
	ip = strings.TrimSuffix(ip, "]")
	return ip
}
