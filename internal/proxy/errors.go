package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for upstream failures.
var (
	// ErrUpstreamTimeout indicates the upstream did not answer within
	// the route deadline.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates the upstream could not be
	// reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrBodyTooLarge indicates the request body exceeded the replay
	// buffer cap.
	ErrBodyTooLarge = errors.New("request body too large to buffer")
)

// ProxyError carries the context of a failed forward.
type ProxyError struct {
	Op      string
	Route   string
	Target  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	var msg string
	switch {
	case e.Route != "" && e.Target != "":
		msg = fmt.Sprintf("proxy error [%s] route=%s target=%s: %s", e.Op, e.Route, e.Target, e.Message)
	case e.Route != "":
		msg = fmt.Sprintf("proxy error [%s] route=%s: %s", e.Op, e.Route, e.Message)
	default:
		msg = fmt.Sprintf("proxy error [%s]: %s", e.Op, e.Message)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is matches any *ProxyError or the underlying cause.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok || errors.Is(e.Cause, target)
}

// NewProxyError creates a ProxyError.
func NewProxyError(op, route, target, message string, cause error) *ProxyError {
	return &ProxyError{
		Op:      op,
		Route:   route,
		Target:  target,
		Message: message,
		Cause:   cause,
	}
}

// IsProxyError checks whether err is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}

// IsTimeout checks whether err represents an upstream timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout)
}

// IsUnavailable checks whether err represents an unreachable upstream.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
