// Package transform applies per-route header manipulation to proxied
// requests and responses.
package transform

import (
	"net/http"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
	"github.com/rentora/apigw/internal/router"
)

// HeaderTransformer applies the header mutations configured on a
// route. Mutations run in place on the provided header set. Within one
// mutation the order is remove, then set, then add, so a key can be
// cleared and repopulated by the same rule.
type HeaderTransformer struct {
	logger observability.Logger
}

// NewHeaderTransformer creates a HeaderTransformer.
func NewHeaderTransformer(logger observability.Logger) *HeaderTransformer {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &HeaderTransformer{logger: logger}
}

// Request applies the route's request header mutation. It is a no-op
// unless the route enables request transformation and configures a
// non-empty mutation.
func (t *HeaderTransformer) Request(route *router.Route, header http.Header) {
	if route == nil || !route.TransformRequest || route.RequestHeaders.IsZero() {
		return
	}

	apply(header, route.RequestHeaders)
	recordTransform(directionRequest)
	t.logger.Debug("applied request header transform",
		observability.String("route", route.ID))
}

// Response applies the route's response header mutation. It is a no-op
// unless the route enables response transformation and configures a
// non-empty mutation.
func (t *HeaderTransformer) Response(route *router.Route, header http.Header) {
	if route == nil || !route.TransformResponse || route.ResponseHeaders.IsZero() {
		return
	}

	apply(header, route.ResponseHeaders)
	recordTransform(directionResponse)
	t.logger.Debug("applied response header transform",
		observability.String("route", route.ID))
}

// apply runs one mutation against a header set. Names are canonicalized
// by net/http, so configuration may spell them in any case.
func apply(header http.Header, m config.HeaderMutation) {
	for _, name := range m.Remove {
		header.Del(name)
	}
	for name, value := range m.Set {
		header.Set(name, value)
	}
	for name, value := range m.Add {
		header.Add(name, value)
	}
}
