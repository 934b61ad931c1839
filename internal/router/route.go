// Package router holds the compiled route table and resolves incoming
// (path, method) pairs to routes. Resolution picks the route with the
// longest literal prefix match, so the outcome never depends on the
// order routes appear in configuration.
package router

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rentora/apigw/internal/config"
)

// Route is the compiled, immutable form of a configured route. A Route
// is never mutated after compilation; configuration reloads build new
// Route values and swap the whole table.
type Route struct {
	ID       string
	Path     string
	Method   string
	Upstream *url.URL

	// prefix is the literal part of the path pattern. For wildcard
	// patterns it excludes the trailing "*"; for exact patterns it is
	// the whole pattern.
	prefix   string
	wildcard bool
	// boundary is set for "/x/*" style patterns where the wildcard
	// starts a new path segment: the prefix then also matches the
	// bare "/x" path but not "/xyz".
	boundary bool

	AuthType          string
	RateLimit         config.RouteRateLimit
	Timeout           time.Duration
	RetryCount        int
	CircuitBreaker    bool
	CacheTTL          time.Duration
	TransformRequest  bool
	TransformResponse bool
	RequestHeaders    config.HeaderMutation
	ResponseHeaders   config.HeaderMutation
	Tags              []string
}

// Compile builds a Route from its configuration record. The record is
// expected to have passed config validation.
func Compile(rc *config.RouteConfig) (*Route, error) {
	upstream, err := url.Parse(rc.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("route %q: invalid upstream URL: %w", rc.Name(), err)
	}

	r := &Route{
		ID:                rc.Name(),
		Path:              rc.Path,
		Method:            rc.Method,
		Upstream:          upstream,
		AuthType:          rc.AuthType,
		RateLimit:         rc.RateLimit,
		Timeout:           rc.Timeout(),
		RetryCount:        rc.RetryCount,
		CircuitBreaker:    rc.CircuitBreaker,
		CacheTTL:          rc.CacheTTL(),
		TransformRequest:  rc.TransformRequest,
		TransformResponse: rc.TransformResponse,
		RequestHeaders:    rc.RequestHeaders,
		ResponseHeaders:   rc.ResponseHeaders,
		Tags:              rc.Tags,
	}

	switch {
	case strings.HasSuffix(rc.Path, "/*"):
		r.wildcard = true
		r.boundary = true
		r.prefix = strings.TrimSuffix(rc.Path, "/*")
		if r.prefix == "" {
			r.prefix = "/"
		}
	case strings.HasSuffix(rc.Path, "*"):
		r.wildcard = true
		r.prefix = strings.TrimSuffix(rc.Path, "*")
	default:
		r.prefix = rc.Path
	}

	return r, nil
}

// Matches reports whether the route matches the given request path.
// The path should be normalized (no trailing slash except root).
func (r *Route) Matches(path string) bool {
	if !r.wildcard {
		return path == r.prefix
	}

	if r.boundary {
		// "/api/properties/*" matches "/api/properties" and anything
		// below it, but not "/api/propertiesX".
		if path == r.prefix || r.prefix == "/" {
			return true
		}
		return strings.HasPrefix(path, r.prefix+"/")
	}

	return strings.HasPrefix(path, r.prefix)
}

// MatchesMethod reports whether the route accepts the given HTTP
// method. HEAD requests are served by GET routes.
func (r *Route) MatchesMethod(method string) bool {
	if r.Method == method {
		return true
	}
	return method == "HEAD" && r.Method == "GET"
}

// PrefixLen returns the length of the route's literal prefix, the
// quantity resolution maximizes.
func (r *Route) PrefixLen() int {
	return len(r.prefix)
}

// Wildcard reports whether the route pattern ends in a wildcard.
func (r *Route) Wildcard() bool {
	return r.wildcard
}

// StripPrefix returns the remainder of path after the route's literal
// prefix. For exact routes the remainder is empty. The remainder keeps
// its leading slash so it can be appended to the upstream path.
func (r *Route) StripPrefix(path string) string {
	if !r.wildcard {
		return ""
	}
	rest := strings.TrimPrefix(path, strings.TrimSuffix(r.prefix, "/"))
	if rest == path && r.prefix != "/" {
		// Prefix not present; the caller matched a different route.
		return path
	}
	return rest
}

// ServiceID identifies the upstream service for circuit breaking:
// routes sharing a backend share breaker state.
func (r *Route) ServiceID() string {
	return r.Upstream.Scheme + "://" + r.Upstream.Host
}

// CacheEnabled reports whether responses for this route may be cached.
func (r *Route) CacheEnabled() bool {
	return r.CacheTTL > 0
}

// String implements fmt.Stringer for logs.
func (r *Route) String() string {
	return r.Method + " " + r.Path + " -> " + r.Upstream.String()
}
