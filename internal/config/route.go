package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Auth scheme names accepted in route configuration.
const (
	AuthTypeNone   = "none"
	AuthTypeAPIKey = "api-key"
	AuthTypeJWT    = "jwt"
	AuthTypeOAuth2 = "oauth2"
	AuthTypeBasic  = "basic"
)

// Route defaults.
const (
	defaultRouteTimeout = 30 * time.Second

	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 120 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultJWKSCacheTTL         = time.Hour
	defaultClockSkew            = 30 * time.Second
	defaultIntrospectionTTL     = time.Minute
	defaultIntrospectionTimeout = 5 * time.Second

	defaultCacheMaxEntries   = 10000
	defaultCacheMaxBodyBytes = 1 << 20

	defaultFailureThreshold  = 5
	defaultOpenDuration      = 30 * time.Second
	defaultRequiredSuccesses = 2
)

// RouteConfig is one route record. The recognized option set is
// {id, path, method, upstreamURL, authType, rateLimit, timeoutMs,
// retryCount, circuitBreaker, cacheTTLSeconds, transformRequest,
// transformResponse, enabled, tags} plus the optional header
// manipulation blocks consumed when the transform flags are set.
type RouteConfig struct {
	ID                string            `yaml:"id" json:"id"`
	Path              string            `yaml:"path" json:"path"`
	Method            string            `yaml:"method" json:"method"`
	UpstreamURL       string            `yaml:"upstreamURL" json:"upstreamURL"`
	AuthType          string            `yaml:"authType" json:"authType"`
	RateLimit         RouteRateLimit    `yaml:"rateLimit" json:"rateLimit"`
	TimeoutMs         int               `yaml:"timeoutMs" json:"timeoutMs"`
	RetryCount        int               `yaml:"retryCount" json:"retryCount"`
	CircuitBreaker    bool              `yaml:"circuitBreaker" json:"circuitBreaker"`
	CacheTTLSeconds   *int              `yaml:"cacheTTLSeconds" json:"cacheTTLSeconds"`
	TransformRequest  bool              `yaml:"transformRequest" json:"transformRequest"`
	TransformResponse bool              `yaml:"transformResponse" json:"transformResponse"`
	Enabled           bool              `yaml:"enabled" json:"enabled"`
	Tags              []string          `yaml:"tags" json:"tags"`
	RequestHeaders    HeaderMutation    `yaml:"requestHeaders" json:"requestHeaders"`
	ResponseHeaders   HeaderMutation    `yaml:"responseHeaders" json:"responseHeaders"`
}

// RouteRateLimit holds the per-window request limits for a route.
// A zero limit disables that window.
type RouteRateLimit struct {
	PerMinute int `yaml:"perMinute" json:"perMinute"`
	PerHour   int `yaml:"perHour" json:"perHour"`
	PerDay    int `yaml:"perDay" json:"perDay"`
	Burst     int `yaml:"burst" json:"burst"`
}

// Enabled reports whether any window has a limit configured.
func (r RouteRateLimit) Enabled() bool {
	return r.PerMinute > 0 || r.PerHour > 0 || r.PerDay > 0 || r.Burst > 0
}

// HeaderMutation describes header changes applied by the transform
// stage: Add appends, Set replaces, Remove deletes.
type HeaderMutation struct {
	Add    map[string]string `yaml:"add" json:"add"`
	Set    map[string]string `yaml:"set" json:"set"`
	Remove []string          `yaml:"remove" json:"remove"`
}

// IsZero reports whether the mutation changes nothing.
func (h HeaderMutation) IsZero() bool {
	return len(h.Add) == 0 && len(h.Set) == 0 && len(h.Remove) == 0
}

// validMethods is the set of HTTP methods accepted in route config.
var validMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// Name returns the route identifier, deriving one from the method and
// path when no explicit id is configured.
func (r *RouteConfig) Name() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Method + " " + r.Path
}

// Timeout returns the route timeout as a time.Duration.
func (r *RouteConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// CacheTTL returns the cache TTL, or zero when caching is disabled for
// the route.
func (r *RouteConfig) CacheTTL() time.Duration {
	if r.CacheTTLSeconds == nil {
		return 0
	}
	return time.Duration(*r.CacheTTLSeconds) * time.Second
}

// applyDefaults normalizes fields and fills defaults.
func (r *RouteConfig) applyDefaults() {
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	r.AuthType = normalizeAuthType(r.AuthType)
	if r.TimeoutMs == 0 {
		r.TimeoutMs = int(defaultRouteTimeout / time.Millisecond)
	}
	if r.ID == "" {
		r.ID = r.Name()
	}
}

// normalizeAuthType maps accepted aliases onto the canonical scheme
// names.
func normalizeAuthType(authType string) string {
	switch strings.ToLower(strings.TrimSpace(authType)) {
	case "", AuthTypeNone:
		return AuthTypeNone
	case AuthTypeAPIKey, "apikey", "api_key":
		return AuthTypeAPIKey
	case AuthTypeJWT, "bearer", "bearer-jwt":
		return AuthTypeJWT
	case AuthTypeOAuth2, "oauth":
		return AuthTypeOAuth2
	case AuthTypeBasic:
		return AuthTypeBasic
	default:
		return strings.ToLower(strings.TrimSpace(authType))
	}
}

// Validate checks a single route record.
func (r *RouteConfig) Validate() error {
	if r.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("path must start with /, got %q", r.Path)
	}
	if strings.Count(r.Path, "*") > 1 || (strings.Contains(r.Path, "*") && !strings.HasSuffix(r.Path, "*")) {
		return fmt.Errorf("wildcard is only allowed as a trailing *, got %q", r.Path)
	}

	if !validMethods[r.Method] {
		return fmt.Errorf("unsupported method %q", r.Method)
	}

	if r.UpstreamURL == "" {
		return fmt.Errorf("upstreamURL is required")
	}
	u, err := url.Parse(r.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstreamURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstreamURL must be http or https, got %q", r.UpstreamURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstreamURL must be absolute, got %q", r.UpstreamURL)
	}

	switch r.AuthType {
	case AuthTypeNone, AuthTypeAPIKey, AuthTypeJWT, AuthTypeOAuth2, AuthTypeBasic:
	default:
		return fmt.Errorf("unsupported authType %q", r.AuthType)
	}

	if r.RateLimit.PerMinute < 0 || r.RateLimit.PerHour < 0 || r.RateLimit.PerDay < 0 || r.RateLimit.Burst < 0 {
		return fmt.Errorf("rateLimit values must not be negative")
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("retryCount must not be negative")
	}
	if r.CacheTTLSeconds != nil && *r.CacheTTLSeconds <= 0 {
		return fmt.Errorf("cacheTTLSeconds must be positive when set")
	}

	return nil
}
