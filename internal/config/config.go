// Package config defines the gateway configuration model: the server
// surface, the auth scheme settings, the rate-limit/cache store
// backings, circuit breaker defaults, and the route table.
package config

import (
	"fmt"
	"strings"
)

// Config is the root gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string      `yaml:"host" json:"host"`
	Port            int         `yaml:"port" json:"port"`
	ReadTimeout     Duration    `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration    `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration    `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration    `yaml:"shutdownTimeout" json:"shutdownTimeout"`
	Guard           GuardConfig `yaml:"guard" json:"guard"`
	CORS            *CORSConfig `yaml:"cors" json:"cors,omitempty"`
}

// CORSConfig configures cross-origin request handling. Nil disables
// CORS handling entirely; list fields left empty fall back to
// permissive defaults.
type CORSConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins" json:"allowOrigins"`
	AllowMethods     []string `yaml:"allowMethods" json:"allowMethods"`
	AllowHeaders     []string `yaml:"allowHeaders" json:"allowHeaders"`
	ExposeHeaders    []string `yaml:"exposeHeaders" json:"exposeHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials" json:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge" json:"maxAge"`
}

// GuardConfig configures the optional inbound protection ahead of the
// pipeline: a per-client token bucket and an overload circuit breaker.
// Both are disabled by default.
type GuardConfig struct {
	RatePerSecond   float64  `yaml:"ratePerSecond" json:"ratePerSecond"`
	Burst           int      `yaml:"burst" json:"burst"`
	OverloadBreaker bool     `yaml:"overloadBreaker" json:"overloadBreaker"`
	BreakerRequests int      `yaml:"breakerRequests" json:"breakerRequests"`
	BreakerInterval Duration `yaml:"breakerInterval" json:"breakerInterval"`
	BreakerTimeout  Duration `yaml:"breakerTimeout" json:"breakerTimeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// MetricsConfig configures the Prometheus endpoint. It is served on
// its own port together with the health probes, away from gateway
// traffic.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

// AuthConfig groups the per-scheme credential validator settings.
type AuthConfig struct {
	APIKey APIKeyConfig `yaml:"apiKey" json:"apiKey"`
	JWT    JWTConfig    `yaml:"jwt" json:"jwt"`
	OAuth2 OAuth2Config `yaml:"oauth2" json:"oauth2"`
	Basic  BasicConfig  `yaml:"basic" json:"basic"`
}

// APIKeyConfig configures API key validation. When Keys is empty any
// presented key is accepted and only used to derive the client identity
// hash; with Keys set, the presented key must match one of them.
type APIKeyConfig struct {
	Header        string   `yaml:"header" json:"header"`
	QueryParam    string   `yaml:"queryParam" json:"queryParam"`
	Keys          []string `yaml:"keys" json:"keys"`
	HashAlgorithm string   `yaml:"hashAlgorithm" json:"hashAlgorithm"`
}

// JWTConfig configures bearer token validation. Exactly one key source
// must be set for HMAC (Secret) or asymmetric (PublicKeyFile or JWKSURL)
// verification.
type JWTConfig struct {
	Algorithm     string   `yaml:"algorithm" json:"algorithm"`
	Secret        string   `yaml:"secret" json:"secret"`
	PublicKeyFile string   `yaml:"publicKeyFile" json:"publicKeyFile"`
	JWKSURL       string   `yaml:"jwksURL" json:"jwksURL"`
	JWKSCacheTTL  Duration `yaml:"jwksCacheTTL" json:"jwksCacheTTL"`
	Issuer        string   `yaml:"issuer" json:"issuer"`
	Audience      []string `yaml:"audience" json:"audience"`
	ClockSkew     Duration `yaml:"clockSkew" json:"clockSkew"`
}

// OAuth2Config configures bearer token validation against an RFC 7662
// token introspection endpoint.
type OAuth2Config struct {
	IntrospectionURL string   `yaml:"introspectionURL" json:"introspectionURL"`
	ClientID         string   `yaml:"clientID" json:"clientID"`
	ClientSecret     string   `yaml:"clientSecret" json:"clientSecret"`
	CacheTTL         Duration `yaml:"cacheTTL" json:"cacheTTL"`
	Timeout          Duration `yaml:"timeout" json:"timeout"`
}

// BasicConfig configures basic auth. Users maps usernames to bcrypt
// password hashes.
type BasicConfig struct {
	Users map[string]string `yaml:"users" json:"users"`
}

// RateLimitConfig selects the counter store backing.
type RateLimitConfig struct {
	Store string      `yaml:"store" json:"store"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// CacheConfig selects the response cache backing.
type CacheConfig struct {
	Store        string      `yaml:"store" json:"store"`
	MaxEntries   int         `yaml:"maxEntries" json:"maxEntries"`
	MaxBodyBytes int         `yaml:"maxBodyBytes" json:"maxBodyBytes"`
	Redis        RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig configures a Redis connection for shared stores.
type RedisConfig struct {
	Addr      string   `yaml:"addr" json:"addr"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	KeyPrefix string   `yaml:"keyPrefix" json:"keyPrefix"`
	Timeout   Duration `yaml:"timeout" json:"timeout"`
}

// CircuitBreakerConfig holds the gateway-wide breaker defaults applied
// to routes with circuitBreaker enabled.
type CircuitBreakerConfig struct {
	FailureThreshold  int      `yaml:"failureThreshold" json:"failureThreshold"`
	OpenDuration      Duration `yaml:"openDuration" json:"openDuration"`
	RequiredSuccesses int      `yaml:"requiredSuccesses" json:"requiredSuccesses"`
}

// Store backing names.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = Duration(defaultReadTimeout)
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = Duration(defaultIdleTimeout)
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 0.1
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}

	if c.Auth.APIKey.Header == "" {
		c.Auth.APIKey.Header = "X-API-Key"
	}
	if c.Auth.APIKey.QueryParam == "" {
		c.Auth.APIKey.QueryParam = "api_key"
	}
	if c.Auth.APIKey.HashAlgorithm == "" {
		c.Auth.APIKey.HashAlgorithm = "plaintext"
	}
	if c.Auth.JWT.JWKSCacheTTL == 0 {
		c.Auth.JWT.JWKSCacheTTL = Duration(defaultJWKSCacheTTL)
	}
	if c.Auth.JWT.ClockSkew == 0 {
		c.Auth.JWT.ClockSkew = Duration(defaultClockSkew)
	}
	if c.Auth.OAuth2.CacheTTL == 0 {
		c.Auth.OAuth2.CacheTTL = Duration(defaultIntrospectionTTL)
	}
	if c.Auth.OAuth2.Timeout == 0 {
		c.Auth.OAuth2.Timeout = Duration(defaultIntrospectionTimeout)
	}

	if c.RateLimit.Store == "" {
		c.RateLimit.Store = StoreMemory
	}
	if c.Cache.Store == "" {
		c.Cache.Store = StoreMemory
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaultCacheMaxEntries
	}
	if c.Cache.MaxBodyBytes == 0 {
		c.Cache.MaxBodyBytes = defaultCacheMaxBodyBytes
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = defaultFailureThreshold
	}
	if c.CircuitBreaker.OpenDuration == 0 {
		c.CircuitBreaker.OpenDuration = Duration(defaultOpenDuration)
	}
	if c.CircuitBreaker.RequiredSuccesses == 0 {
		c.CircuitBreaker.RequiredSuccesses = defaultRequiredSuccesses
	}

	for i := range c.Routes {
		c.Routes[i].applyDefaults()
	}
}

// Validate checks the configuration for errors. Defaults should be
// applied first.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.RateLimit.Store != StoreMemory && c.RateLimit.Store != StoreRedis {
		return fmt.Errorf("rateLimit.store must be %q or %q, got %q", StoreMemory, StoreRedis, c.RateLimit.Store)
	}
	if c.RateLimit.Store == StoreRedis && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("rateLimit.redis.addr is required for the redis store")
	}

	if c.Cache.Store != StoreMemory && c.Cache.Store != StoreRedis {
		return fmt.Errorf("cache.store must be %q or %q, got %q", StoreMemory, StoreRedis, c.Cache.Store)
	}
	if c.Cache.Store == StoreRedis && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr is required for the redis store")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuitBreaker.failureThreshold must be positive")
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("circuitBreaker.openDuration must be positive")
	}
	if c.CircuitBreaker.RequiredSuccesses < 1 {
		return fmt.Errorf("circuitBreaker.requiredSuccesses must be positive")
	}

	seen := make(map[string]string, len(c.Routes))
	for i := range c.Routes {
		route := &c.Routes[i]
		if err := route.Validate(); err != nil {
			return fmt.Errorf("route %q: %w", route.Name(), err)
		}

		if !route.Enabled {
			continue
		}
		key := route.Method + " " + route.Path
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("routes %q and %q: duplicate path %q for method %s",
				prev, route.Name(), route.Path, route.Method)
		}
		seen[key] = route.Name()
	}

	return c.validateAuthCoverage()
}

// validateAuthCoverage checks that every auth scheme referenced by an
// enabled route has the settings it needs.
func (c *Config) validateAuthCoverage() error {
	used := make(map[string]bool)
	for i := range c.Routes {
		if c.Routes[i].Enabled {
			used[c.Routes[i].AuthType] = true
		}
	}

	if used[AuthTypeJWT] {
		jwt := &c.Auth.JWT
		if jwt.Secret == "" && jwt.PublicKeyFile == "" && jwt.JWKSURL == "" {
			return fmt.Errorf("auth.jwt requires one of secret, publicKeyFile or jwksURL")
		}
		if jwt.Secret != "" && !strings.HasPrefix(strings.ToUpper(jwt.Algorithm), "HS") {
			return fmt.Errorf("auth.jwt.secret requires an HMAC algorithm, got %q", jwt.Algorithm)
		}
	}

	if used[AuthTypeOAuth2] && c.Auth.OAuth2.IntrospectionURL == "" {
		return fmt.Errorf("auth.oauth2.introspectionURL is required by an enabled route")
	}

	if used[AuthTypeBasic] && len(c.Auth.Basic.Users) == 0 {
		return fmt.Errorf("auth.basic.users is required by an enabled route")
	}

	return nil
}
