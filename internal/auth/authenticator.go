package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/rentora/apigw/internal/auth/jwt"
	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

// Authenticator validates credentials of one scheme.
type Authenticator interface {
	// Scheme returns the scheme name this authenticator handles.
	Scheme() string

	// Authenticate validates the request's credentials and returns
	// the caller identity, or an *AuthError.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// Registry holds one authenticator per configured scheme and
// dispatches by the route's auth type.
type Registry struct {
	authenticators map[string]Authenticator
	logger         observability.Logger
}

// RegistryOption is a functional option for the registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithAuthenticator registers a custom authenticator, replacing any
// configured one for the same scheme.
func WithAuthenticator(a Authenticator) RegistryOption {
	return func(r *Registry) {
		r.authenticators[a.Scheme()] = a
	}
}

// NewRegistry builds the scheme registry from configuration. Schemes
// left unconfigured are still registered so that routes referencing
// them fail authentication rather than panicking; config validation
// reports the misconfiguration upfront.
func NewRegistry(cfg *config.AuthConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		authenticators: make(map[string]Authenticator),
		logger:         observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	if _, ok := r.authenticators[config.AuthTypeNone]; !ok {
		r.authenticators[config.AuthTypeNone] = &noneAuthenticator{}
	}

	if _, ok := r.authenticators[config.AuthTypeAPIKey]; !ok {
		r.authenticators[config.AuthTypeAPIKey] = newAPIKeyAuthenticator(&cfg.APIKey, r.logger)
	}

	if _, ok := r.authenticators[config.AuthTypeJWT]; !ok {
		bearer, err := newBearerAuthenticator(&cfg.JWT, r.logger)
		if err != nil {
			return nil, err
		}
		r.authenticators[config.AuthTypeJWT] = bearer
	}

	if _, ok := r.authenticators[config.AuthTypeOAuth2]; !ok {
		r.authenticators[config.AuthTypeOAuth2] = newOAuth2Authenticator(&cfg.OAuth2, r.logger)
	}

	if _, ok := r.authenticators[config.AuthTypeBasic]; !ok {
		r.authenticators[config.AuthTypeBasic] = newBasicAuthenticator(&cfg.Basic, r.logger)
	}

	return r, nil
}

// Authenticate dispatches to the authenticator for the given scheme.
func (r *Registry) Authenticate(ctx context.Context, scheme string, req *http.Request) (*Identity, error) {
	a, ok := r.authenticators[scheme]
	if !ok {
		return nil, NewAuthErrorWithCause(scheme, ReasonInvalid, "no validator for scheme", ErrUnsupportedScheme)
	}

	identity, err := a.Authenticate(ctx, req)
	if err != nil {
		r.logger.Debug("authentication failed",
			observability.String("scheme", scheme),
			observability.String("reason", string(ReasonOf(err))),
		)
		return nil, err
	}

	return identity, nil
}

// Close releases resources held by authenticators, such as the JWKS
// refresh loop.
func (r *Registry) Close() {
	for _, a := range r.authenticators {
		if c, ok := a.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// noneAuthenticator admits every request anonymously.
type noneAuthenticator struct{}

func (a *noneAuthenticator) Scheme() string {
	return config.AuthTypeNone
}

func (a *noneAuthenticator) Authenticate(_ context.Context, _ *http.Request) (*Identity, error) {
	return AnonymousIdentity(), nil
}

// newBearerAuthenticator wires the jwt subpackage validator into the
// Authenticator interface.
func newBearerAuthenticator(cfg *config.JWTConfig, logger observability.Logger) (*bearerAuthenticator, error) {
	if cfg.Secret == "" && cfg.PublicKeyFile == "" && cfg.JWKSURL == "" {
		// Not configured; routes using the scheme are rejected.
		return &bearerAuthenticator{}, nil
	}

	validator, err := jwt.NewValidator(&jwt.Config{
		Algorithm:     cfg.Algorithm,
		Secret:        cfg.Secret,
		PublicKeyFile: cfg.PublicKeyFile,
		JWKSURL:       cfg.JWKSURL,
		JWKSCacheTTL:  time.Duration(cfg.JWKSCacheTTL),
		Issuer:        cfg.Issuer,
		Audience:      cfg.Audience,
		ClockSkew:     time.Duration(cfg.ClockSkew),
	}, jwt.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &bearerAuthenticator{validator: validator}, nil
}
