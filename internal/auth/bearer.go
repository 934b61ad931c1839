package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rentora/apigw/internal/auth/jwt"
	"github.com/rentora/apigw/internal/config"
)

// bearerAuthenticator validates bearer JWTs. A nil validator means the
// scheme was referenced without configuration; every request is then
// rejected as invalid.
type bearerAuthenticator struct {
	validator jwt.Validator
}

func (a *bearerAuthenticator) Scheme() string {
	return config.AuthTypeJWT
}

func (a *bearerAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	token, err := extractBearer(r, a.Scheme())
	if err != nil {
		return nil, err
	}

	if a.validator == nil {
		return nil, NewAuthError(a.Scheme(), ReasonInvalid, "jwt validation is not configured")
	}

	claims, err := a.validator.Validate(ctx, token)
	if err != nil {
		return nil, a.mapError(err)
	}

	identity := &Identity{
		Subject:  claims.Subject,
		Scheme:   a.Scheme(),
		AuthTime: time.Now(),
		Claims:   claims.ToMap(),
		Scopes:   claims.GetStringSliceClaim("scope"),
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}

	return identity, nil
}

// mapError converts jwt sentinel errors into AuthError reasons.
func (a *bearerAuthenticator) mapError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrEmptyToken):
		return NewAuthErrorWithCause(a.Scheme(), ReasonMalformed, "malformed token", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return NewAuthErrorWithCause(a.Scheme(), ReasonExpired, "token expired", err)
	default:
		return NewAuthErrorWithCause(a.Scheme(), ReasonInvalid, "token rejected", err)
	}
}

// Close stops the validator's key refresh, if any.
func (a *bearerAuthenticator) Close() {
	if a.validator != nil {
		a.validator.Close()
	}
}

// extractBearer pulls the bearer token from the Authorization header,
// distinguishing a missing header from a malformed one.
func extractBearer(r *http.Request, scheme string) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", NewAuthError(scheme, ReasonMissing, "no Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", NewAuthError(scheme, ReasonMalformed, "Authorization header is not Bearer")
	}

	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", NewAuthError(scheme, ReasonMalformed, "empty bearer token")
	}

	return token, nil
}
