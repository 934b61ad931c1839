package jwt

import (
	"errors"
	"fmt"
)

// Signing algorithm names.
const (
	AlgRS256 = "RS256"
	AlgRS384 = "RS384"
	AlgRS512 = "RS512"
	AlgPS256 = "PS256"
	AlgPS384 = "PS384"
	AlgPS512 = "PS512"
	AlgES256 = "ES256"
	AlgES384 = "ES384"
	AlgES512 = "ES512"
	AlgHS256 = "HS256"
	AlgHS384 = "HS384"
	AlgHS512 = "HS512"
	AlgEdDSA = "EdDSA"
)

// Sentinel errors for JWT validation.
var (
	// ErrEmptyToken indicates that the token is empty.
	ErrEmptyToken = errors.New("token is empty")

	// ErrTokenMalformed indicates that the token is not three
	// dot-separated base64url segments.
	ErrTokenMalformed = errors.New("token is malformed")

	// ErrTokenExpired indicates that the token has expired.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenNotYetValid indicates that the token's nbf is in the
	// future.
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrInvalidSignature indicates that signature verification
	// failed.
	ErrInvalidSignature = errors.New("token signature is invalid")

	// ErrInvalidIssuer indicates an issuer mismatch.
	ErrInvalidIssuer = errors.New("token issuer is invalid")

	// ErrInvalidAudience indicates an audience mismatch.
	ErrInvalidAudience = errors.New("token audience is invalid")

	// ErrUnsupportedAlgorithm indicates a disallowed or unknown alg.
	ErrUnsupportedAlgorithm = errors.New("signing algorithm is not supported")

	// ErrKeyNotFound indicates that no verification key matched.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrInvalidKey indicates that the configured key cannot verify
	// the token's algorithm.
	ErrInvalidKey = errors.New("signing key is invalid")

	// ErrJWKSFetch indicates a JWKS endpoint failure.
	ErrJWKSFetch = errors.New("failed to fetch JWKS")
)

// ValidationError carries the failure detail alongside its sentinel.
type ValidationError struct {
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("jwt validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("jwt validation error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}
