package auth

import (
	"errors"
	"fmt"
)

// Reason classifies why authentication failed. The gateway maps every
// reason to 401 but reports the reason in the error body and logs.
type Reason string

// Failure reasons.
const (
	// ReasonMissing means the request carried no credential at all.
	ReasonMissing Reason = "missing"

	// ReasonMalformed means a credential was present but unparseable,
	// such as a bearer token that is not three dot-separated segments.
	ReasonMalformed Reason = "malformed"

	// ReasonInvalid means the credential parsed but failed
	// verification: unknown key, bad signature, wrong issuer.
	ReasonInvalid Reason = "invalid"

	// ReasonExpired means the credential was valid once but is past
	// its expiry.
	ReasonExpired Reason = "expired"
)

// Sentinel errors for authentication operations.
var (
	// ErrNoCredentials indicates that no credentials were provided.
	ErrNoCredentials = errors.New("no credentials provided")

	// ErrMalformedCredentials indicates unparseable credentials.
	ErrMalformedCredentials = errors.New("malformed credentials")

	// ErrInvalidCredentials indicates that the credentials failed
	// verification.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrCredentialsExpired indicates expired credentials.
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrUnsupportedScheme indicates a route references an auth scheme
	// the registry has no validator for.
	ErrUnsupportedScheme = errors.New("unsupported auth scheme")
)

// AuthError is an authentication failure with its scheme and reason.
type AuthError struct {
	Scheme  string
	Reason  Reason
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth error (%s, %s): %s: %v", e.Scheme, e.Reason, e.Message, e.Cause)
	}
	return fmt.Sprintf("auth error (%s, %s): %s", e.Scheme, e.Reason, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel corresponding to the error's reason, so
// errors.Is(err, ErrCredentialsExpired) works on wrapped AuthErrors.
func (e *AuthError) Is(target error) bool {
	switch target {
	case ErrNoCredentials:
		return e.Reason == ReasonMissing
	case ErrMalformedCredentials:
		return e.Reason == ReasonMalformed
	case ErrInvalidCredentials:
		return e.Reason == ReasonInvalid
	case ErrCredentialsExpired:
		return e.Reason == ReasonExpired
	}
	if _, ok := target.(*AuthError); ok {
		return true
	}
	return errors.Is(e.Cause, target)
}

// NewAuthError creates a new AuthError.
func NewAuthError(scheme string, reason Reason, message string) *AuthError {
	return &AuthError{
		Scheme:  scheme,
		Reason:  reason,
		Message: message,
	}
}

// NewAuthErrorWithCause creates a new AuthError wrapping a cause.
func NewAuthErrorWithCause(scheme string, reason Reason, message string, cause error) *AuthError {
	return &AuthError{
		Scheme:  scheme,
		Reason:  reason,
		Message: message,
		Cause:   cause,
	}
}

// ReasonOf extracts the failure reason from an error, defaulting to
// ReasonInvalid for errors that are not AuthErrors.
func ReasonOf(err error) Reason {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	return ReasonInvalid
}

// IsAuthError checks whether an error is an authentication error.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
