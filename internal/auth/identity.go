package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Identity is the authenticated caller of a request. Subject is the
// stable client identifier used for rate-limit bucketing and upstream
// propagation; a raw credential value never appears in it.
type Identity struct {
	// Subject is the stable identifier: the token sub claim, the
	// username, or a hash of the API key.
	Subject string `json:"sub"`

	// Scheme is the auth scheme that produced this identity.
	Scheme string `json:"scheme"`

	// AuthTime is when the authentication occurred.
	AuthTime time.Time `json:"auth_time,omitempty"`

	// ExpiresAt is when the identity expires, if the credential
	// carries an expiry.
	ExpiresAt time.Time `json:"exp,omitempty"`

	// Scopes are the OAuth scopes granted to the identity.
	Scopes []string `json:"scopes,omitempty"`

	// Claims holds additional claims from the credential.
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// HasScope checks whether the identity carries a scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// GetClaimString returns a claim value as a string.
func (i *Identity) GetClaimString(name string) string {
	if i.Claims == nil {
		return ""
	}
	if s, ok := i.Claims[name].(string); ok {
		return s
	}
	return ""
}

// AnonymousIdentity is the identity of requests on routes with auth
// type none.
func AnonymousIdentity() *Identity {
	return &Identity{
		Subject:  "anonymous",
		Scheme:   "none",
		AuthTime: time.Now(),
	}
}

// KeyIdentity derives the stable client identifier for an API key: the
// first 16 hex characters of its SHA-256 digest. Two requests with the
// same key always map to the same identifier, and the raw key is never
// exposed downstream.
func KeyIdentity(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

type identityContextKey struct{}

// ContextWithIdentity adds an identity to the context.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext extracts the identity from the context.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	return identity, ok && identity != nil
}
