package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

// dummyBcryptHash is compared against when the username is unknown so
// that lookups for missing and present users take similar time.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// basicAuthenticator validates Basic credentials against a static map
// of usernames to bcrypt password hashes.
type basicAuthenticator struct {
	users  map[string]string
	logger observability.Logger
}

func newBasicAuthenticator(cfg *config.BasicConfig, logger observability.Logger) *basicAuthenticator {
	return &basicAuthenticator{
		users:  cfg.Users,
		logger: logger,
	}
}

func (a *basicAuthenticator) Scheme() string {
	return config.AuthTypeBasic
}

func (a *basicAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, NewAuthError(a.Scheme(), ReasonMissing, "no Authorization header")
	}

	if !strings.HasPrefix(header, "Basic ") {
		return nil, NewAuthError(a.Scheme(), ReasonMalformed, "Authorization header is not Basic")
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, NewAuthError(a.Scheme(), ReasonMalformed, "undecodable Basic credentials")
	}

	hash, known := a.users[username]
	if !known {
		hash = dummyBcryptHash
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil || !known {
		return nil, NewAuthError(a.Scheme(), ReasonInvalid, "wrong username or password")
	}

	return &Identity{
		Subject:  username,
		Scheme:   a.Scheme(),
		AuthTime: time.Now(),
	}, nil
}
