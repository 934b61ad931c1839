package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

// Hash algorithms for configured API keys.
const (
	hashAlgPlaintext = "plaintext"
	hashAlgSHA256    = "sha256"
	hashAlgBcrypt    = "bcrypt"
)

// apiKeyAuthenticator validates API keys from a header or query
// parameter against the configured key set. With an empty key set any
// presented key is admitted; the key still only surfaces as its hash.
type apiKeyAuthenticator struct {
	header     string
	queryParam string
	alg        string
	// keys holds the configured values in the form the algorithm
	// expects: raw keys for plaintext, hex digests for sha256, bcrypt
	// hashes for bcrypt.
	keys   []string
	logger observability.Logger
}

func newAPIKeyAuthenticator(cfg *config.APIKeyConfig, logger observability.Logger) *apiKeyAuthenticator {
	return &apiKeyAuthenticator{
		header:     cfg.Header,
		queryParam: cfg.QueryParam,
		alg:        cfg.HashAlgorithm,
		keys:       cfg.Keys,
		logger:     logger,
	}
}

func (a *apiKeyAuthenticator) Scheme() string {
	return config.AuthTypeAPIKey
}

func (a *apiKeyAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Identity, error) {
	key := a.extract(r)
	if key == "" {
		return nil, NewAuthError(a.Scheme(), ReasonMissing, "no API key presented")
	}

	if len(a.keys) > 0 && !a.matches(key) {
		return nil, NewAuthError(a.Scheme(), ReasonInvalid, "unknown API key")
	}

	return &Identity{
		Subject:  KeyIdentity(key),
		Scheme:   a.Scheme(),
		AuthTime: time.Now(),
	}, nil
}

// extract pulls the key from the configured header, falling back to
// the query parameter.
func (a *apiKeyAuthenticator) extract(r *http.Request) string {
	if a.header != "" {
		if v := r.Header.Get(a.header); v != "" {
			return v
		}
	}
	if a.queryParam != "" {
		if v := r.URL.Query().Get(a.queryParam); v != "" {
			return v
		}
	}
	return ""
}

// matches checks the presented key against every configured key. All
// configured keys are always visited so lookup time does not reveal
// which entry matched.
func (a *apiKeyAuthenticator) matches(presented string) bool {
	matched := false
	switch a.alg {
	case hashAlgSHA256:
		sum := sha256.Sum256([]byte(presented))
		digest := hex.EncodeToString(sum[:])
		for _, stored := range a.keys {
			if subtle.ConstantTimeCompare([]byte(digest), []byte(stored)) == 1 {
				matched = true
			}
		}
	case hashAlgBcrypt:
		for _, stored := range a.keys {
			if bcrypt.CompareHashAndPassword([]byte(stored), []byte(presented)) == nil {
				matched = true
			}
		}
	default:
		for _, stored := range a.keys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1 {
				matched = true
			}
		}
	}
	return matched
}
