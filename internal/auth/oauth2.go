package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rentora/apigw/internal/config"
	"github.com/rentora/apigw/internal/observability"
)

// introspectionResponse is an RFC 7662 token introspection response.
type introspectionResponse struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Sub      string `json:"sub,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

// subject picks the caller identifier out of the response.
func (r *introspectionResponse) subject() string {
	switch {
	case r.Sub != "":
		return r.Sub
	case r.Username != "":
		return r.Username
	default:
		return r.ClientID
	}
}

// cachedVerdict is one introspection result held until expiry.
type cachedVerdict struct {
	identity  *Identity
	expiresAt time.Time
}

// oauth2Authenticator validates bearer tokens against an OAuth2
// introspection endpoint, caching verdicts so hot tokens do not hit
// the authorization server on every request.
type oauth2Authenticator struct {
	endpoint     string
	clientID     string
	clientSecret string
	cacheTTL     time.Duration
	httpClient   *http.Client
	logger       observability.Logger

	mu    sync.RWMutex
	cache map[string]cachedVerdict
}

func newOAuth2Authenticator(cfg *config.OAuth2Config, logger observability.Logger) *oauth2Authenticator {
	return &oauth2Authenticator{
		endpoint:     cfg.IntrospectionURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		cacheTTL:     time.Duration(cfg.CacheTTL),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout),
		},
		logger: logger,
		cache:  make(map[string]cachedVerdict),
	}
}

func (a *oauth2Authenticator) Scheme() string {
	return config.AuthTypeOAuth2
}

func (a *oauth2Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	token, err := extractBearer(r, a.Scheme())
	if err != nil {
		return nil, err
	}

	if a.endpoint == "" {
		return nil, NewAuthError(a.Scheme(), ReasonInvalid, "oauth2 introspection is not configured")
	}

	key := tokenCacheKey(token)
	if identity, ok := a.cached(key); ok {
		return identity, nil
	}

	resp, err := a.introspect(ctx, token)
	if err != nil {
		return nil, NewAuthErrorWithCause(a.Scheme(), ReasonInvalid, "introspection failed", err)
	}

	if !resp.Active {
		if resp.Exp > 0 && time.Now().Unix() > resp.Exp {
			return nil, NewAuthError(a.Scheme(), ReasonExpired, "token expired")
		}
		return nil, NewAuthError(a.Scheme(), ReasonInvalid, "token is not active")
	}

	identity := &Identity{
		Subject:  resp.subject(),
		Scheme:   a.Scheme(),
		AuthTime: time.Now(),
		Scopes:   strings.Fields(resp.Scope),
	}
	if resp.Exp > 0 {
		identity.ExpiresAt = time.Unix(resp.Exp, 0)
	}

	a.store(key, identity)
	return identity, nil
}

// cached returns a still-valid cached identity for the token.
func (a *oauth2Authenticator) cached(key string) (*Identity, bool) {
	a.mu.RLock()
	verdict, ok := a.cache[key]
	a.mu.RUnlock()

	if !ok || time.Now().After(verdict.expiresAt) {
		return nil, false
	}
	if !verdict.identity.ExpiresAt.IsZero() && time.Now().After(verdict.identity.ExpiresAt) {
		return nil, false
	}
	return verdict.identity, true
}

// store caches an identity until the earlier of the cache TTL and the
// token's own expiry.
func (a *oauth2Authenticator) store(key string, identity *Identity) {
	expiresAt := time.Now().Add(a.cacheTTL)
	if !identity.ExpiresAt.IsZero() && identity.ExpiresAt.Before(expiresAt) {
		expiresAt = identity.ExpiresAt
	}

	a.mu.Lock()
	if len(a.cache) >= 4096 {
		// Drop the whole verdict cache rather than tracking LRU order;
		// entries are cheap to refetch.
		a.cache = make(map[string]cachedVerdict)
	}
	a.cache[key] = cachedVerdict{identity: identity, expiresAt: expiresAt}
	a.mu.Unlock()
}

// introspect posts the token to the introspection endpoint.
func (a *oauth2Authenticator) introspect(ctx context.Context, token string) (*introspectionResponse, error) {
	form := url.Values{}
	form.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if a.clientID != "" && a.clientSecret != "" {
		req.SetBasicAuth(a.clientID, a.clientSecret)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read introspection response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("introspection endpoint returned an error",
			observability.Int("status", resp.StatusCode),
		)
		return nil, fmt.Errorf("introspection returned status %d", resp.StatusCode)
	}

	var parsed introspectionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse introspection response: %w", err)
	}

	return &parsed, nil
}

// tokenCacheKey hashes a token for use as a cache key so raw tokens
// are not retained.
func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
