package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rentora/apigw/internal/observability"
)

// KeySet resolves verification keys. HMAC keys are returned as []byte,
// asymmetric keys as their crypto public key type.
type KeySet interface {
	// GetKeyForAlgorithm returns the key for the given key ID and
	// algorithm.
	GetKeyForAlgorithm(ctx context.Context, kid, alg string) (crypto.PublicKey, error)
}

// staticKeySet serves a fixed secret or public key loaded at startup.
type staticKeySet struct {
	secret []byte
	public crypto.PublicKey
}

// NewStaticKeySet builds a key set from an HMAC secret and an optional
// PEM public key file. At least one source must be set.
func NewStaticKeySet(secret, publicKeyFile string) (KeySet, error) {
	ks := &staticKeySet{}

	if secret != "" {
		ks.secret = []byte(secret)
	}

	if publicKeyFile != "" {
		pemData, err := os.ReadFile(publicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key file: %w", err)
		}
		pub, err := ParsePublicKeyFromPEM(pemData)
		if err != nil {
			return nil, err
		}
		ks.public = pub
	}

	if ks.secret == nil && ks.public == nil {
		return nil, fmt.Errorf("no key source configured")
	}

	return ks, nil
}

// GetKeyForAlgorithm returns the static key matching the algorithm
// family.
func (s *staticKeySet) GetKeyForAlgorithm(_ context.Context, _, alg string) (crypto.PublicKey, error) {
	if strings.HasPrefix(alg, "HS") {
		if s.secret == nil {
			return nil, NewValidationError("no HMAC secret configured", ErrKeyNotFound)
		}
		return s.secret, nil
	}

	if s.public == nil {
		return nil, NewValidationError("no public key configured", ErrKeyNotFound)
	}
	return s.public, nil
}

// ParsePublicKeyFromPEM parses an RSA, ECDSA or Ed25519 public key
// from PEM data, accepting PKIX and PKCS#1 encodings and certificates.
func ParsePublicKeyFromPEM(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, NewValidationError("failed to decode PEM block", ErrInvalidKey)
	}

	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		return cert.PublicKey, nil
	}

	return nil, NewValidationError("unrecognized public key encoding", ErrInvalidKey)
}

// jsonWebKeySet is a JSON Web Key Set document.
type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// jsonWebKey is one JWKS entry, RSA and EC fields included.
type jsonWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`

	// RSA components.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC components.
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// publicKey converts the JWK to its crypto public key.
func (k *jsonWebKey) publicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "EC":
		return k.ecdsaPublicKey()
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported JWK key type %q", k.Kty), ErrInvalidKey)
	}
}

func (k *jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, NewValidationError("failed to decode RSA modulus", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, NewValidationError("failed to decode RSA exponent", err)
	}

	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: e,
	}, nil
}

func (k *jsonWebKey) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, NewValidationError(fmt.Sprintf("unsupported JWK curve %q", k.Crv), ErrInvalidKey)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, NewValidationError("failed to decode EC x coordinate", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, NewValidationError("failed to decode EC y coordinate", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}

// jwksKeySet fetches keys from a JWKS endpoint and caches them for a
// TTL. A failed refresh keeps serving the cached keys.
type jwksKeySet struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     observability.Logger

	mu        sync.RWMutex
	keys      *jsonWebKeySet
	lastFetch time.Time
}

// JWKSOption is a functional option for the JWKS key set.
type JWKSOption func(*jwksKeySet)

// WithJWKSHTTPClient sets the HTTP client used for JWKS fetches.
func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(ks *jwksKeySet) {
		ks.httpClient = client
	}
}

// WithJWKSLogger sets the logger for JWKS refreshes.
func WithJWKSLogger(logger observability.Logger) JWKSOption {
	return func(ks *jwksKeySet) {
		ks.logger = logger
	}
}

// NewJWKSKeySet builds a key set backed by a remote JWKS endpoint.
func NewJWKSKeySet(url string, ttl time.Duration, opts ...JWKSOption) KeySet {
	if ttl <= 0 {
		ttl = time.Hour
	}

	ks := &jwksKeySet{
		url: url,
		ttl: ttl,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(ks)
	}
	return ks
}

// GetKeyForAlgorithm returns the JWKS key matching the key ID.
func (ks *jwksKeySet) GetKeyForAlgorithm(ctx context.Context, kid, alg string) (crypto.PublicKey, error) {
	if strings.HasPrefix(alg, "HS") {
		return nil, NewValidationError("JWKS cannot serve HMAC keys", ErrInvalidKey)
	}

	jwk, err := ks.lookup(ctx, kid)
	if err != nil {
		return nil, err
	}
	return jwk.publicKey()
}

// lookup finds the key by ID, refreshing the cache when stale.
func (ks *jwksKeySet) lookup(ctx context.Context, kid string) (*jsonWebKey, error) {
	ks.mu.RLock()
	keys := ks.keys
	lastFetch := ks.lastFetch
	ks.mu.RUnlock()

	if keys == nil || time.Since(lastFetch) > ks.ttl {
		if err := ks.refresh(ctx); err != nil {
			if keys == nil {
				return nil, NewValidationError("JWKS unavailable", err)
			}
			ks.logger.Warn("JWKS refresh failed, serving cached keys",
				observability.Error(err),
				observability.Time("lastFetch", lastFetch),
			)
		}

		ks.mu.RLock()
		keys = ks.keys
		ks.mu.RUnlock()
	}

	for i := range keys.Keys {
		if keys.Keys[i].Kid == kid {
			return &keys.Keys[i], nil
		}
	}

	// A token without a kid against a single-key JWKS is common.
	if kid == "" && len(keys.Keys) == 1 {
		return &keys.Keys[0], nil
	}

	return nil, NewValidationError(fmt.Sprintf("no JWKS key with kid %q", kid), ErrKeyNotFound)
}

// refresh fetches the JWKS document.
func (ks *jwksKeySet) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ks.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := ks.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetch, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks jsonWebKeySet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	ks.mu.Lock()
	ks.keys = &jwks
	ks.lastFetch = time.Now()
	ks.mu.Unlock()

	ks.logger.Debug("JWKS refreshed",
		observability.String("url", ks.url),
		observability.Int("keyCount", len(jwks.Keys)),
	)
	return nil
}
