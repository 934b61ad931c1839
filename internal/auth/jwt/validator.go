// Package jwt verifies bearer tokens against configured HMAC secrets,
// PEM public keys or a remote JWKS endpoint. Verification is
// mandatory: a token whose signature cannot be checked is rejected.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash"
	"math/big"
	"strings"
	"time"

	"github.com/rentora/apigw/internal/observability"
)

// Config holds the verification settings for one gateway.
type Config struct {
	// Algorithm restricts verification to a single algorithm. Empty
	// means any algorithm the configured key material can verify.
	Algorithm string

	// Secret is the HMAC secret for HS algorithms.
	Secret string

	// PublicKeyFile is a PEM file holding the verification key.
	PublicKeyFile string

	// JWKSURL is a remote JWKS endpoint.
	JWKSURL string

	// JWKSCacheTTL bounds how long fetched JWKS keys are reused.
	JWKSCacheTTL time.Duration

	// Issuer, when set, must equal the token's iss claim.
	Issuer string

	// Audience, when set, must intersect the token's aud claim.
	Audience []string

	// ClockSkew is tolerated on exp and nbf checks.
	ClockSkew time.Duration
}

// Validator validates JWT tokens.
type Validator interface {
	// Validate verifies a token's signature and claims.
	Validate(ctx context.Context, token string) (*Claims, error)

	// Close releases background resources.
	Close()
}

type validator struct {
	config  *Config
	keySet  KeySet
	allowed map[string]bool
	logger  observability.Logger
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*validator)

// WithLogger sets the validator logger.
func WithLogger(logger observability.Logger) ValidatorOption {
	return func(v *validator) {
		v.logger = logger
	}
}

// WithKeySet overrides the key set built from configuration.
func WithKeySet(keySet KeySet) ValidatorOption {
	return func(v *validator) {
		v.keySet = keySet
	}
}

// NewValidator creates a validator from configuration.
func NewValidator(config *Config, opts ...ValidatorOption) (Validator, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	v := &validator{
		config: config,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.keySet == nil {
		keySet, err := createKeySet(config, v.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create key set: %w", err)
		}
		v.keySet = keySet
	}

	v.allowed = allowedAlgorithms(config)
	return v, nil
}

// createKeySet picks the key source from configuration: JWKS when a
// URL is set, otherwise the static secret or PEM file.
func createKeySet(config *Config, logger observability.Logger) (KeySet, error) {
	if config.JWKSURL != "" {
		return NewJWKSKeySet(config.JWKSURL, config.JWKSCacheTTL, WithJWKSLogger(logger)), nil
	}
	return NewStaticKeySet(config.Secret, config.PublicKeyFile)
}

// allowedAlgorithms derives the acceptable algorithm set. Pinning a
// single algorithm in config closes algorithm-confusion attacks; the
// derived default admits only what the key material can verify.
func allowedAlgorithms(config *Config) map[string]bool {
	allowed := make(map[string]bool)

	if config.Algorithm != "" {
		allowed[config.Algorithm] = true
		return allowed
	}

	if config.Secret != "" {
		allowed[AlgHS256] = true
		allowed[AlgHS384] = true
		allowed[AlgHS512] = true
	}
	if config.PublicKeyFile != "" || config.JWKSURL != "" {
		for _, alg := range []string{
			AlgRS256, AlgRS384, AlgRS512,
			AlgPS256, AlgPS384, AlgPS512,
			AlgES256, AlgES384, AlgES512,
			AlgEdDSA,
		} {
			allowed[alg] = true
		}
	}
	return allowed
}

// tokenHeader is the decoded JOSE header.
type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid"`
}

// Validate verifies the token and returns its claims.
func (v *validator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	header, err := v.decodeHeader(parts[0])
	if err != nil {
		return nil, NewValidationError("failed to decode header", ErrTokenMalformed)
	}

	if !v.allowed[header.Algorithm] {
		return nil, NewValidationError(
			fmt.Sprintf("algorithm %q is not allowed", header.Algorithm), ErrUnsupportedAlgorithm)
	}

	claims, err := v.decodePayload(parts[1])
	if err != nil {
		return nil, NewValidationError("failed to decode payload", ErrTokenMalformed)
	}

	if err := v.verifySignature(ctx, header, parts[0]+"."+parts[1], parts[2]); err != nil {
		return nil, err
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}

	v.logger.Debug("JWT validated",
		observability.String("subject", claims.Subject),
		observability.String("issuer", claims.Issuer),
	)
	return claims, nil
}

// Close stops background key refreshes.
func (v *validator) Close() {
	if c, ok := v.keySet.(interface{ Close() }); ok {
		c.Close()
	}
}

func (v *validator) decodeHeader(encoded string) (*tokenHeader, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	return &header, nil
}

func (v *validator) decodePayload(encoded string) (*Claims, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	var claimsMap map[string]interface{}
	if err := json.Unmarshal(data, &claimsMap); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return ParseClaims(claimsMap), nil
}

// verifySignature checks the signature against the resolved key.
func (v *validator) verifySignature(ctx context.Context, header *tokenHeader, signingInput, signature string) error {
	sigBytes, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return NewValidationError("failed to decode signature", ErrTokenMalformed)
	}

	key, err := v.keySet.GetKeyForAlgorithm(ctx, header.KeyID, header.Algorithm)
	if err != nil {
		return err
	}

	switch header.Algorithm {
	case AlgRS256:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA256)
	case AlgRS384:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA384)
	case AlgRS512:
		return verifyRSA(key, signingInput, sigBytes, crypto.SHA512)
	case AlgPS256:
		return verifyRSAPSS(key, signingInput, sigBytes, crypto.SHA256)
	case AlgPS384:
		return verifyRSAPSS(key, signingInput, sigBytes, crypto.SHA384)
	case AlgPS512:
		return verifyRSAPSS(key, signingInput, sigBytes, crypto.SHA512)
	case AlgES256:
		return verifyECDSA(key, signingInput, sigBytes, crypto.SHA256)
	case AlgES384:
		return verifyECDSA(key, signingInput, sigBytes, crypto.SHA384)
	case AlgES512:
		return verifyECDSA(key, signingInput, sigBytes, crypto.SHA512)
	case AlgHS256:
		return verifyHMAC(key, signingInput, sigBytes, sha256.New)
	case AlgHS384:
		return verifyHMAC(key, signingInput, sigBytes, sha512.New384)
	case AlgHS512:
		return verifyHMAC(key, signingInput, sigBytes, sha512.New)
	case AlgEdDSA:
		return verifyEdDSA(key, signingInput, sigBytes)
	default:
		return NewValidationError(fmt.Sprintf("unsupported algorithm %q", header.Algorithm), ErrUnsupportedAlgorithm)
	}
}

func verifyRSA(key crypto.PublicKey, signingInput string, signature []byte, hashAlg crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an RSA public key", ErrInvalidKey)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	if err := rsa.VerifyPKCS1v15(rsaKey, hashAlg, h.Sum(nil), signature); err != nil {
		return NewValidationError("RSA signature verification failed", ErrInvalidSignature)
	}
	return nil
}

func verifyRSAPSS(key crypto.PublicKey, signingInput string, signature []byte, hashAlg crypto.Hash) error {
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an RSA public key", ErrInvalidKey)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	opts := &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       hashAlg,
	}
	if err := rsa.VerifyPSS(rsaKey, hashAlg, h.Sum(nil), signature, opts); err != nil {
		return NewValidationError("RSA-PSS signature verification failed", ErrInvalidSignature)
	}
	return nil
}

// verifyECDSA checks a JOSE signature, which is the raw r || s
// concatenation, not ASN.1.
func verifyECDSA(key crypto.PublicKey, signingInput string, signature []byte, hashAlg crypto.Hash) error {
	ecdsaKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return NewValidationError("key is not an ECDSA public key", ErrInvalidKey)
	}

	keySize := (ecdsaKey.Curve.Params().BitSize + 7) / 8
	if len(signature) != 2*keySize {
		return NewValidationError("invalid ECDSA signature length", ErrInvalidSignature)
	}

	h := hashAlg.New()
	h.Write([]byte(signingInput))

	r := new(big.Int).SetBytes(signature[:keySize])
	s := new(big.Int).SetBytes(signature[keySize:])
	if !ecdsa.Verify(ecdsaKey, h.Sum(nil), r, s) {
		return NewValidationError("ECDSA signature verification failed", ErrInvalidSignature)
	}
	return nil
}

func verifyHMAC(key crypto.PublicKey, signingInput string, signature []byte, hashFunc func() hash.Hash) error {
	keyBytes, ok := key.([]byte)
	if !ok {
		return NewValidationError("key is not suitable for HMAC", ErrInvalidKey)
	}

	mac := hmac.New(hashFunc, keyBytes)
	mac.Write([]byte(signingInput))

	if !hmac.Equal(signature, mac.Sum(nil)) {
		return NewValidationError("HMAC signature verification failed", ErrInvalidSignature)
	}
	return nil
}

func verifyEdDSA(key crypto.PublicKey, signingInput string, signature []byte) error {
	edKey, ok := key.(ed25519.PublicKey)
	if !ok {
		return NewValidationError("key is not an Ed25519 public key", ErrInvalidKey)
	}

	if !ed25519.Verify(edKey, []byte(signingInput), signature) {
		return NewValidationError("Ed25519 signature verification failed", ErrInvalidSignature)
	}
	return nil
}

// validateClaims checks expiry, not-before, issuer and audience.
func (v *validator) validateClaims(claims *Claims) error {
	now := time.Now()
	skew := v.config.ClockSkew

	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time.Add(skew)) {
		return NewValidationError("token has expired", ErrTokenExpired)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time.Add(-skew)) {
		return NewValidationError("token is not yet valid", ErrTokenNotYetValid)
	}

	if v.config.Issuer != "" && claims.Issuer != v.config.Issuer {
		return NewValidationError(
			fmt.Sprintf("issuer %q is not allowed", claims.Issuer), ErrInvalidIssuer)
	}

	if len(v.config.Audience) > 0 && !claims.Audience.ContainsAny(v.config.Audience...) {
		return NewValidationError("token audience does not match", ErrInvalidAudience)
	}

	return nil
}

var _ Validator = (*validator)(nil)
