package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func encodeSegment(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(data)
}

func signHS256(t *testing.T, secret string, claims map[string]interface{}) string {
	t.Helper()

	signingInput := encodeSegment(t, map[string]interface{}{"alg": "HS256", "typ": "JWT"}) +
		"." + encodeSegment(t, claims)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]interface{}) string {
	t.Helper()

	header := map[string]interface{}{"alg": "RS256", "typ": "JWT"}
	if kid != "" {
		header["kid"] = kid
	}
	signingInput := encodeSegment(t, header) + "." + encodeSegment(t, claims)

	hash := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	require.NoError(t, err)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature)
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, claims map[string]interface{}) string {
	t.Helper()

	signingInput := encodeSegment(t, map[string]interface{}{"alg": "ES256", "typ": "JWT"}) +
		"." + encodeSegment(t, claims)

	hash := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	require.NoError(t, err)

	keySize := (key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*keySize)
	r.FillBytes(sig[:keySize])
	s.FillBytes(sig[keySize:])
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func writePublicKeyPEM(t *testing.T, pub interface{}) string {
	t.Helper()

	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "public.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func futureClaims(sub string) map[string]interface{} {
	return map[string]interface{}{
		"sub": sub,
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
}

func TestValidator_Validate_HS256(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Secret: "lease-signing-secret"})
	require.NoError(t, err)

	token := signHS256(t, "lease-signing-secret", futureClaims("tenant-42"))
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", claims.Subject)
}

func TestValidator_Validate_WrongSecret(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Secret: "lease-signing-secret"})
	require.NoError(t, err)

	token := signHS256(t, "some-other-secret", futureClaims("tenant-42"))
	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidator_Validate_Malformed(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Secret: "lease-signing-secret"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "two segments", token: "aaaa.bbbb"},
		{name: "four segments", token: "a.b.c.d"},
		{name: "header not base64", token: "!!!.eyJzdWIiOiJ4In0.c2ln"},
		{name: "header not json", token: base64.RawURLEncoding.EncodeToString([]byte("no")) + ".eyJzdWIiOiJ4In0.c2ln"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := v.Validate(context.Background(), tt.token)
			require.Error(t, err)
			if tt.token == "" {
				assert.ErrorIs(t, err, ErrEmptyToken)
				return
			}
			assert.ErrorIs(t, err, ErrTokenMalformed)
		})
	}
}

func TestValidator_Validate_Expired(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Secret: "lease-signing-secret"})
	require.NoError(t, err)

	token := signHS256(t, "lease-signing-secret", map[string]interface{}{
		"sub": "tenant-42",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})

	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidator_Validate_ExpiredWithinSkew(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{
		Secret:    "lease-signing-secret",
		ClockSkew: time.Minute,
	})
	require.NoError(t, err)

	token := signHS256(t, "lease-signing-secret", map[string]interface{}{
		"sub": "tenant-42",
		"exp": time.Now().Add(-10 * time.Second).Unix(),
	})

	_, err = v.Validate(context.Background(), token)
	assert.NoError(t, err)
}

func TestValidator_Validate_NotYetValid(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Secret: "lease-signing-secret"})
	require.NoError(t, err)

	token := signHS256(t, "lease-signing-secret", map[string]interface{}{
		"sub": "tenant-42",
		"exp": time.Now().Add(time.Hour).Unix(),
		"nbf": time.Now().Add(30 * time.Minute).Unix(),
	})

	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenNotYetValid)
}

func TestValidator_Validate_Issuer(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{
		Secret: "lease-signing-secret",
		Issuer: "https://id.rentora.io",
	})
	require.NoError(t, err)

	good := futureClaims("tenant-42")
	good["iss"] = "https://id.rentora.io"
	_, err = v.Validate(context.Background(), signHS256(t, "lease-signing-secret", good))
	assert.NoError(t, err)

	bad := futureClaims("tenant-42")
	bad["iss"] = "https://id.evil.example"
	_, err = v.Validate(context.Background(), signHS256(t, "lease-signing-secret", bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIssuer)
}

func TestValidator_Validate_Audience(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{
		Secret:   "lease-signing-secret",
		Audience: []string{"tenant-portal"},
	})
	require.NoError(t, err)

	good := futureClaims("tenant-42")
	good["aud"] = []string{"owner-portal", "tenant-portal"}
	_, err = v.Validate(context.Background(), signHS256(t, "lease-signing-secret", good))
	assert.NoError(t, err)

	bad := futureClaims("tenant-42")
	bad["aud"] = "admin-portal"
	_, err = v.Validate(context.Background(), signHS256(t, "lease-signing-secret", bad))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAudience)
}

func TestValidator_Validate_AlgorithmPinned(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{
		Algorithm: "HS512",
		Secret:    "lease-signing-secret",
	})
	require.NoError(t, err)

	token := signHS256(t, "lease-signing-secret", futureClaims("tenant-42"))
	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestValidator_Validate_AlgNone(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Secret: "lease-signing-secret"})
	require.NoError(t, err)

	token := encodeSegment(t, map[string]interface{}{"alg": "none", "typ": "JWT"}) +
		"." + encodeSegment(t, futureClaims("tenant-42")) + "."

	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestValidator_Validate_RS256FromPEM(t *testing.T) {
	t.Parallel()

	key := generateTestRSAKey(t)
	v, err := NewValidator(&Config{
		PublicKeyFile: writePublicKeyPEM(t, &key.PublicKey),
	})
	require.NoError(t, err)

	token := signRS256(t, key, "", futureClaims("tenant-42"))
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", claims.Subject)

	// A token signed with a different key must be rejected.
	other := generateTestRSAKey(t)
	_, err = v.Validate(context.Background(), signRS256(t, other, "", futureClaims("tenant-42")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidator_Validate_ES256FromPEM(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	v, err := NewValidator(&Config{
		PublicKeyFile: writePublicKeyPEM(t, &key.PublicKey),
	})
	require.NoError(t, err)

	token := signES256(t, key, futureClaims("tenant-42"))
	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", claims.Subject)
}

func TestValidator_Validate_HMACTokenAgainstRSAKey(t *testing.T) {
	t.Parallel()

	// A classic confusion attack: an HS256 token presented to a
	// validator configured with an RSA public key must be rejected.
	key := generateTestRSAKey(t)
	v, err := NewValidator(&Config{
		PublicKeyFile: writePublicKeyPEM(t, &key.PublicKey),
	})
	require.NoError(t, err)

	token := signHS256(t, "lease-signing-secret", futureClaims("tenant-42"))
	_, err = v.Validate(context.Background(), token)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestNewValidator_NoKeySource(t *testing.T) {
	t.Parallel()

	_, err := NewValidator(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no key source configured")
}

func TestNewValidator_NilConfig(t *testing.T) {
	t.Parallel()

	_, err := NewValidator(nil)
	require.Error(t, err)
}

type fixedKeySet struct {
	key crypto.PublicKey
	err error
}

func (f *fixedKeySet) GetKeyForAlgorithm(context.Context, string, string) (crypto.PublicKey, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.key, nil
}

func TestValidator_Validate_KeySetError(t *testing.T) {
	t.Parallel()

	v, err := NewValidator(&Config{Algorithm: "RS256"},
		WithKeySet(&fixedKeySet{err: NewValidationError("no key", ErrKeyNotFound)}))
	require.NoError(t, err)

	key := generateTestRSAKey(t)
	_, err = v.Validate(context.Background(), signRS256(t, key, "missing-kid", futureClaims("tenant-42")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestValidator_Validate_ES512SignatureLength(t *testing.T) {
	t.Parallel()

	// P-521 coordinates are 66 bytes, so the raw signature must be
	// 132 bytes even when r has leading zeros.
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)

	v, err := NewValidator(&Config{Algorithm: "ES512"}, WithKeySet(&fixedKeySet{key: &key.PublicKey}))
	require.NoError(t, err)

	signingInput := encodeSegment(t, map[string]interface{}{"alg": "ES512", "typ": "JWT"}) +
		"." + encodeSegment(t, futureClaims("tenant-42"))

	hash := sha512.Sum512([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, key, hash[:])
	require.NoError(t, err)

	keySize := 66
	sig := make([]byte, 2*keySize)
	r.FillBytes(sig[:keySize])
	s.FillBytes(sig[keySize:])
	token := signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)

	claims, err := v.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "tenant-42", claims.Subject)
}

func TestAllowedAlgorithms(t *testing.T) {
	t.Parallel()

	secret := allowedAlgorithms(&Config{Secret: "s"})
	assert.True(t, secret[AlgHS256])
	assert.False(t, secret[AlgRS256])

	pinned := allowedAlgorithms(&Config{Algorithm: "ES384", Secret: "s"})
	assert.True(t, pinned[AlgES384])
	assert.False(t, pinned[AlgHS256])
	assert.Len(t, pinned, 1)

	asym := allowedAlgorithms(&Config{JWKSURL: "https://id.rentora.io/jwks"})
	assert.True(t, asym[AlgRS256])
	assert.True(t, asym[AlgES512])
	assert.False(t, asym[AlgHS256])
}
