package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
)

const testSecret = "test-secret-for-hs256"

func hs256Config() *config.AuthConfig {
	return &config.AuthConfig{
		Algorithm: "HS256",
		Secret:    testSecret,
	}
}

func signHS256(t *testing.T, claims map[string]interface{}) string {
	t.Helper()

	builder := jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(time.Hour))
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	tok, err := builder.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return string(signed)
}

func TestNewVerifier_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *config.AuthConfig
	}{
		{"nil config", nil},
		{"unknown algorithm", &config.AuthConfig{Algorithm: "ES512"}},
		{"hs256 without secret", &config.AuthConfig{Algorithm: "HS256"}},
		{"rs256 without key file", &config.AuthConfig{Algorithm: "RS256"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.cfg, observability.NopLogger())
			assert.Error(t, err)
		})
	}
}

func TestVerify_ValidToken(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	token := signHS256(t, map[string]interface{}{
		"tier":        "pro",
		"permissions": []string{"prices:read", "orders:write"},
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.Subject)
	assert.Equal(t, "pro", identity.Tier)
	assert.Equal(t, []string{"prices:read", "orders:write"}, identity.Permissions)
	assert.False(t, identity.Anonymous)
}

func TestVerify_SpaceSeparatedPermissions(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	token := signHS256(t, map[string]interface{}{
		"permissions": "prices:read orders:write",
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, []string{"prices:read", "orders:write"}, identity.Permissions)
}

func TestVerify_CustomClaimNames(t *testing.T) {
	cfg := hs256Config()
	cfg.TierClaim = "plan"
	cfg.PermissionsClaim = "scope"
	v, err := NewVerifier(cfg, observability.NopLogger())
	require.NoError(t, err)

	token := signHS256(t, map[string]interface{}{
		"plan":  "enterprise",
		"scope": "admin",
	})

	identity, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", identity.Tier)
	assert.Equal(t, []string{"admin"}, identity.Permissions)
}

func TestVerify_BadSignature(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	tok, err := jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("wrong-secret")))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), string(signed))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_ExpiredToken(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	tok, err := jwt.NewBuilder().
		Subject("user-1").
		Expiration(time.Now().Add(-time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), string(signed))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Garbage(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RS256(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	keyFile := filepath.Join(t.TempDir(), "public.pem")
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	require.NoError(t, os.WriteFile(keyFile, pemData, 0o600))

	v, err := NewVerifier(&config.AuthConfig{
		Algorithm:     "RS256",
		PublicKeyFile: keyFile,
	}, observability.NopLogger())
	require.NoError(t, err)

	tok, err := jwt.NewBuilder().
		Subject("user-2").
		Claim("tier", "basic").
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, priv))
	require.NoError(t, err)

	identity, err := v.Verify(context.Background(), string(signed))
	require.NoError(t, err)
	assert.Equal(t, "user-2", identity.Subject)
	assert.Equal(t, "basic", identity.Tier)
}

func TestAuthenticate_NoTokenIsAnonymous(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/prices", nil)
	identity, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.True(t, identity.Anonymous)
	assert.Empty(t, identity.Subject)
}

func TestAuthenticate_BadTokenRejected(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/prices", nil)
	r.Header.Set("Authorization", "Bearer garbage")
	_, err = v.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticate_HeaderToken(t *testing.T) {
	v, err := NewVerifier(hs256Config(), observability.NopLogger())
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/api/v1/prices", nil)
	r.Header.Set("Authorization", "Bearer "+signHS256(t, nil))
	identity, err := v.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.Subject)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer abc123", "", "abc123"},
		{"lowercase scheme", "bearer abc123", "", "abc123"},
		{"no credentials", "", "", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "", ""},
		{"query fallback", "", "abc123", "abc123"},
		{"header wins over query", "Bearer fromheader", "fromquery", "fromheader"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/ws"
			if tt.query != "" {
				url += "?access_token=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, BearerToken(r))
		})
	}
}
