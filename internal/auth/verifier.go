package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/meshgate/meshgate/internal/config"
	"github.com/meshgate/meshgate/internal/observability"
)

// Default claim names when the configuration leaves them empty.
const (
	DefaultTierClaim        = "tier"
	DefaultPermissionsClaim = "permissions"
)

const defaultClockSkew = 30 * time.Second

// Verifier verifies bearer tokens and extracts caller identities.
type Verifier struct {
	alg              jwa.SignatureAlgorithm
	key              interface{}
	tierClaim        string
	permissionsClaim string
	logger           observability.Logger
}

// NewVerifier creates a token verifier from configuration. The algorithm
// selects the key source: HS256 uses the shared secret, RS256 loads a PEM
// public key from disk.
func NewVerifier(cfg *config.AuthConfig, logger observability.Logger) (*Verifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("auth: config is required")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	v := &Verifier{
		tierClaim:        cfg.TierClaim,
		permissionsClaim: cfg.PermissionsClaim,
		logger:           logger,
	}
	if v.tierClaim == "" {
		v.tierClaim = DefaultTierClaim
	}
	if v.permissionsClaim == "" {
		v.permissionsClaim = DefaultPermissionsClaim
	}

	switch strings.ToUpper(cfg.Algorithm) {
	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("auth: HS256 requires a secret")
		}
		v.alg = jwa.HS256
		v.key = []byte(cfg.Secret)
	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("auth: RS256 requires a public key file")
		}
		pemData, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: failed to read public key: %w", err)
		}
		key, err := jwk.ParseKey(pemData, jwk.WithPEM(true))
		if err != nil {
			return nil, fmt.Errorf("auth: failed to parse public key: %w", err)
		}
		v.alg = jwa.RS256
		v.key = key
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, cfg.Algorithm)
	}

	return v, nil
}

// Verify parses and validates a bearer token, returning the caller
// identity extracted from its claims.
func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	tok, err := jwt.Parse([]byte(token),
		jwt.WithContext(ctx),
		jwt.WithKey(v.alg, v.key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(defaultClockSkew),
	)
	if err != nil {
		recordVerification("failure")
		v.logger.Debug("token verification failed", observability.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	identity := &Identity{Subject: tok.Subject()}
	if raw, ok := tok.Get(v.tierClaim); ok {
		if tier, ok := raw.(string); ok {
			identity.Tier = tier
		}
	}
	if raw, ok := tok.Get(v.permissionsClaim); ok {
		identity.Permissions = permissionStrings(raw)
	}

	recordVerification("success")
	return identity, nil
}

// Authenticate resolves the identity for an HTTP request. A request
// without a token gets the anonymous identity; a request with a bad
// token gets ErrInvalidToken.
func (v *Verifier) Authenticate(r *http.Request) (*Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return AnonymousIdentity(), nil
	}
	return v.Verify(r.Context(), token)
}

// BearerToken extracts the bearer token from the Authorization header,
// falling back to the access_token query parameter for WebSocket
// handshakes where browsers cannot set headers.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("access_token")
}

// permissionStrings normalizes a permissions claim value. Accepts a
// JSON array of strings or a space-separated scope string.
func permissionStrings(raw interface{}) []string {
	switch val := raw.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return strings.Fields(val)
	default:
		return nil
	}
}
