// Package jwtauth verifies JWT bearer tokens against HMAC secrets, a static
// JWKS endpoint, or keys found through OpenID Connect discovery.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request is unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation of tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences are accepted "aud" values; a token must carry at
	// least one. Empty disables the audience check.
	ExpectedAudiences []string
	RequiredScopes    []string
	ScopeModeAny      bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// Identity is what a verified token says about its bearer.
type Identity struct {
	Subject string
	Scopes  []string
	Claims  map[string]any
}

// Verifier validates a raw token.
type Verifier interface {
	Verify(ctx context.Context, tok string) (*Identity, error)
}

type verifier struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

var _ Verifier = (*verifier)(nil)

func newVerifier(cfg *Config, kf jwt.Keyfunc) (*verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if slices.Contains(c.AllowedAlgs, "none") {
		return nil, errors.New("alg none is not allowed")
	}
	return &verifier{cfg: c, keyfunc: func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf(t)
	}}, nil
}

// NewHMAC verifies tokens signed with a shared secret.
func NewHMAC(cfg *Config, secret []byte) (Verifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 || slices.Contains(c.AllowedAlgs, "RS256") {
		c.AllowedAlgs = []string{"HS256"}
	}
	key := append([]byte(nil), secret...)
	return newVerifier(&c, func(*jwt.Token) (any, error) { return key, nil })
}

// NewStatic verifies tokens against the keys published at jwksURI. Keys are
// refreshed in the background until ctx is done.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return newVerifier(cfg, kf.Keyfunc)
}

// NewFromDiscovery performs OIDC discovery to find the issuer's jwks_uri and
// then behaves like NewStatic.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	c := *cfg
	c.Issuer = meta.Issuer
	return NewStatic(ctx, &c, meta.JwksURI)
}

func (v *verifier) Verify(_ context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.cfg.Leeway),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	if len(v.cfg.ExpectedAudiences) > 0 && !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	scopeStr, _ := claims["scope"].(string)
	scopes := strings.Fields(scopeStr)
	if !scopesSatisfied(scopes, v.cfg.RequiredScopes, v.cfg.ScopeModeAny) {
		return nil, ErrInsufficientScope
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return &Identity{Subject: sub, Scopes: scopes, Claims: claims}, nil
}

func scopesSatisfied(have, required []string, anyMode bool) bool {
	if len(required) == 0 {
		return true
	}
	for _, want := range required {
		ok := slices.Contains(have, want)
		if anyMode && ok {
			return true
		}
		if !anyMode && !ok {
			return false
		}
	}
	return !anyMode
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
