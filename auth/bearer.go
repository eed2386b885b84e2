package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/livegate/internal/jwtauth"
)

// JWTConfig selects how bearer tokens are verified. Exactly one key source
// is used: Secret (HS256), JWKSURL, or discovery from Issuer.
type JWTConfig struct {
	Issuer         string
	Audience       string
	Secret         string
	JWKSURL        string
	RequiredScopes []string
	AllowedAlgs    []string
	Leeway         time.Duration
}

type bearer struct {
	v jwtauth.Verifier
}

// NewJWT builds a bearer token Authorizer. With a JWKS URL or discovery the
// signing keys are refreshed in the background until ctx is done.
func NewJWT(ctx context.Context, cfg JWTConfig) (Authorizer, error) {
	jc := jwtauth.DefaultConfig()
	jc.Issuer = cfg.Issuer
	if cfg.Audience != "" {
		jc.ExpectedAudiences = []string{cfg.Audience}
	}
	jc.RequiredScopes = append([]string(nil), cfg.RequiredScopes...)
	if len(cfg.AllowedAlgs) > 0 {
		jc.AllowedAlgs = append([]string(nil), cfg.AllowedAlgs...)
	}
	if cfg.Leeway > 0 {
		jc.Leeway = cfg.Leeway
	}

	var (
		v   jwtauth.Verifier
		err error
	)
	switch {
	case cfg.Secret != "":
		v, err = jwtauth.NewHMAC(jc, []byte(cfg.Secret))
	case cfg.JWKSURL != "":
		v, err = jwtauth.NewStatic(ctx, jc, cfg.JWKSURL)
	case cfg.Issuer != "":
		v, err = jwtauth.NewFromDiscovery(ctx, jc)
	default:
		return nil, errors.New("auth: one of secret, jwks url or issuer is required")
	}
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &bearer{v: v}, nil
}

func (b *bearer) Authorize(r *http.Request) (Identity, error) {
	tok, err := bearerToken(r)
	if err != nil {
		return Identity{}, err
	}
	id, err := b.v.Verify(r.Context(), tok)
	switch {
	case err == nil:
		return Identity{Subject: id.Subject, Scopes: id.Scopes}, nil
	case errors.Is(err, jwtauth.ErrInsufficientScope):
		return Identity{}, fmt.Errorf("%w: %v", ErrInsufficientScope, err)
	default:
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
}

var (
	errMissingCredentials = errors.New("missing credentials")
	errMalformedHeader    = errors.New("malformed authorization header")
)

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, errMissingCredentials)
	}
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(tok) == "" {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, errMalformedHeader)
	}
	return strings.TrimSpace(tok), nil
}
