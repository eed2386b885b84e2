package auth

import (
	"context"
	"errors"
	"net/http"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Identity is an authorized caller.
type Identity struct {
	Subject string
	Scopes  []string
}

// Authorizer decides whether r may proceed and who sent it. It should
// return an error wrapping ErrUnauthorized or ErrInsufficientScope.
type Authorizer interface {
	Authorize(r *http.Request) (Identity, error)
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(r *http.Request) (Identity, error)

func (f AuthorizerFunc) Authorize(r *http.Request) (Identity, error) { return f(r) }

// Anonymous admits every request as subject "anonymous".
func Anonymous() Authorizer {
	return AuthorizerFunc(func(*http.Request) (Identity, error) {
		return Identity{Subject: "anonymous"}, nil
	})
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity Require attached to ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
