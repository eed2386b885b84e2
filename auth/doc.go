// Package auth decides who is calling a business route.
//
// An Authorizer inspects a request and returns the caller's Identity.
// Require wraps a handler so that only authorized requests reach it; the
// identity is then available through IdentityFrom.
//
// Bearer builds an Authorizer from a JWT verifier configured with an HMAC
// secret, a JWKS endpoint, or OpenID Connect discovery:
//
//	a, err := auth.NewJWT(ctx, auth.JWTConfig{Issuer: "https://idp.example.com", Audience: "https://api.example.com"})
//	if err != nil { return err }
//	mux.Handle("POST /api/v1/events", auth.Require(a, renderer, "api")(events))
//
// Anonymous admits every request and is intended for development.
package auth
