// Package wellknown holds documents served under /.well-known.
package wellknown

import "strings"

// ProtectedResourcePath is where ProtectedResourceMetadata is served
// (RFC 9728).
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata tells clients which authorization servers issue
// tokens accepted by the API and how to present them.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewProtectedResource describes the API at publicURL+prefix. Tokens are
// only accepted in the Authorization header.
func NewProtectedResource(publicURL, prefix, issuer, jwksURI string, scopes []string) ProtectedResourceMetadata {
	md := ProtectedResourceMetadata{
		Resource:               strings.TrimRight(publicURL, "/") + prefix,
		JwksURI:                jwksURI,
		ScopesSupported:        append([]string(nil), scopes...),
		BearerMethodsSupported: []string{"header"},
	}
	if issuer != "" {
		md.AuthorizationServers = []string{issuer}
	}
	return md
}
