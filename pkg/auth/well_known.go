// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// Well-known discovery paths.
const (
	WellKnownProtectedResourcePath   = "/.well-known/oauth-protected-resource"
	WellKnownAuthorizationServerPath = "/.well-known/oauth-authorization-server"
)

// ProtectedResourceMetadata is OAuth protected resource metadata (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// AuthorizationServerMetadata is OAuth authorization server metadata (RFC 8414).
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri,omitempty"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// NewProtectedResourceMetadata describes resource as protected by the
// identity provider in doc.
func NewProtectedResourceMetadata(resource string, doc *DiscoveryDocument, scopes []string) ProtectedResourceMetadata {
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}
	return ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{doc.Issuer},
		BearerMethodsSupported: []string{"header"},
		JWKSURI:                doc.JWKSURI,
		ScopesSupported:        scopes,
	}
}

// NewAuthorizationServerMetadata re-publishes the identity provider's metadata.
func NewAuthorizationServerMetadata(doc *DiscoveryDocument, scopes []string) AuthorizationServerMetadata {
	if len(scopes) == 0 {
		scopes = doc.ScopesSupported
	}
	responseTypes := doc.ResponseTypesSupported
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	return AuthorizationServerMetadata{
		Issuer:                            doc.Issuer,
		AuthorizationEndpoint:             doc.AuthorizationEndpoint,
		TokenEndpoint:                     doc.TokenEndpoint,
		JWKSURI:                           doc.JWKSURI,
		RegistrationEndpoint:              doc.RegistrationEndpoint,
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            responseTypes,
		GrantTypesSupported:               doc.GrantTypesSupported,
		CodeChallengeMethodsSupported:     doc.CodeChallengeMethodsSupported,
		TokenEndpointAuthMethodsSupported: doc.TokenEndpointAuthMethodsSupported,
	}
}

// WriteDiscoveryCORS sets the CORS headers discovery endpoints need. It
// returns true when r was a preflight request that has been answered.
func WriteDiscoveryCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	// MCP clients send these on discovery requests.
	w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("failed to encode discovery response: %v", err)
	}
}

// WWWAuthenticate builds an RFC 6750 / RFC 9728 challenge.
func WWWAuthenticate(realm, resourceMetadataURL, errDescription string) string {
	var parts []string
	if realm != "" {
		parts = append(parts, fmt.Sprintf(`realm="%s"`, escapeQuotes(realm)))
	}
	if resourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(resourceMetadataURL)))
	}
	if errDescription != "" {
		parts = append(parts, `error="invalid_token"`,
			fmt.Sprintf(`error_description="%s"`, escapeQuotes(errDescription)))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`)
}
