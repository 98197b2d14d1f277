// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"slices"
)

// AuthMethod records how the caller authenticated.
type AuthMethod string

const (
	// AuthMethodOIDC is an OIDC bearer access token.
	AuthMethodOIDC AuthMethod = "oidc"
	// AuthMethodAPIKey is a long-lived gateway API key.
	AuthMethodAPIKey AuthMethod = "api_key"
)

// AuthContextParams holds the values for NewAuthContext.
type AuthContextParams struct {
	OrganizationID        string
	UserID                string
	AuthMethod            AuthMethod
	BackendID             string
	PIIPolicy             PIIPolicy
	ToonConversionEnabled bool
	VirtualServerID       string
}

// AuthContext is the resolved identity, entitlement and policy for one request.
// It has no setters; build a new one instead of changing an existing one.
type AuthContext struct {
	organizationID        string
	userID                string
	authMethod            AuthMethod
	backendID             string
	piiPolicy             PIIPolicy
	toonConversionEnabled bool
	virtualServerID       string
}

// NewAuthContext builds an AuthContext. A non-empty VirtualServerID marks a
// virtual endpoint, which never carries backend policy.
func NewAuthContext(p AuthContextParams) *AuthContext {
	ac := &AuthContext{
		organizationID:  p.OrganizationID,
		userID:          p.UserID,
		authMethod:      p.AuthMethod,
		virtualServerID: p.VirtualServerID,
	}
	if p.VirtualServerID == "" {
		ac.backendID = p.BackendID
		ac.piiPolicy = PIIPolicy{Mode: p.PIIPolicy.Mode, Categories: slices.Clone(p.PIIPolicy.Categories)}
		ac.toonConversionEnabled = p.ToonConversionEnabled
	}
	return ac
}

// OrganizationID returns the organization owning the requested resource.
func (a *AuthContext) OrganizationID() string { return a.organizationID }

// UserID returns the resolved internal user id.
func (a *AuthContext) UserID() string { return a.userID }

// AuthMethod returns how the caller authenticated.
func (a *AuthContext) AuthMethod() AuthMethod { return a.authMethod }

// BackendID returns the concrete backend id, empty for virtual endpoints.
func (a *AuthContext) BackendID() string { return a.backendID }

// PIIPolicy returns a copy of the PII masking policy.
func (a *AuthContext) PIIPolicy() PIIPolicy {
	return PIIPolicy{Mode: a.piiPolicy.Mode, Categories: slices.Clone(a.piiPolicy.Categories)}
}

// ToonConversionEnabled reports whether compact-notation conversion is on.
func (a *AuthContext) ToonConversionEnabled() bool { return a.toonConversionEnabled }

// IsVirtualEndpoint reports whether the request targets a virtual server.
func (a *AuthContext) IsVirtualEndpoint() bool { return a.virtualServerID != "" }

// VirtualServerID returns the virtual server id, empty for concrete backends.
func (a *AuthContext) VirtualServerID() string { return a.virtualServerID }

type authContextKey struct{}

// WithAuthContext returns a copy of ctx carrying ac.
func WithAuthContext(ctx context.Context, ac *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthContextFrom returns the AuthContext stored in ctx.
func AuthContextFrom(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return ac, ok && ac != nil
}
