// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package credentials builds the outbound credentials for backend calls.
//
// Each backend declares an auth mode and the Injector dispatches to the
// strategy registered for it. Headers are computed for every call and never
// cached, so rotated tokens take effect immediately.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// ErrUnknownAuthType is returned for a backend whose auth mode has no strategy.
var ErrUnknownAuthType = errors.New("unknown auth type")

// Request describes one outbound backend call.
type Request struct {
	Backend *gateway.BackendDescriptor
	UserID  string
	// InstanceID is the tool instance the call is made for.
	InstanceID string
	// Config is the instance's stored configuration. It may hold secrets.
	Config map[string]string
}

// Strategy produces outbound headers for one auth mode.
type Strategy interface {
	// Mode returns the auth mode the strategy serves.
	Mode() gateway.AuthMode
	// Headers returns the headers to add to the outbound call.
	Headers(ctx context.Context, req Request) (http.Header, error)
}

// Injector computes outbound headers by auth mode.
type Injector struct {
	mu         sync.RWMutex
	strategies map[gateway.AuthMode]Strategy
}

// NewInjector creates an Injector with the given strategies registered.
func NewInjector(strategies ...Strategy) (*Injector, error) {
	i := &Injector{strategies: make(map[gateway.AuthMode]Strategy)}
	for _, s := range strategies {
		if err := i.Register(s); err != nil {
			return nil, err
		}
	}
	return i, nil
}

// NewDefaultInjector registers a strategy for every gateway.AuthMode.
// Platform identity tokens are requested through identity, which may be
// NotConfigured.
func NewDefaultInjector(tokens TokenProvider, identity IdentityTokenSource) (*Injector, error) {
	return NewInjector(
		NoneStrategy{},
		NewOAuthStrategy(tokens),
		NewAPIKeyStrategy(identity),
		NewPlatformIdentityStrategy(identity),
	)
}

// Register adds a strategy. Registering a mode twice is an error.
func (i *Injector) Register(s Strategy) error {
	if s == nil {
		return errors.New("strategy cannot be nil")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.strategies[s.Mode()]; exists {
		return fmt.Errorf("strategy for auth mode %q is already registered", s.Mode())
	}
	i.strategies[s.Mode()] = s
	return nil
}

// InjectHeaders returns the outbound headers for req. A
// gateway.ReauthRequiredError is returned as is; every other failure is
// logged and wrapped.
func (i *Injector) InjectHeaders(ctx context.Context, req Request) (http.Header, error) {
	if req.Backend == nil {
		return nil, fmt.Errorf("%w: backend is required", gateway.ErrInvalidRequest)
	}

	i.mu.RLock()
	strategy, ok := i.strategies[req.Backend.AuthMode]
	i.mu.RUnlock()
	if !ok {
		logger.Errorw("backend has an unknown auth mode", "backend", req.Backend.ID, "auth_mode", req.Backend.AuthMode)
		return nil, fmt.Errorf("%w %q for backend %s", ErrUnknownAuthType, req.Backend.AuthMode, req.Backend.ID)
	}

	headers, err := strategy.Headers(ctx, req)
	if err != nil {
		if reauth, ok := gateway.AsReauthRequired(err); ok {
			logger.Infow("delegated credentials need re-authentication",
				"backend", req.Backend.ID, "user", req.UserID)
			return nil, reauth
		}
		logger.Errorw("failed to build backend credentials",
			"backend", req.Backend.ID, "auth_mode", req.Backend.AuthMode, "error", err)
		return nil, fmt.Errorf("failed to inject credentials for backend %s: %w", req.Backend.ID, err)
	}
	if headers == nil {
		headers = http.Header{}
	}
	return headers, nil
}

// NoneStrategy adds nothing.
type NoneStrategy struct{}

// Mode implements Strategy.
func (NoneStrategy) Mode() gateway.AuthMode { return gateway.AuthModeNone }

// Headers implements Strategy.
func (NoneStrategy) Headers(context.Context, Request) (http.Header, error) {
	return http.Header{}, nil
}

// OAuthStrategy sends the user's delegated access token as a bearer credential.
type OAuthStrategy struct {
	tokens TokenProvider
}

// NewOAuthStrategy creates an OAuthStrategy.
func NewOAuthStrategy(tokens TokenProvider) *OAuthStrategy {
	return &OAuthStrategy{tokens: tokens}
}

// Mode implements Strategy.
func (*OAuthStrategy) Mode() gateway.AuthMode { return gateway.AuthModeOAuth }

// Headers implements Strategy.
func (s *OAuthStrategy) Headers(ctx context.Context, req Request) (http.Header, error) {
	if req.UserID == "" {
		return nil, errors.New("delegated credentials require a user")
	}
	token, err := s.tokens.AccessToken(ctx, req.Backend, req.InstanceID, req.UserID)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// APIKeyStrategy copies allow-listed values from the instance configuration
// and, when the backend asks for it, adds a platform identity token.
type APIKeyStrategy struct {
	identity IdentityTokenSource
}

// NewAPIKeyStrategy creates an APIKeyStrategy. identity may be nil, which is
// the same as NotConfigured.
func NewAPIKeyStrategy(identity IdentityTokenSource) *APIKeyStrategy {
	if identity == nil {
		identity = NotConfigured{}
	}
	return &APIKeyStrategy{identity: identity}
}

// Mode implements Strategy.
func (*APIKeyStrategy) Mode() gateway.AuthMode { return gateway.AuthModeAPIKey }

// Headers implements Strategy. Configuration keys outside the backend's
// APIKeyHeaders allow-list are ignored.
func (s *APIKeyStrategy) Headers(ctx context.Context, req Request) (http.Header, error) {
	h := http.Header{}
	for _, name := range req.Backend.APIKeyHeaders {
		if value, ok := lookupConfig(req.Config, name); ok {
			h.Set(name, value)
		}
	}

	if req.Backend.PlatformIdentityRequired {
		if req.Backend.PlatformIdentityURL == "" {
			logger.Debugw("platform identity required but no target URL declared, skipping", "backend", req.Backend.ID)
			return h, nil
		}
		token, err := s.identity.IdentityToken(ctx, req.Backend.PlatformIdentityURL)
		if err != nil {
			return nil, fmt.Errorf("failed to obtain platform identity token: %w", err)
		}
		h.Set("Authorization", "Bearer "+token)
	}
	return h, nil
}

// PlatformIdentityStrategy authenticates the gateway itself to the backend
// with a platform-issued identity token.
type PlatformIdentityStrategy struct {
	identity IdentityTokenSource
}

// NewPlatformIdentityStrategy creates a PlatformIdentityStrategy.
func NewPlatformIdentityStrategy(identity IdentityTokenSource) *PlatformIdentityStrategy {
	if identity == nil {
		identity = NotConfigured{}
	}
	return &PlatformIdentityStrategy{identity: identity}
}

// Mode implements Strategy.
func (*PlatformIdentityStrategy) Mode() gateway.AuthMode { return gateway.AuthModePlatformIdentity }

// Headers implements Strategy. The token audience is PlatformIdentityURL,
// or the backend URL when none is declared.
func (s *PlatformIdentityStrategy) Headers(ctx context.Context, req Request) (http.Header, error) {
	audience := req.Backend.PlatformIdentityURL
	if audience == "" {
		audience = req.Backend.URL
	}
	if audience == "" {
		return nil, errors.New("platform identity requires a target URL")
	}
	token, err := s.identity.IdentityToken(ctx, audience)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain platform identity token: %w", err)
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h, nil
}

// lookupConfig finds name in config, falling back to a canonical header match.
func lookupConfig(config map[string]string, name string) (string, bool) {
	if v, ok := config[name]; ok && v != "" {
		return v, true
	}
	canonical := http.CanonicalHeaderKey(name)
	for k, v := range config {
		if v != "" && http.CanonicalHeaderKey(k) == canonical {
			return v, true
		}
	}
	return "", false
}
