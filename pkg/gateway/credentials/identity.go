// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

// ErrPlatformIdentityNotConfigured is returned by NotConfigured.
var ErrPlatformIdentityNotConfigured = errors.New("platform identity is not configured")

// IdentityTokenSource issues short-lived identity tokens that prove the
// gateway's own workload identity to a backend.
type IdentityTokenSource interface {
	IdentityToken(ctx context.Context, audience string) (string, error)
}

// NotConfigured is the IdentityTokenSource used when the gateway runs without
// a platform identity provider.
type NotConfigured struct{}

// IdentityToken implements IdentityTokenSource.
func (NotConfigured) IdentityToken(context.Context, string) (string, error) {
	return "", ErrPlatformIdentityNotConfigured
}

// GoogleIdentity issues Google-signed ID tokens using application default
// credentials or a service account key file. One token source is kept per
// audience; each caches its token until shortly before expiry.
type GoogleIdentity struct {
	// base outlives individual requests; token sources keep it for refreshes.
	base            context.Context
	credentialsFile string

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewGoogleIdentity creates a GoogleIdentity. credentialsFile may be empty to
// use application default credentials.
func NewGoogleIdentity(ctx context.Context, credentialsFile string) *GoogleIdentity {
	return &GoogleIdentity{
		base:            context.WithoutCancel(ctx),
		credentialsFile: credentialsFile,
		sources:         make(map[string]oauth2.TokenSource),
	}
}

// IdentityToken implements IdentityTokenSource.
func (g *GoogleIdentity) IdentityToken(_ context.Context, audience string) (string, error) {
	src, err := g.source(audience)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain identity token: %w", err)
	}
	return tok.AccessToken, nil
}

func (g *GoogleIdentity) source(audience string) (oauth2.TokenSource, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if src, ok := g.sources[audience]; ok {
		return src, nil
	}

	var opts []idtoken.ClientOption
	if g.credentialsFile != "" {
		opts = append(opts, idtoken.WithCredentialsFile(g.credentialsFile))
	}
	src, err := idtoken.NewTokenSource(g.base, audience, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity token source: %w", err)
	}
	g.sources[audience] = src
	return src, nil
}
