// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// TokenProvider returns a usable delegated access token for a user and tool
// instance.
type TokenProvider interface {
	AccessToken(ctx context.Context, backend *gateway.BackendDescriptor, instanceID, userID string) (string, error)
}

const (
	defaultExpiryDelta    = 30 * time.Second
	defaultRefreshTimeout = 15 * time.Second
)

// DelegatedTokens serves stored delegated tokens, refreshing expired ones.
//
// A refresh is a single attempt with no retries. Concurrent callers for the
// same instance and user share it. A rejected refresh grant, or a token that
// cannot be refreshed at all, yields a gateway.ReauthRequiredError.
type DelegatedTokens struct {
	store       storage.TokenStore
	client      *http.Client
	now         func() time.Time
	expiryDelta time.Duration
	timeout     time.Duration
	flight      singleflight.Group
}

// DelegatedOption configures DelegatedTokens.
type DelegatedOption func(*DelegatedTokens)

// WithHTTPClient sets the client used for token endpoint requests.
func WithHTTPClient(c *http.Client) DelegatedOption {
	return func(d *DelegatedTokens) { d.client = c }
}

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) DelegatedOption {
	return func(d *DelegatedTokens) { d.now = now }
}

// WithExpiryDelta treats tokens expiring within delta as expired.
func WithExpiryDelta(delta time.Duration) DelegatedOption {
	return func(d *DelegatedTokens) { d.expiryDelta = delta }
}

// NewDelegatedTokens creates DelegatedTokens reading from store.
func NewDelegatedTokens(store storage.TokenStore, opts ...DelegatedOption) *DelegatedTokens {
	d := &DelegatedTokens{
		store:       store,
		client:      &http.Client{Timeout: defaultRefreshTimeout},
		now:         time.Now,
		expiryDelta: defaultExpiryDelta,
		timeout:     defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AccessToken implements TokenProvider.
func (d *DelegatedTokens) AccessToken(
	ctx context.Context, backend *gateway.BackendDescriptor, instanceID, userID string,
) (string, error) {
	tok, err := d.store.GetDelegatedToken(ctx, instanceID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", &gateway.ReauthRequiredError{UserID: userID, BackendID: backend.ID}
	}
	if err != nil {
		return "", fmt.Errorf("failed to load delegated token: %w", err)
	}

	if d.valid(tok) {
		return tok.AccessToken, nil
	}

	ch := d.flight.DoChan(instanceID+"/"+userID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		return d.refresh(refreshCtx, backend, tok)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (d *DelegatedTokens) valid(tok *gateway.DelegatedToken) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return d.now().Add(d.expiryDelta).Before(tok.Expiry)
}

func (d *DelegatedTokens) refresh(ctx context.Context, backend *gateway.BackendDescriptor, tok *gateway.DelegatedToken) (string, error) {
	reauth := &gateway.ReauthRequiredError{TokenID: tok.ID, UserID: tok.UserID, BackendID: backend.ID}
	if tok.RefreshToken == "" {
		logger.Debugw("delegated token expired without refresh token", "backend", backend.ID, "user", tok.UserID)
		return "", reauth
	}
	if backend.OAuth == nil || backend.OAuth.TokenURL == "" {
		return "", fmt.Errorf("%w: backend %s has no OAuth token endpoint", gateway.ErrInternal, backend.ID)
	}

	cfg := &oauth2.Config{
		ClientID:     backend.OAuth.ClientID,
		ClientSecret: backend.OAuth.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   backend.OAuth.AuthURL,
			TokenURL:  backend.OAuth.TokenURL,
			// A fixed style avoids the second request auto-detection makes on failure.
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		Scopes: backend.OAuth.Scopes,
	}

	// An empty access token forces exactly one refresh grant.
	src := cfg.TokenSource(context.WithValue(ctx, oauth2.HTTPClient, d.client), &oauth2.Token{
		RefreshToken: tok.RefreshToken,
	})
	fresh, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && (retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "invalid_token") {
			logger.Infow("delegated refresh token rejected", "backend", backend.ID, "user", tok.UserID)
			return "", reauth
		}
		return "", fmt.Errorf("failed to refresh delegated token: %w", err)
	}

	updated := *tok
	updated.AccessToken = fresh.AccessToken
	updated.TokenType = fresh.TokenType
	updated.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		updated.RefreshToken = fresh.RefreshToken
	}
	if err := d.store.SaveDelegatedToken(ctx, updated); err != nil {
		// The fresh token is still usable for this call.
		logger.Warnw("failed to persist refreshed delegated token", "backend", backend.ID, "user", tok.UserID, "error", err)
	}
	return updated.AccessToken, nil
}
