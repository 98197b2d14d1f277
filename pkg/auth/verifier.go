// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth verifies inbound credentials: OIDC bearer access tokens checked
// against the identity provider's signing keys, and long-lived gateway API keys.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/versions"
)

var (
	// ErrNotConfigured is returned when no identity provider is configured.
	ErrNotConfigured = errors.New("identity provider not configured")

	// errKeysUnavailable marks failures to obtain signing keys, as opposed to
	// failures of the token itself.
	errKeysUnavailable = errors.New("signing keys unavailable")

	errUnknownKey = errors.New("unknown signing key")
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultFetchTries   = 3
	maxMetadataBytes    = 1 << 20
)

// DiscoveryDocument is the subset of OIDC discovery metadata the gateway uses.
type DiscoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// Config configures a Verifier.
type Config struct {
	// Issuer is the OIDC issuer URL. Discovery metadata is read from
	// Issuer/.well-known/openid-configuration.
	Issuer string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// JWKSURL overrides the jwks_uri from discovery.
	JWKSURL string
	// AllowedAlgorithms restricts accepted signing algorithms. Defaults to RS256 and ES256.
	AllowedAlgorithms []string
	// Leeway is the allowed clock skew for time-based claims.
	Leeway time.Duration
	// FetchTimeout bounds one discovery or key-set fetch, retries included.
	FetchTimeout time.Duration
	// FetchTries is the number of attempts for one fetch.
	FetchTries uint
	// RefreshInterval is the minimum time between key-set refreshes triggered
	// by tokens signed with an unknown key id. Zero disables such refreshes.
	RefreshInterval time.Duration
	// HTTPClient is used for all identity provider requests.
	HTTPClient *http.Client
}

// Claims are the verified claims of an access token.
type Claims struct {
	Subject   string
	Email     string
	Issuer    string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

type providerState struct {
	doc  *DiscoveryDocument
	keys jwk.Set
}

// Verifier validates bearer tokens against the identity provider's signing
// keys. Discovery metadata and keys are fetched lazily, at most once at a
// time, and kept until Clear is called.
type Verifier struct {
	cfg    Config
	client *http.Client
	parser *jwt.Parser

	mu     sync.RWMutex
	state  *providerState
	flight singleflight.Group

	refreshLimiter *rate.Limiter
}

// NewVerifier creates a Verifier. No network calls are made until the first
// verification or metadata request.
func NewVerifier(cfg Config) *Verifier {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.FetchTries == 0 {
		cfg.FetchTries = defaultFetchTries
	}
	if len(cfg.AllowedAlgorithms) == 0 {
		cfg.AllowedAlgorithms = []string{"RS256", "ES256"}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.FetchTimeout}
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.AllowedAlgorithms),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	limiter := rate.NewLimiter(0, 0)
	if cfg.RefreshInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RefreshInterval), 1)
	}

	return &Verifier{
		cfg:            cfg,
		client:         client,
		parser:         jwt.NewParser(opts...),
		refreshLimiter: limiter,
	}
}

// Configured reports whether an issuer or key-set URL is configured.
func (v *Verifier) Configured() bool {
	return v.cfg.Issuer != "" || v.cfg.JWKSURL != ""
}

// Verify checks an Authorization header value of the form "Bearer <token>".
// Every failure wraps gateway.ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, authorization string) (*Claims, error) {
	token, err := ExtractBearer(authorization)
	if err != nil {
		return nil, err
	}
	return v.VerifyToken(ctx, token)
}

// VerifyToken checks a raw access token.
func (v *Verifier) VerifyToken(ctx context.Context, raw string) (*Claims, error) {
	if !v.Configured() {
		logger.Errorw("token verification requested without identity provider configuration")
		return nil, fmt.Errorf("%w: token verification unavailable", gateway.ErrUnauthorized)
	}

	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(raw, &tc, func(t *jwt.Token) (any, error) {
		return v.keyFor(ctx, t)
	})
	if err != nil {
		return nil, classify(err)
	}

	claims := &Claims{
		Subject: tc.Subject,
		Email:   tc.Email,
		Issuer:  tc.Issuer,
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, errKeysUnavailable):
		logger.Warnw("token rejected: identity provider keys unavailable", "error", err)
		return fmt.Errorf("%w: unable to verify token", gateway.ErrUnauthorized)
	case errors.Is(err, jwt.ErrTokenExpired):
		logger.Debugw("token rejected: expired")
		return fmt.Errorf("%w: token expired", gateway.ErrUnauthorized)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, errUnknownKey):
		logger.Infow("token rejected: bad signature", "error", err)
		return fmt.Errorf("%w: invalid token signature", gateway.ErrUnauthorized)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		logger.Infow("token rejected: wrong issuer or audience", "error", err)
		return fmt.Errorf("%w: token not issued for this gateway", gateway.ErrUnauthorized)
	default:
		logger.Infow("token rejected: malformed", "error", err)
		return fmt.Errorf("%w: malformed token", gateway.ErrUnauthorized)
	}
}

func (v *Verifier) keyFor(ctx context.Context, t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)

	state, err := v.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errKeysUnavailable, err)
	}

	key, err := lookupKey(state.keys, kid)
	if errors.Is(err, errUnknownKey) && v.refreshLimiter.Allow() {
		// The provider may have rotated its keys since they were cached.
		logger.Infow("refreshing signing keys for unknown key id", "kid", kid)
		v.Clear()
		if state, err = v.load(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", errKeysUnavailable, err)
		}
		key, err = lookupKey(state.keys, kid)
	}
	return key, err
}

func lookupKey(keys jwk.Set, kid string) (any, error) {
	var key jwk.Key
	if kid == "" {
		if keys.Len() != 1 {
			return nil, fmt.Errorf("%w: token has no key id", errUnknownKey)
		}
		key, _ = keys.Key(0)
	} else {
		var found bool
		if key, found = keys.LookupKeyID(kid); !found {
			return nil, fmt.Errorf("%w: %s", errUnknownKey, kid)
		}
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	return raw, nil
}

// Metadata returns the identity provider's discovery document.
func (v *Verifier) Metadata(ctx context.Context) (*DiscoveryDocument, error) {
	if v.cfg.Issuer == "" {
		return nil, ErrNotConfigured
	}
	state, err := v.load(ctx)
	if err != nil {
		return nil, err
	}
	return state.doc, nil
}

// Clear drops cached metadata and keys so the next call fetches them again.
func (v *Verifier) Clear() {
	v.mu.Lock()
	v.state = nil
	v.mu.Unlock()
}

// load returns the cached provider state, fetching it if needed. Concurrent
// callers share one fetch; a failed fetch is not cached.
func (v *Verifier) load(ctx context.Context) (*providerState, error) {
	v.mu.RLock()
	state := v.state
	v.mu.RUnlock()
	if state != nil {
		return state, nil
	}

	ch := v.flight.DoChan("provider", func() (any, error) {
		v.mu.RLock()
		cached := v.state
		v.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}

		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.FetchTimeout)
		defer cancel()
		fetched, err := v.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}

		v.mu.Lock()
		v.state = fetched
		v.mu.Unlock()
		return fetched, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*providerState), nil
	}
}

func (v *Verifier) fetch(ctx context.Context) (*providerState, error) {
	state := &providerState{}
	jwksURL := v.cfg.JWKSURL

	if v.cfg.Issuer != "" {
		wellKnown := strings.TrimSuffix(v.cfg.Issuer, "/") + "/.well-known/openid-configuration"
		body, err := v.get(ctx, wellKnown)
		if err != nil {
			return nil, fmt.Errorf("failed to discover OIDC configuration: %w", err)
		}
		var doc DiscoveryDocument
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode OIDC configuration: %w", err)
		}
		if doc.JWKSURI == "" && jwksURL == "" {
			return nil, errors.New("OIDC configuration missing jwks_uri")
		}
		state.doc = &doc
		if jwksURL == "" {
			jwksURL = doc.JWKSURI
		}
	}

	body, err := v.get(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	keys, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	state.keys = keys
	return state, nil
}

// get fetches url with bounded retries. Client errors are not retried.
func (v *Verifier) get(ctx context.Context, url string) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", versions.UserAgent())
		req.Header.Set("Accept", "application/json")

		resp, err := v.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("%s returned status %d", url, resp.StatusCode)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(v.cfg.FetchTries),
	)
}
