// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
)

const bearerPrefix = "bearer "

// ExtractBearer returns the token from an Authorization header value.
func ExtractBearer(authorization string) (string, error) {
	if authorization == "" {
		return "", fmt.Errorf("%w: missing bearer token", gateway.ErrUnauthorized)
	}
	if len(authorization) <= len(bearerPrefix) || !strings.EqualFold(authorization[:len(bearerPrefix)], bearerPrefix) {
		return "", fmt.Errorf("%w: authorization header must use the Bearer scheme", gateway.ErrUnauthorized)
	}
	token := strings.TrimSpace(authorization[len(bearerPrefix):])
	if token == "" {
		return "", fmt.Errorf("%w: missing bearer token", gateway.ErrUnauthorized)
	}
	return token, nil
}

// APIKeySource says where to look for a gateway API key on a request.
type APIKeySource struct {
	Header     string
	QueryParam string
}

// DefaultAPIKeySource is X-API-Key or ?api_key=.
var DefaultAPIKeySource = APIKeySource{Header: "X-API-Key", QueryParam: "api_key"}

// Extract returns the API key on r, preferring the header.
func (s APIKeySource) Extract(r *http.Request) (string, bool) {
	if s.Header != "" {
		if v := strings.TrimSpace(r.Header.Get(s.Header)); v != "" {
			return v, true
		}
	}
	if s.QueryParam != "" {
		if v := strings.TrimSpace(r.URL.Query().Get(s.QueryParam)); v != "" {
			return v, true
		}
	}
	return "", false
}

// HashAPIKey returns the stored form of an API key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ClaimsContextKey is the key used to store verified claims in the request context.
type ClaimsContextKey struct{}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, ClaimsContextKey{}, claims)
}

// ClaimsFromContext returns the verified claims stored in ctx.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey{}).(*Claims)
	return claims, ok
}
