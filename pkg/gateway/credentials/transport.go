// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"net/http"

	"github.com/stacklok/toolhive-gateway/pkg/versions"
)

type headersKey struct{}

// WithHeaders returns a copy of ctx carrying outbound headers for the backend
// call made with it.
func WithHeaders(ctx context.Context, h http.Header) context.Context {
	if len(h) == 0 {
		return ctx
	}
	return context.WithValue(ctx, headersKey{}, h.Clone())
}

// HeadersFrom returns the outbound headers stored in ctx.
func HeadersFrom(ctx context.Context) http.Header {
	h, _ := ctx.Value(headersKey{}).(http.Header)
	return h
}

// Transport adds the headers carried by each request's context. Pooled
// backend sessions are shared between users, so credentials travel with the
// call rather than the connection.
type Transport struct {
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", versions.UserAgent())
	for name, values := range HeadersFrom(req.Context()) {
		clone.Header.Del(name)
		for _, v := range values {
			clone.Header.Add(name, v)
		}
	}
	return base.RoundTrip(clone)
}
