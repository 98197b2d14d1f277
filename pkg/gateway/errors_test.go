// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantCode   Code
		wantStatus int
	}{
		{
			name:       "unauthorized",
			err:        fmt.Errorf("%w: user not found", ErrUnauthorized),
			wantCode:   CodeUnauthorized,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "forbidden stays distinct from unauthorized",
			err:        fmt.Errorf("%w: not a member", ErrForbidden),
			wantCode:   CodeForbidden,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "not found",
			err:        fmt.Errorf("%w: backend b1", ErrNotFound),
			wantCode:   CodeNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid request",
			err:        fmt.Errorf("%w: unknown tool", ErrInvalidRequest),
			wantCode:   CodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "upstream unavailable",
			err:        fmt.Errorf("%w: A (STOPPED)", ErrUpstreamUnavailable),
			wantCode:   CodeUpstreamUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "reauth required",
			err:        &ReauthRequiredError{TokenID: "t", UserID: "u", BackendID: "b"},
			wantCode:   CodeUnauthorized,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unclassified is internal",
			err:        errors.New("boom"),
			wantCode:   CodeInternal,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.wantCode, CodeOf(tt.err))
			assert.Equal(t, tt.wantStatus, HTTPStatus(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "unauthorized: user not found", fmt.Errorf("%w: user not found", ErrUnauthorized).Error())
	assert.Equal(t, "internal error", PublicMessage(errors.New("dsn=postgres://secret")))
	assert.Equal(t, "forbidden: nope", PublicMessage(fmt.Errorf("%w: nope", ErrForbidden)))
}

func TestAsReauthRequired(t *testing.T) {
	t.Parallel()

	orig := &ReauthRequiredError{TokenID: "tok-1", UserID: "user-1", BackendID: "b-1"}

	got, ok := AsReauthRequired(orig)
	require.True(t, ok)
	assert.Same(t, orig, got)

	_, ok = AsReauthRequired(errors.New("other"))
	assert.False(t, ok)
}

func TestNewAuthContext(t *testing.T) {
	t.Parallel()

	t.Run("concrete backend carries policy", func(t *testing.T) {
		t.Parallel()
		categories := []string{"email"}
		ac := NewAuthContext(AuthContextParams{
			OrganizationID:        "org-1",
			UserID:                "user-1",
			AuthMethod:            AuthMethodOIDC,
			BackendID:             "b-1",
			PIIPolicy:             PIIPolicy{Mode: "mask", Categories: categories},
			ToonConversionEnabled: true,
		})

		categories[0] = "changed"
		assert.Equal(t, "b-1", ac.BackendID())
		assert.Equal(t, []string{"email"}, ac.PIIPolicy().Categories)
		assert.True(t, ac.ToonConversionEnabled())
		assert.False(t, ac.IsVirtualEndpoint())

		ac.PIIPolicy().Categories[0] = "mutated"
		assert.Equal(t, []string{"email"}, ac.PIIPolicy().Categories)
	})

	t.Run("virtual endpoint defaults policy", func(t *testing.T) {
		t.Parallel()
		ac := NewAuthContext(AuthContextParams{
			OrganizationID:        "org-1",
			UserID:                "user-1",
			AuthMethod:            AuthMethodOIDC,
			BackendID:             "ignored",
			PIIPolicy:             PIIPolicy{Mode: "mask"},
			ToonConversionEnabled: true,
			VirtualServerID:       "vs-1",
		})

		assert.True(t, ac.IsVirtualEndpoint())
		assert.Equal(t, "vs-1", ac.VirtualServerID())
		assert.Empty(t, ac.BackendID())
		assert.False(t, ac.PIIPolicy().Enabled())
		assert.False(t, ac.ToonConversionEnabled())
	})

	t.Run("context round trip", func(t *testing.T) {
		t.Parallel()
		ac := NewAuthContext(AuthContextParams{UserID: "u"})
		got, ok := AuthContextFrom(WithAuthContext(t.Context(), ac))
		require.True(t, ok)
		assert.Same(t, ac, got)

		_, ok = AuthContextFrom(t.Context())
		assert.False(t, ok)
	})
}
