// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
	"github.com/stacklok/toolhive-gateway/pkg/storage/memory"
	"github.com/stacklok/toolhive-gateway/pkg/storage/mocks"
)

func seededStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{
		ID:                    "b1",
		OrganizationID:        "org",
		CreatedBy:             "owner",
		Status:                gateway.BackendRunning,
		PIIPolicy:             gateway.PIIPolicy{Mode: "mask", Categories: []string{"email"}},
		ToonConversionEnabled: true,
	}))
	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{ID: "gone", OrganizationID: "org"}))
	require.NoError(t, s.DeleteBackend(ctx, "gone"))
	require.NoError(t, s.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{ID: "vs", OrganizationID: "org", CreatedBy: "owner"}))
	deleted := time.Now()
	require.NoError(t, s.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{ID: "old-vs", OrganizationID: "org", DeletedAt: &deleted}))
	return s
}

func TestResolveClaims(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		claims   *auth.Claims
		resource Resource
		setup    func(m *mocks.MockIdentityStore)
		wantErr  error
		wantMsg  string
		check    func(t *testing.T, ac *gateway.AuthContext)
	}{
		{
			name:     "subject resolves backend member",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: Backend("b1"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u1").Return(true, nil)
			},
			check: func(t *testing.T, ac *gateway.AuthContext) {
				t.Helper()
				assert.Equal(t, "u1", ac.UserID())
				assert.Equal(t, "org", ac.OrganizationID())
				assert.Equal(t, "b1", ac.BackendID())
				assert.Equal(t, gateway.AuthMethodOIDC, ac.AuthMethod())
				assert.Equal(t, "mask", ac.PIIPolicy().Mode)
				assert.True(t, ac.ToonConversionEnabled())
				assert.False(t, ac.IsVirtualEndpoint())
			},
		},
		{
			name:     "falls back to trimmed email",
			claims:   &auth.Claims{Subject: "unknown", Email: "  alice@example.com "},
			resource: Backend("b1"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "unknown").Return("", storage.ErrNotFound)
				m.EXPECT().UserIDByEmail(gomock.Any(), "alice@example.com").Return("u2", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u2").Return(true, nil)
			},
			check: func(t *testing.T, ac *gateway.AuthContext) {
				t.Helper()
				assert.Equal(t, "u2", ac.UserID())
			},
		},
		{
			name:     "blank subject skips subject lookup",
			claims:   &auth.Claims{Subject: "   ", Email: "alice@example.com"},
			resource: Backend("b1"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDByEmail(gomock.Any(), "alice@example.com").Return("u2", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u2").Return(true, nil)
			},
		},
		{
			name:     "unknown user",
			claims:   &auth.Claims{Subject: "sub-x", Email: " "},
			resource: Backend("b1"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-x").Return("", storage.ErrNotFound)
			},
			wantErr: gateway.ErrUnauthorized,
			wantMsg: "unauthorized: user not found",
		},
		{
			name:     "missing backend",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: Backend("nope"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
			},
			wantErr: gateway.ErrNotFound,
		},
		{
			name:     "soft-deleted backend",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: Backend("gone"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
			},
			wantErr: gateway.ErrNotFound,
		},
		{
			name:     "non-member is forbidden",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: Backend("b1"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u1").Return(false, nil)
			},
			wantErr: gateway.ErrForbidden,
		},
		{
			name:     "membership lookup failure is forbidden",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: Backend("b1"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u1").Return(false, errors.New("db down"))
			},
			wantErr: gateway.ErrForbidden,
		},
		{
			name:     "virtual server drops backend policy",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: VirtualServer("vs"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u1").Return(true, nil)
			},
			check: func(t *testing.T, ac *gateway.AuthContext) {
				t.Helper()
				assert.True(t, ac.IsVirtualEndpoint())
				assert.Equal(t, "vs", ac.VirtualServerID())
				assert.Empty(t, ac.BackendID())
				assert.False(t, ac.PIIPolicy().Enabled())
				assert.False(t, ac.ToonConversionEnabled())
			},
		},
		{
			name:     "soft-deleted virtual server",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: VirtualServer("old-vs"),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
			},
			wantErr: gateway.ErrNotFound,
		},
		{
			name:     "owner restricted rejects other members",
			claims:   &auth.Claims{Subject: "sub-1"},
			resource: VirtualServer("vs").Owned(),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-1").Return("u1", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "u1").Return(true, nil)
			},
			wantErr: gateway.ErrForbidden,
			wantMsg: "forbidden: only the creator can access this resource",
		},
		{
			name:     "owner restricted admits creator",
			claims:   &auth.Claims{Subject: "sub-owner"},
			resource: VirtualServer("vs").Owned(),
			setup: func(m *mocks.MockIdentityStore) {
				m.EXPECT().UserIDBySubject(gomock.Any(), "sub-owner").Return("owner", nil)
				m.EXPECT().IsMember(gomock.Any(), "org", "owner").Return(true, nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			identities := mocks.NewMockIdentityStore(ctrl)
			tt.setup(identities)

			store := seededStore(t)
			r := NewResolver(identities, store, store)

			ac, err := r.ResolveClaims(context.Background(), tt.claims, tt.resource)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				if tt.wantMsg != "" {
					assert.Equal(t, tt.wantMsg, err.Error())
				}
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, ac)
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Parallel()

	t.Run("valid key", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		identities := mocks.NewMockIdentityStore(ctrl)
		identities.EXPECT().UserIDByAPIKeyHash(gomock.Any(), auth.HashAPIKey("secret")).Return("u1", nil)
		identities.EXPECT().IsMember(gomock.Any(), "org", "u1").Return(true, nil)

		store := seededStore(t)
		ac, err := NewResolver(identities, store, store).ResolveAPIKey(context.Background(), "secret", Backend("b1"))
		require.NoError(t, err)
		assert.Equal(t, gateway.AuthMethodAPIKey, ac.AuthMethod())
	})

	t.Run("unknown key", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		identities := mocks.NewMockIdentityStore(ctrl)
		identities.EXPECT().UserIDByAPIKeyHash(gomock.Any(), gomock.Any()).Return("", storage.ErrNotFound)

		store := seededStore(t)
		_, err := NewResolver(identities, store, store).ResolveAPIKey(context.Background(), "wrong", Backend("b1"))
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
	})

	t.Run("virtual servers reject keys", func(t *testing.T) {
		t.Parallel()
		ctrl := gomock.NewController(t)
		store := seededStore(t)
		_, err := NewResolver(mocks.NewMockIdentityStore(ctrl), store, store).
			ResolveAPIKey(context.Background(), "secret", VirtualServer("vs"))
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
	})
}
