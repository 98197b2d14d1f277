// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-core/httperr"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []storage.Change
}

func (r *recordingPublisher) Publish(_ context.Context, c storage.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(t.Context(), filepath.Join(t.TempDir(), "gateway.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_BackendRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	in := gateway.BackendDescriptor{
		ID:             "b1",
		OrganizationID: "org",
		CreatedBy:      "u1",
		DisplayName:    "GitHub",
		AuthMode:       gateway.AuthModeOAuth,
		Transport:      gateway.TransportStdio,
		Command:        "npx",
		Args:           []string{"-y", "server-github"},
		Env:            map[string]string{"LOG": "debug"},
		AllowedTools:   []string{"list_repos"},
		APIKeyHeaders:  []string{"X-Api-Key"},
		OAuth: &gateway.OAuthClientConfig{
			ClientID: "cid", ClientSecret: "shh", TokenURL: "https://idp/token", Scopes: []string{"repo"},
		},
		Status:                gateway.BackendRunning,
		PIIPolicy:             gateway.PIIPolicy{Mode: "mask", Categories: []string{"email"}},
		ToonConversionEnabled: true,
	}
	require.NoError(t, s.PutBackend(ctx, in))

	got, err := s.GetBackend(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, in.Args, got.Args)
	assert.Equal(t, in.Env, got.Env)
	assert.Equal(t, in.AllowedTools, got.AllowedTools)
	assert.Equal(t, in.APIKeyHeaders, got.APIKeyHeaders)
	assert.Equal(t, "shh", got.OAuth.ClientSecret)
	assert.Equal(t, in.PIIPolicy, got.PIIPolicy)
	assert.True(t, got.ToonConversionEnabled)
	assert.Equal(t, gateway.TransportStdio, got.Transport)
	assert.False(t, got.Deleted())

	require.NoError(t, s.DeleteBackend(ctx, "b1"))
	got, err = s.GetBackend(ctx, "b1")
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	_, err = s.GetBackend(ctx, "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 404, httperr.Code(err))
}

func TestStore_VirtualServerCatalog(t *testing.T) {
	t.Parallel()
	pub := &recordingPublisher{}
	s := newTestStore(t, WithPublisher(pub))
	ctx := t.Context()

	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{ID: "A", Status: gateway.BackendRunning}))
	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{ID: "B", Status: gateway.BackendRunning}))
	require.NoError(t, s.PutInstance(ctx, gateway.ToolInstance{
		ID: "ib", BackendID: "B", NormalizedName: "instanceB", Enabled: true,
		Config: map[string]string{"X-Api-Key": "secret"},
	}))
	require.NoError(t, s.ReplaceTools(ctx, "ib", []gateway.ToolDefinition{
		{Name: "multiply", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "divide"},
	}))
	require.NoError(t, s.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{ID: "vs", OrganizationID: "org", CreatedBy: "u1"}))
	require.NoError(t, s.SetChildren(ctx, "vs", []storage.ChildRef{
		{BackendID: "B", DisplayOrder: 1},
		{BackendID: "A", DisplayOrder: 0},
	}))

	children, err := s.ListChildren(ctx, "vs")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "A", children[0].Backend.ID)
	assert.Equal(t, "B", children[1].Backend.ID)
	assert.Equal(t, 1, children[1].DisplayOrder)

	instances, err := s.ListInstances(ctx, "B")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "secret", instances[0].Config["X-Api-Key"])

	tools, err := s.ListTools(ctx, "ib")
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "multiply", tools[0].Name)
	assert.JSONEq(t, `{"type":"object"}`, string(tools[0].InputSchema))
	assert.Nil(t, tools[1].InputSchema)

	before, err := s.CatalogStamp(ctx, "vs")
	require.NoError(t, err)
	require.NoError(t, s.ReplaceTools(ctx, "ib", []gateway.ToolDefinition{{Name: "multiply"}}))
	after, err := s.CatalogStamp(ctx, "vs")
	require.NoError(t, err)
	assert.True(t, after.After(before))

	ids, err := s.VirtualServersContaining(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"vs"}, ids)

	_, err = s.CatalogStamp(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Contains(t, pub.changes, storage.Change{Kind: storage.ChangeVirtualServer, ID: "vs"})
	assert.Contains(t, pub.changes, storage.Change{Kind: storage.ChangeTools, ID: "ib"})
}

func TestStore_SetChildrenUnknownBackend(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{ID: "vs"}))
	err := s.SetChildren(ctx, "vs", []storage.ChildRef{{BackendID: "ghost"}})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_Identity(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.CreateOrganization(ctx, storage.Organization{ID: "org", Name: "Acme"}))
	require.NoError(t, s.CreateUser(ctx, storage.User{ID: "u1", Subject: "sub-1", Email: "alice@example.com"}))
	require.NoError(t, s.CreateUser(ctx, storage.User{ID: "u2", Email: "bob@example.com"}))
	require.NoError(t, s.AddMember(ctx, "org", "u1"))
	require.NoError(t, s.AddMember(ctx, "org", "u1"))
	require.NoError(t, s.CreateAPIKey(ctx, storage.APIKey{Hash: "abc", UserID: "u2"}))

	require.ErrorIs(t, s.CreateOrganization(ctx, storage.Organization{ID: "org"}), storage.ErrAlreadyExists)

	id, err := s.UserIDBySubject(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	id, err = s.UserIDByEmail(ctx, "BOB@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u2", id)

	id, err = s.UserIDByAPIKeyHash(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "u2", id)

	_, err = s.UserIDBySubject(ctx, "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	member, err := s.IsMember(ctx, "org", "u2")
	require.NoError(t, err)
	assert.False(t, member)
}

func TestStore_DelegatedTokens(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveDelegatedToken(ctx, gateway.DelegatedToken{
		ID: "t1", InstanceID: "i1", UserID: "u1", AccessToken: "at", RefreshToken: "rt", Expiry: expiry,
	}))
	require.NoError(t, s.SaveDelegatedToken(ctx, gateway.DelegatedToken{
		ID: "t1", InstanceID: "i1", UserID: "u1", AccessToken: "at2", RefreshToken: "rt", Expiry: expiry,
	}))

	tok, err := s.GetDelegatedToken(ctx, "i1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "at2", tok.AccessToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	_, err = s.GetDelegatedToken(ctx, "i1", "u2")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
