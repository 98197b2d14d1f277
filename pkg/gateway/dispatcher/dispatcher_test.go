// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/credentials"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/pool"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
	"github.com/stacklok/toolhive-gateway/pkg/storage/memory"
)

type toolCall struct {
	backend string
	tool    string
	args    string
	headers http.Header
}

// backendSim plays every backend behind the pool.
type backendSim struct {
	mu    sync.Mutex
	calls []toolCall
	dials atomic.Int32
	// block makes CallTool wait for the context.
	block bool
}

func (b *backendSim) Dial(_ context.Context, backend *gateway.BackendDescriptor) (pool.Session, error) {
	b.dials.Add(1)
	return &simSession{sim: b, backendID: backend.ID}, nil
}

func (b *backendSim) recorded() []toolCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]toolCall(nil), b.calls...)
}

type simSession struct {
	sim       *backendSim
	backendID string
}

func (s *simSession) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{
		mcp.NewTool("search", mcp.WithDescription("Search")),
		mcp.NewTool("delete", mcp.WithDescription("Delete")),
	}, nil
}

func (s *simSession) CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error) {
	if s.sim.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	var args string
	if raw, ok := arguments.(json.RawMessage); ok {
		args = string(raw)
	}
	s.sim.mu.Lock()
	s.sim.calls = append(s.sim.calls, toolCall{
		backend: s.backendID, tool: name, args: args, headers: credentials.HeadersFrom(ctx),
	})
	s.sim.mu.Unlock()

	if name == "fail" {
		return mcp.NewToolResultError("tool failed"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s:%s", s.backendID, name)), nil
}

func (*simSession) Ping(context.Context) error { return nil }
func (*simSession) Close() error               { return nil }

type fakeTokens struct {
	err error
}

func (f *fakeTokens) AccessToken(_ context.Context, _ *gateway.BackendDescriptor, instanceID, userID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "tok-" + instanceID + "-" + userID, nil
}

type env struct {
	store *memory.Store
	sim   *backendSim
	pool  *pool.Manager
	d     *Dispatcher
}

func newEnv(t *testing.T, tokens credentials.TokenProvider, timeout time.Duration) *env {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{
		ID: "github", DisplayName: "GitHub", OrganizationID: "org", Status: gateway.BackendRunning,
		AuthMode: gateway.AuthModeOAuth, Transport: gateway.TransportStreamableHTTP, URL: "http://github",
		AllowedTools: []string{"search", "fail"},
	}))
	require.NoError(t, s.PutInstance(ctx, gateway.ToolInstance{ID: "gh-main", BackendID: "github", DisplayName: "main", Enabled: true}))
	require.NoError(t, s.ReplaceTools(ctx, "gh-main", []gateway.ToolDefinition{
		{Name: "search", Description: "Search code", InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		{Name: "fail"},
	}))

	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{
		ID: "weather", DisplayName: "Weather", OrganizationID: "org", Status: gateway.BackendRunning,
		AuthMode: gateway.AuthModeAPIKey, Transport: gateway.TransportStreamableHTTP, URL: "http://weather",
		APIKeyHeaders: []string{"X-Api-Key"},
	}))
	require.NoError(t, s.PutInstance(ctx, gateway.ToolInstance{
		ID: "w-eu", BackendID: "weather", DisplayName: "eu", DisplayOrder: 1, Enabled: true,
		Config: map[string]string{"X-Api-Key": "eu-key", "X-Other": "never"},
	}))
	require.NoError(t, s.PutInstance(ctx, gateway.ToolInstance{
		ID: "w-us", BackendID: "weather", DisplayName: "us", DisplayOrder: 2, Enabled: true,
		Config: map[string]string{"X-Api-Key": "us-key"},
	}))
	for _, id := range []string{"w-eu", "w-us"} {
		require.NoError(t, s.ReplaceTools(ctx, id, []gateway.ToolDefinition{{Name: "forecast"}}))
	}

	require.NoError(t, s.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{ID: "vs", OrganizationID: "org"}))
	require.NoError(t, s.SetChildren(ctx, "vs", []storage.ChildRef{{BackendID: "github", DisplayOrder: 1}, {BackendID: "weather", DisplayOrder: 2}}))

	agg, err := aggregator.New(s, s)
	require.NoError(t, err)

	sim := &backendSim{}
	mgr, err := pool.New(pool.DefaultConfig(), sim)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	if tokens == nil {
		tokens = &fakeTokens{}
	}
	injector, err := credentials.NewDefaultInjector(tokens, credentials.NotConfigured{})
	require.NoError(t, err)

	d, err := New(Config{CallTimeout: timeout}, s, agg, mgr, injector)
	require.NoError(t, err)
	return &env{store: s, sim: sim, pool: mgr, d: d}
}

func directCtx(backendID string) context.Context {
	return gateway.WithAuthContext(context.Background(), gateway.NewAuthContext(gateway.AuthContextParams{
		OrganizationID: "org", UserID: "u1", AuthMethod: gateway.AuthMethodOIDC, BackendID: backendID,
	}))
}

func virtualCtx(vsID string) context.Context {
	return gateway.WithAuthContext(context.Background(), gateway.NewAuthContext(gateway.AuthContextParams{
		OrganizationID: "org", UserID: "u1", AuthMethod: gateway.AuthMethodOIDC, VirtualServerID: vsID,
	}))
}

type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func call(t *testing.T, d *Dispatcher, ctx context.Context, method string, params any) reply {
	t.Helper()
	body, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 7, "method": method, "params": params})
	require.NoError(t, err)
	out := d.Handle(ctx, body)
	require.NotNil(t, out)
	var r reply
	require.NoError(t, json.Unmarshal(out, &r))
	assert.Equal(t, "2.0", r.JSONRPC)
	return r
}

func TestInitialize_DoesNotTouchBackends(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	r := call(t, e.d, directCtx("github"), "initialize", map[string]any{"protocolVersion": "2024-11-05"})
	require.Nil(t, r.Error)
	var res initializeResult
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, "2024-11-05", res.ProtocolVersion)
	assert.Equal(t, "toolhive-gateway", res.ServerInfo.Name)
	assert.Contains(t, res.Capabilities, "tools")

	r = call(t, e.d, virtualCtx("vs"), "initialize", map[string]any{"protocolVersion": "1999-01-01"})
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.Equal(t, mcp.LATEST_PROTOCOL_VERSION, res.ProtocolVersion)
	assert.Zero(t, e.sim.dials.Load())
}

func TestToolsList_DirectAppliesAllowList(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	r := call(t, e.d, directCtx("github"), "tools/list", nil)
	require.Nil(t, r.Error)
	var res struct {
		Tools []struct{ Name string } `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &res))
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "search", res.Tools[0].Name)
}

func TestToolsList_VirtualReturnsMergedCatalog(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	r := call(t, e.d, virtualCtx("vs"), "tools/list", nil)
	require.Nil(t, r.Error)
	var res listToolsResult
	require.NoError(t, json.Unmarshal(r.Result, &res))

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
		assert.NotEmpty(t, tool.InputSchema)
	}
	assert.Equal(t, []string{
		"github__main__search",
		"github__main__fail",
		"weather__eu__forecast",
		"weather__us__forecast",
	}, names)
	assert.Zero(t, e.sim.dials.Load(), "catalogs come from stored tool definitions")
}

func TestToolsCall_DirectPassesThrough(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	r := call(t, e.d, directCtx("github"), "tools/call", map[string]any{"name": "search", "arguments": map[string]any{"q": "x"}})
	require.Nil(t, r.Error)
	assert.Contains(t, string(r.Result), "github:search")

	calls := e.sim.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].tool)
	assert.JSONEq(t, `{"q":"x"}`, calls[0].args)
	assert.Equal(t, "Bearer tok-gh-main-u1", calls[0].headers.Get("Authorization"))
}

func TestToolsCall_ErrorResultIsVerbatim(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	r := call(t, e.d, directCtx("github"), "tools/call", map[string]any{"name": "fail"})
	require.Nil(t, r.Error)
	var res struct {
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(r.Result, &res))
	assert.True(t, res.IsError)
}

func TestToolsCall_VirtualRoutesToOwner(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	r := call(t, e.d, virtualCtx("vs"), "tools/call", map[string]any{"name": "weather__us__forecast"})
	require.Nil(t, r.Error)
	assert.Contains(t, string(r.Result), "weather:forecast")

	calls := e.sim.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "weather", calls[0].backend)
	assert.Equal(t, "forecast", calls[0].tool)
	assert.Equal(t, "us-key", calls[0].headers.Get("X-Api-Key"))
	assert.Empty(t, calls[0].headers.Get("X-Other"))
}

func TestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ctx     context.Context
		method  string
		params  any
		setup   func(t *testing.T, e *env)
		code    int
		message string
	}{
		{
			name: "unknown method", ctx: directCtx("github"), method: "resources/list",
			code: mcp.METHOD_NOT_FOUND,
		},
		{
			name: "unknown qualified tool", ctx: virtualCtx("vs"), method: "tools/call",
			params: map[string]any{"name": "weather__asia__forecast"},
			code:   mcp.INVALID_PARAMS, message: "unknown tool",
		},
		{
			name: "malformed qualified tool", ctx: virtualCtx("vs"), method: "tools/call",
			params: map[string]any{"name": "forecast"},
			code:   mcp.INVALID_PARAMS, message: "unknown tool",
		},
		{
			name: "tool outside allow-list", ctx: directCtx("github"), method: "tools/call",
			params: map[string]any{"name": "delete"},
			code:   mcp.INVALID_PARAMS, message: "not allowed",
		},
		{
			name: "missing tool name", ctx: directCtx("github"), method: "tools/call",
			params: map[string]any{},
			code:   mcp.INVALID_PARAMS,
		},
		{
			name: "stopped backend", ctx: directCtx("github"), method: "tools/call",
			params: map[string]any{"name": "search"},
			setup: func(t *testing.T, e *env) {
				t.Helper()
				require.NoError(t, e.store.SetBackendStatus(context.Background(), "github", gateway.BackendStopped))
			},
			code: CodeUpstreamUnavailable, message: "not running (STOPPED)",
		},
		{
			name: "virtual fail fast", ctx: virtualCtx("vs"), method: "tools/list",
			setup: func(t *testing.T, e *env) {
				t.Helper()
				require.NoError(t, e.store.SetBackendStatus(context.Background(), "weather", gateway.BackendError))
			},
			code: CodeUpstreamUnavailable, message: "Weather (ERROR)",
		},
		{
			name: "deleted backend", ctx: directCtx("github"), method: "tools/list",
			setup: func(t *testing.T, e *env) {
				t.Helper()
				require.NoError(t, e.store.DeleteBackend(context.Background(), "github"))
			},
			code: CodeNotFound,
		},
		{
			name: "missing virtual server", ctx: virtualCtx("nope"), method: "tools/list",
			code: CodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t, nil, 0)
			if tt.setup != nil {
				tt.setup(t, e)
			}
			r := call(t, e.d, tt.ctx, tt.method, tt.params)
			require.NotNil(t, r.Error)
			assert.Equal(t, tt.code, r.Error.Code)
			assert.Contains(t, r.Error.Message, tt.message)
			assert.EqualValues(t, 7, r.ID)
		})
	}
}

func TestToolsCall_ReauthRequiredCarriesIdentifiers(t *testing.T) {
	t.Parallel()
	e := newEnv(t, &fakeTokens{err: &gateway.ReauthRequiredError{TokenID: "t9", UserID: "u1", BackendID: "github"}}, 0)

	r := call(t, e.d, directCtx("github"), "tools/call", map[string]any{"name": "search"})
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeReauthRequired, r.Error.Code)

	var data reauthData
	require.NoError(t, json.Unmarshal(r.Error.Data, &data))
	assert.Equal(t, reauthData{Code: "unauthorized", Reason: "reauth_required", TokenID: "t9", UserID: "u1", BackendID: "github"}, data)
	assert.Zero(t, e.sim.dials.Load())
}

func TestToolsCall_TimeoutDropsConnection(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 50*time.Millisecond)
	e.sim.block = true

	r := call(t, e.d, directCtx("github"), "tools/call", map[string]any{"name": "search"})
	require.NotNil(t, r.Error)
	assert.Equal(t, CodeUpstreamUnavailable, r.Error.Code)
	assert.Contains(t, r.Error.Message, "timed out")
	assert.Zero(t, e.pool.Stats().Connections)
}

func TestHandle_Envelope(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil, 0)

	assert.Nil(t, e.d.Handle(directCtx("github"), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))

	var r reply
	require.NoError(t, json.Unmarshal(e.d.Handle(directCtx("github"), []byte(`{not json`)), &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, mcp.PARSE_ERROR, r.Error.Code)
	assert.Nil(t, r.ID)

	require.NoError(t, json.Unmarshal(e.d.Handle(directCtx("github"), []byte(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)), &r))
	assert.Equal(t, mcp.INVALID_REQUEST, r.Error.Code)

	r = reply{}
	require.NoError(t, json.Unmarshal(e.d.Handle(directCtx("github"), []byte(`{"jsonrpc":"2.0","id":"abc","method":"ping"}`)), &r))
	assert.Nil(t, r.Error)
	assert.Equal(t, "abc", r.ID)

	r = reply{}
	require.NoError(t, json.Unmarshal(e.d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)), &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, mcp.INTERNAL_ERROR, r.Error.Code)
}
