// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/credentials"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/pool"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// target is a resolved backend call destination.
type target struct {
	backend  *gateway.BackendDescriptor
	instance *gateway.ToolInstance
}

func (t target) instanceID() string {
	if t.instance == nil {
		return ""
	}
	return t.instance.ID
}

type catalogTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []catalogTool `json:"tools"`
}

func (d *Dispatcher) listVirtualTools(ctx context.Context, ac *gateway.AuthContext) (*listToolsResult, error) {
	catalog, err := d.catalogs.Aggregate(ctx, ac.VirtualServerID())
	if err != nil {
		return nil, err
	}
	res := &listToolsResult{Tools: make([]catalogTool, 0, len(catalog.Entries))}
	for _, e := range catalog.Entries {
		schema := e.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		res.Tools = append(res.Tools, catalogTool{Name: e.QualifiedName, Description: e.Description, InputSchema: schema})
	}
	return res, nil
}

// listBackendTools asks the live backend for its tools and applies the
// backend's allow-list.
func (d *Dispatcher) listBackendTools(ctx context.Context, ac *gateway.AuthContext) (*mcp.ListToolsResult, error) {
	t, err := d.directTarget(ctx, ac)
	if err != nil {
		return nil, err
	}

	var tools []mcp.Tool
	err = d.withSession(ctx, ac, t, func(ctx context.Context, s pool.Session) error {
		var err error
		tools, err = s.ListTools(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	allowed := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if t.backend.AllowsTool(tool.Name) {
			allowed = append(allowed, tool)
		}
	}
	return &mcp.ListToolsResult{Tools: allowed}, nil
}

func (d *Dispatcher) callBackendTool(ctx context.Context, ac *gateway.AuthContext, params callParams) (*mcp.CallToolResult, error) {
	t, err := d.directTarget(ctx, ac)
	if err != nil {
		return nil, err
	}
	if !t.backend.AllowsTool(params.Name) {
		return nil, fmt.Errorf("%w: tool %q is not allowed on backend %s", gateway.ErrInvalidRequest, params.Name, t.backend.ID)
	}
	return d.call(ctx, ac, t, params.Name, params.Arguments)
}

func (d *Dispatcher) callVirtualTool(ctx context.Context, ac *gateway.AuthContext, params callParams) (*mcp.CallToolResult, error) {
	entry, err := d.catalogs.Resolve(ctx, ac.VirtualServerID(), params.Name)
	if err != nil {
		return nil, err
	}

	backend, err := d.liveBackend(ctx, entry.OwnerBackendID)
	if err != nil {
		return nil, err
	}
	inst, err := d.backends.GetInstance(ctx, entry.OwnerInstanceID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w %q", aggregator.ErrUnknownTool, params.Name)
	case err != nil:
		return nil, fmt.Errorf("%w: failed to load tool instance %s: %w", gateway.ErrInternal, entry.OwnerInstanceID, err)
	}

	logger.Debugw("routing virtual tool call", "virtual_server", ac.VirtualServerID(),
		"tool", params.Name, "backend", backend.ID, "instance", inst.ID)
	return d.call(ctx, ac, target{backend: backend, instance: inst}, entry.OriginalName, params.Arguments)
}

// call forwards one tool call and returns the backend's result verbatim,
// including results flagged as errors.
func (d *Dispatcher) call(ctx context.Context, ac *gateway.AuthContext, t target, tool string, args json.RawMessage) (*mcp.CallToolResult, error) {
	var arguments any
	if len(args) > 0 {
		arguments = args
	}

	var res *mcp.CallToolResult
	err := d.withSession(ctx, ac, t, func(ctx context.Context, s pool.Session) error {
		var err error
		res, err = s.CallTool(ctx, tool, arguments)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// withSession injects credentials, acquires a pooled session for t and runs
// fn under the call deadline. A timed-out call drops its connection; other
// failures leave it to the health check on the next acquire.
func (d *Dispatcher) withSession(
	ctx context.Context,
	ac *gateway.AuthContext,
	t target,
	fn func(context.Context, pool.Session) error,
) error {
	req := credentials.Request{Backend: t.backend, UserID: ac.UserID(), InstanceID: t.instanceID()}
	if t.instance != nil {
		req.Config = t.instance.Config
	}
	headers, err := d.injector.InjectHeaders(ctx, req)
	if err != nil {
		// Re-authentication errors must reach the caller unwrapped.
		return err
	}

	callCtx, cancel := context.WithTimeout(credentials.WithHeaders(ctx, headers), d.cfg.CallTimeout)
	defer cancel()

	conn, err := d.connections.Acquire(callCtx, pool.KeyFor(t.backend, t.instanceID()), t.backend)
	if err != nil {
		logger.Warnw("failed to acquire backend connection", "backend", t.backend.ID, "error", err)
		return fmt.Errorf("%w: backend %s is unreachable", gateway.ErrUpstreamUnavailable, t.backend.ID)
	}
	defer d.connections.Release(conn)

	if err := fn(callCtx, conn.Session()); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			// The session may still be busy with the abandoned call.
			conn.MarkInactive()
			logger.Warnw("backend call timed out", "backend", t.backend.ID, "timeout", d.cfg.CallTimeout)
			return fmt.Errorf("%w: backend %s timed out", gateway.ErrUpstreamUnavailable, t.backend.ID)
		}
		logger.Warnw("backend call failed", "backend", t.backend.ID, "error", err)
		return fmt.Errorf("%w: backend %s request failed", gateway.ErrUpstreamUnavailable, t.backend.ID)
	}
	return nil
}

// directTarget re-reads the backend of a direct endpoint and picks its
// primary tool instance.
func (d *Dispatcher) directTarget(ctx context.Context, ac *gateway.AuthContext) (target, error) {
	backend, err := d.liveBackend(ctx, ac.BackendID())
	if err != nil {
		return target{}, err
	}
	instances, err := d.backends.ListInstances(ctx, backend.ID)
	if err != nil {
		return target{}, fmt.Errorf("%w: failed to list instances of backend %s: %w", gateway.ErrInternal, backend.ID, err)
	}
	t := target{backend: backend}
	if inst, ok := aggregator.PrimaryInstance(instances); ok {
		t.instance = &inst
	}
	return t, nil
}

func (d *Dispatcher) liveBackend(ctx context.Context, id string) (*gateway.BackendDescriptor, error) {
	backend, err := d.backends.GetBackend(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: backend %s", gateway.ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("%w: failed to load backend %s: %w", gateway.ErrInternal, id, err)
	case backend.Deleted():
		return nil, fmt.Errorf("%w: backend %s", gateway.ErrNotFound, id)
	case !backend.Running():
		return nil, fmt.Errorf("%w: backend %s is not running (%s)", gateway.ErrUpstreamUnavailable, id, backend.Status)
	}
	return backend, nil
}
