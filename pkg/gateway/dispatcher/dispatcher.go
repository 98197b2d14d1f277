// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dispatcher answers MCP JSON-RPC requests for one authorized caller.
//
// A request targets either a concrete backend, whose tools are passed through
// under their own names, or a virtual server, whose merged catalog uses
// qualified names that are routed back to the owning backend. The caller's
// gateway.AuthContext must be in the request context.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/credentials"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/pool"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
	"github.com/stacklok/toolhive-gateway/pkg/versions"
)

const instrumentationName = "github.com/stacklok/toolhive-gateway/pkg/gateway/dispatcher"

// DefaultCallTimeout bounds each backend call.
const DefaultCallTimeout = 60 * time.Second

// supportedProtocolVersions are echoed back on initialize; anything else gets
// the latest version.
var supportedProtocolVersions = []string{mcp.LATEST_PROTOCOL_VERSION, "2025-03-26", "2024-11-05"}

// Catalogs builds virtual server catalogs.
type Catalogs interface {
	Aggregate(ctx context.Context, virtualServerID string) (*aggregator.Catalog, error)
	Resolve(ctx context.Context, virtualServerID, qualifiedName string) (gateway.ToolCatalogEntry, error)
}

// Connections hands out pooled backend sessions.
type Connections interface {
	Acquire(ctx context.Context, key pool.Key, backend *gateway.BackendDescriptor) (*pool.Conn, error)
	Release(c *pool.Conn)
}

// HeaderInjector computes outbound credentials.
type HeaderInjector interface {
	InjectHeaders(ctx context.Context, req credentials.Request) (http.Header, error)
}

// Config configures a Dispatcher.
type Config struct {
	// CallTimeout bounds each backend call. Defaults to DefaultCallTimeout.
	CallTimeout time.Duration
	// ServerName is reported in initialize results.
	ServerName string
	// Instructions is returned to clients on initialize.
	Instructions string
}

// Dispatcher answers JSON-RPC requests.
type Dispatcher struct {
	cfg         Config
	backends    storage.BackendStore
	catalogs    Catalogs
	connections Connections
	injector    HeaderInjector

	tracer   trace.Tracer
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates a Dispatcher.
func New(
	cfg Config,
	backends storage.BackendStore,
	catalogs Catalogs,
	connections Connections,
	injector HeaderInjector,
) (*Dispatcher, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "toolhive-gateway"
	}

	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter(
		"toolhive_gateway_requests",
		metric.WithDescription("JSON-RPC requests by method, endpoint kind and result code"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"toolhive_gateway_request_duration",
		metric.WithDescription("JSON-RPC request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return &Dispatcher{
		cfg:         cfg,
		backends:    backends,
		catalogs:    catalogs,
		connections: connections,
		injector:    injector,
		tracer:      otel.Tracer(instrumentationName),
		requests:    requests,
		duration:    duration,
	}, nil
}

// Handle processes one JSON-RPC message. It returns the encoded response, or
// nil for notifications, which get no response.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) []byte {
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		return encodeError(jsonrpc2.ID{}, mcp.INVALID_REQUEST, "batch requests are not supported", nil)
	}

	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		logger.Debugw("rejecting undecodable JSON-RPC message", "error", err)
		return encodeError(jsonrpc2.ID{}, mcp.PARSE_ERROR, "parse error", nil)
	}
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		return encodeError(jsonrpc2.ID{}, mcp.INVALID_REQUEST, "expected a request", nil)
	}
	if !req.IsCall() {
		logger.Debugw("ignoring notification", "method", req.Method)
		return nil
	}

	ac, ok := gateway.AuthContextFrom(ctx)
	if !ok {
		logger.Errorw("dispatch without an auth context", "method", req.Method)
		return encodeError(req.ID, mcp.INTERNAL_ERROR, "internal error", nil)
	}

	kind := "direct"
	if ac.IsVirtualEndpoint() {
		kind = "virtual"
	}
	ctx, span := d.tracer.Start(ctx, "mcp "+req.Method, trace.WithAttributes(
		attribute.String("mcp.method", req.Method),
		attribute.String("gateway.endpoint", kind),
		attribute.String("gateway.backend_id", ac.BackendID()),
		attribute.String("gateway.virtual_server_id", ac.VirtualServerID()),
	))
	defer span.End()
	start := time.Now()

	result, err := d.route(ctx, ac, req)

	code := "ok"
	var out []byte
	if err != nil {
		code = string(gateway.CodeOf(err))
		if errors.Is(err, errMethodNotFound) {
			code = "method_not_found"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		out = d.errorResponse(req, err)
	} else {
		out = encodeResult(req.ID, result)
	}

	attrs := metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("endpoint", kind),
		attribute.String("code", code),
	)
	d.requests.Add(ctx, 1, attrs)
	d.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	return out
}

var errMethodNotFound = errors.New("method not found")

func (d *Dispatcher) route(ctx context.Context, ac *gateway.AuthContext, req *jsonrpc2.Request) (any, error) {
	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodInitialize:
		return d.initialize(req.Params), nil
	case mcp.MethodPing:
		return struct{}{}, nil
	case mcp.MethodToolsList:
		if ac.IsVirtualEndpoint() {
			return d.listVirtualTools(ctx, ac)
		}
		return d.listBackendTools(ctx, ac)
	case mcp.MethodToolsCall:
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return nil, fmt.Errorf("%w: tools/call requires a tool name", gateway.ErrInvalidRequest)
		}
		if ac.IsVirtualEndpoint() {
			return d.callVirtualTool(ctx, ac, params)
		}
		return d.callBackendTool(ctx, ac, params)
	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, req.Method)
	}
}

func (d *Dispatcher) errorResponse(req *jsonrpc2.Request, err error) []byte {
	if errors.Is(err, errMethodNotFound) {
		return encodeError(req.ID, mcp.METHOD_NOT_FOUND, err.Error(), nil)
	}
	if reauth, ok := gateway.AsReauthRequired(err); ok {
		return encodeError(req.ID, CodeReauthRequired, reauth.Error(), reauthData{
			Code:      string(gateway.CodeUnauthorized),
			Reason:    "reauth_required",
			TokenID:   reauth.TokenID,
			UserID:    reauth.UserID,
			BackendID: reauth.BackendID,
		})
	}

	code := gateway.CodeOf(err)
	if code == gateway.CodeInternal {
		logger.Errorw("request failed", "method", req.Method, "error", err)
	} else {
		logger.Debugw("request rejected", "method", req.Method, "code", code, "error", err)
	}
	return encodeError(req.ID, rpcCode(code), gateway.PublicMessage(err), errorData{Code: string(code)})
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// initialize answers locally; backends are not contacted.
func (d *Dispatcher) initialize(raw json.RawMessage) initializeResult {
	version := mcp.LATEST_PROTOCOL_VERSION
	var params initializeParams
	if len(raw) > 0 && json.Unmarshal(raw, &params) == nil {
		for _, v := range supportedProtocolVersions {
			if v == params.ProtocolVersion {
				version = v
				break
			}
		}
	}
	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
		ServerInfo:      mcp.Implementation{Name: d.cfg.ServerName, Version: versions.Version},
		Instructions:    d.cfg.Instructions,
	}
}
