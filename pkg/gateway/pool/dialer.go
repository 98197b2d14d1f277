// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/credentials"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/versions"
)

const (
	// maxBackendResponseSize caps each streamable-HTTP response body.
	maxBackendResponseSize = 100 * 1024 * 1024
	// maxToolPages bounds tools/list pagination against misbehaving backends.
	maxToolPages = 100
)

// Session is an initialized MCP session with one backend.
type Session interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error)
	// Ping is the liveness probe used before reusing a pooled session.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens sessions to backends.
type Dialer interface {
	Dial(ctx context.Context, backend *gateway.BackendDescriptor) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, backend *gateway.BackendDescriptor) (Session, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, backend *gateway.BackendDescriptor) (Session, error) {
	return f(ctx, backend)
}

// MCPDialer opens sessions with the mcp-go client. HTTP transports send the
// per-call credentials carried in the request context (see
// credentials.WithHeaders).
type MCPDialer struct {
	// RequestTimeout bounds each streamable-HTTP request.
	RequestTimeout time.Duration
	// Base is the underlying HTTP transport. Defaults to http.DefaultTransport.
	Base http.RoundTripper
}

// Dial implements Dialer. The session is initialized before it is returned;
// on any failure the partially created client is closed.
func (d *MCPDialer) Dial(ctx context.Context, backend *gateway.BackendDescriptor) (Session, error) {
	c, err := d.newClient(ctx, backend)
	if err != nil {
		return nil, err
	}

	_, err = c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "toolhive-gateway",
				Version: versions.Version,
			},
		},
	})
	if err != nil {
		if closeErr := c.Close(); closeErr != nil {
			logger.Debugw("failed to close backend client after initialize error", "backend", backend.ID, "error", closeErr)
		}
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	return &mcpSession{client: c}, nil
}

func (d *MCPDialer) newClient(ctx context.Context, backend *gateway.BackendDescriptor) (*mcpclient.Client, error) {
	base := d.Base
	if base == nil {
		base = http.DefaultTransport
	}
	rt := &credentials.Transport{Base: base}

	timeout := d.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var (
		c   *mcpclient.Client
		err error
	)
	switch backend.Transport {
	case gateway.TransportStreamableHTTP, "":
		limited := roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			resp, err := rt.RoundTrip(req)
			if err != nil {
				return nil, err
			}
			resp.Body = struct {
				io.Reader
				io.Closer
			}{io.LimitReader(resp.Body, maxBackendResponseSize), resp.Body}
			return resp, nil
		})
		c, err = mcpclient.NewStreamableHttpClient(
			backend.URL,
			mcptransport.WithHTTPTimeout(timeout),
			mcptransport.WithHTTPBasicClient(&http.Client{Transport: limited, Timeout: timeout}),
		)
	case gateway.TransportSSE:
		// No client timeout: the event stream lives as long as the session.
		c, err = mcpclient.NewSSEMCPClient(backend.URL, mcptransport.WithHTTPClient(&http.Client{Transport: rt}))
	case gateway.TransportStdio:
		env := make([]string, 0, len(backend.Env))
		for _, k := range slices.Sorted(maps.Keys(backend.Env)) {
			env = append(env, k+"="+backend.Env[k])
		}
		// The stdio client starts the process itself.
		c, err = mcpclient.NewStdioMCPClient(backend.Command, env, backend.Args...)
		if err != nil {
			return nil, fmt.Errorf("failed to start backend process: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", backend.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", backend.Transport, err)
	}

	// The transport outlives the dial context but keeps its values, so the
	// SSE stream is opened with the first caller's credentials.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}
	return c, nil
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type mcpSession struct {
	client *mcpclient.Client
}

func (s *mcpSession) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var tools []mcp.Tool
	req := mcp.ListToolsRequest{}
	for range maxToolPages {
		res, err := s.client.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("list tools failed: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		req.Params.Cursor = res.NextCursor
	}
	logger.Warnw("backend tool list exceeded page limit, truncating", "pages", maxToolPages)
	return tools, nil
}

func (s *mcpSession) CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error) {
	res, err := s.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: arguments},
	})
	if err != nil {
		return nil, fmt.Errorf("tool %q call failed: %w", name, err)
	}
	return res, nil
}

func (s *mcpSession) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *mcpSession) Close() error {
	return s.client.Close()
}
