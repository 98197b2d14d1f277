// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the gateway over HTTP. It authenticates callers,
// resolves their entitlement for the requested backend or virtual server and
// hands JSON-RPC bodies to the dispatcher.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/authz"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/cache"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/pool"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

const (
	defaultRequestTimeout = 90 * time.Second
	readHeaderTimeout     = 10 * time.Second
	shutdownTimeout       = 30 * time.Second

	// DefaultMaxRequestBodySize bounds inbound JSON-RPC bodies.
	DefaultMaxRequestBodySize int64 = 4 << 20
)

// Verifier checks bearer tokens and exposes the identity provider metadata.
type Verifier interface {
	Verify(ctx context.Context, authorization string) (*auth.Claims, error)
	Metadata(ctx context.Context) (*auth.DiscoveryDocument, error)
}

// Resolver turns verified credentials into an AuthContext.
type Resolver interface {
	ResolveClaims(ctx context.Context, claims *auth.Claims, res authz.Resource) (*gateway.AuthContext, error)
	ResolveAPIKey(ctx context.Context, key string, res authz.Resource) (*gateway.AuthContext, error)
}

// Dispatcher answers one JSON-RPC message. A nil result means no response.
type Dispatcher interface {
	Handle(ctx context.Context, body []byte) []byte
}

// Catalogs is the part of the aggregator the HTTP surface uses directly.
type Catalogs interface {
	Aggregate(ctx context.Context, virtualServerID string) (*aggregator.Catalog, error)
	GetChildServers(ctx context.Context, virtualServerID string) ([]gateway.ChildServer, error)
	Invalidate(virtualServerID string)
	Stats() cache.Stats
}

// PoolStats reports connection pool usage.
type PoolStats interface {
	Stats() pool.Stats
}

// Config configures the HTTP server.
type Config struct {
	Host string
	Port int
	// PublicURL is the externally visible base URL used in discovery
	// metadata. When empty it is derived from each request.
	PublicURL string
	// Scopes are advertised in discovery metadata.
	Scopes []string
	// APIKeys says where concrete backend endpoints look for API keys.
	APIKeys auth.APIKeySource
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration
	// MaxRequestBodySize bounds JSON-RPC request bodies.
	MaxRequestBodySize int64
}

// Deps are the services the server routes to.
type Deps struct {
	Verifier   Verifier
	Resolver   Resolver
	Dispatcher Dispatcher
	Catalogs   Catalogs
	Backends   storage.BackendStore
	Pool       PoolStats
	// Metrics, when set, is served at /metrics.
	Metrics http.Handler
}

// Server is the gateway HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	router http.Handler
}

// New creates a Server and builds its routes.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Verifier == nil:
		return nil, errors.New("verifier is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Catalogs == nil:
		return nil, errors.New("catalogs are required")
	case deps.Backends == nil:
		return nil, errors.New("backend store is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = DefaultMaxRequestBodySize
	}
	if cfg.APIKeys == (auth.APIKeySource{}) {
		cfg.APIKeys = auth.DefaultAPIKeySource
	}
	cfg.PublicURL = strings.TrimSuffix(cfg.PublicURL, "/")

	s := &Server{cfg: cfg, deps: deps}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(s.cfg.RequestTimeout),
	)

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics)
	}

	r.Route(auth.WellKnownProtectedResourcePath, func(r chi.Router) {
		r.MethodFunc(http.MethodGet, "/", ErrorHandler(s.protectedResourceMetadata))
		r.MethodFunc(http.MethodOptions, "/", ErrorHandler(s.protectedResourceMetadata))
		r.MethodFunc(http.MethodGet, "/mcp/{backendID}", ErrorHandler(s.backendProtectedResourceMetadata))
		r.MethodFunc(http.MethodOptions, "/mcp/{backendID}", ErrorHandler(s.backendProtectedResourceMetadata))
	})
	r.Route(auth.WellKnownAuthorizationServerPath, func(r chi.Router) {
		r.MethodFunc(http.MethodGet, "/", ErrorHandler(s.authorizationServerMetadata))
		r.MethodFunc(http.MethodOptions, "/", ErrorHandler(s.authorizationServerMetadata))
		r.MethodFunc(http.MethodGet, "/mcp/{backendID}", ErrorHandler(s.backendAuthorizationServerMetadata))
		r.MethodFunc(http.MethodOptions, "/mcp/{backendID}", ErrorHandler(s.backendAuthorizationServerMetadata))
	})

	r.Route("/mcp", func(r chi.Router) {
		r.Use(requestBodySizeLimit(s.cfg.MaxRequestBodySize))

		r.Route("/unified/{virtualID}", func(r chi.Router) {
			r.With(s.authenticate(virtualResource)).Post("/", s.mcp)
			r.With(s.authenticate(virtualResource)).Get("/children", ErrorHandler(s.children))
			r.With(s.authenticate(ownedVirtualResource)).Post("/refresh", ErrorHandler(s.refresh))
		})
		r.With(s.authenticate(backendResource)).Post("/{backendID}", s.mcp)
	})

	return r
}

func backendResource(r *http.Request) authz.Resource {
	return authz.Backend(chi.URLParam(r, "backendID"))
}

func virtualResource(r *http.Request) authz.Resource {
	return authz.VirtualServer(chi.URLParam(r, "virtualID"))
}

func ownedVirtualResource(r *http.Request) authz.Resource {
	return virtualResource(r).Owned()
}

// Serve listens on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener serves on l until ctx is cancelled.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gateway listening on %s", l.Addr())
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("gateway server stopped")
	return nil
}

// baseURL is the public base URL, falling back to the request's own origin.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return s.cfg.PublicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func requestBodySizeLimit(maxSize int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxSize)
			next.ServeHTTP(w, r)
		})
	}
}
