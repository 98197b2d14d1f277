// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/authz"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// HandlerWithError is an HTTP handler that returns its failure instead of
// writing it.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler converts errors returned by fn into {error:{message}}
// responses. Internal errors are logged and answered with a generic message.
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}
		status := gateway.HTTPStatus(err)
		if status >= http.StatusInternalServerError && gateway.CodeOf(err) == gateway.CodeInternal {
			logger.Errorw("request failed", "path", r.URL.Path, "error", err)
		}
		writeError(w, status, gateway.PublicMessage(err))
	}
}

type errorBody struct {
	Error errorMessage `json:"error"`
}

type errorMessage struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: errorMessage{Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to write response", "error", err)
	}
}

// authenticate resolves the caller for the resource named by the request
// and stores the AuthContext in the request context. Concrete backend
// endpoints also accept an API key when no Authorization header is present.
func (s *Server) authenticate(resource func(*http.Request) authz.Resource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := resource(r)
			ac, err := s.resolveCaller(r, res)
			if err != nil {
				s.rejectCaller(w, r, res, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(gateway.WithAuthContext(r.Context(), ac)))
		})
	}
}

func (s *Server) resolveCaller(r *http.Request, res authz.Resource) (*gateway.AuthContext, error) {
	ctx := r.Context()
	authorization := r.Header.Get("Authorization")
	if authorization == "" && res.Kind == authz.ResourceBackend {
		if key, ok := s.cfg.APIKeys.Extract(r); ok {
			return s.deps.Resolver.ResolveAPIKey(ctx, key, res)
		}
	}

	claims, err := s.deps.Verifier.Verify(ctx, authorization)
	if err != nil {
		return nil, err
	}
	return s.deps.Resolver.ResolveClaims(auth.WithClaims(ctx, claims), claims, res)
}

func (s *Server) rejectCaller(w http.ResponseWriter, r *http.Request, res authz.Resource, err error) {
	status := gateway.HTTPStatus(err)
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate",
			auth.WWWAuthenticate(s.baseURL(r), s.resourceMetadataURL(r, res), gateway.PublicMessage(err)))
		logger.Debugw("rejected unauthenticated request", "path", r.URL.Path, "error", err)
	case http.StatusInternalServerError:
		logger.Errorw("failed to resolve caller", "path", r.URL.Path, "error", err)
	default:
		logger.Debugw("rejected request", "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, status, gateway.PublicMessage(err))
}

// resourceMetadataURL points clients at the discovery document for the
// resource they tried to reach.
func (s *Server) resourceMetadataURL(r *http.Request, res authz.Resource) string {
	base := s.baseURL(r) + auth.WellKnownProtectedResourcePath
	if res.Kind == authz.ResourceBackend {
		return base + "/mcp/" + res.ID
	}
	return base
}
