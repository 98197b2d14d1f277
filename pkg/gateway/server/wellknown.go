// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

func (s *Server) protectedResourceMetadata(w http.ResponseWriter, r *http.Request) error {
	if auth.WriteDiscoveryCORS(w, r) {
		return nil
	}
	doc, err := s.discovery(r)
	if err != nil {
		return err
	}
	md := auth.NewProtectedResourceMetadata(s.baseURL(r)+"/mcp", doc, s.cfg.Scopes)
	md.ResourceName = "ToolHive Gateway"
	auth.WriteJSON(w, http.StatusOK, md)
	return nil
}

func (s *Server) backendProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) error {
	if auth.WriteDiscoveryCORS(w, r) {
		return nil
	}
	backend, err := s.oauthBackend(r)
	if err != nil {
		return err
	}
	doc, err := s.discovery(r)
	if err != nil {
		return err
	}
	md := auth.NewProtectedResourceMetadata(s.baseURL(r)+"/mcp/"+backend.ID, doc, s.cfg.Scopes)
	md.ResourceName = backend.DisplayName
	auth.WriteJSON(w, http.StatusOK, md)
	return nil
}

func (s *Server) authorizationServerMetadata(w http.ResponseWriter, r *http.Request) error {
	if auth.WriteDiscoveryCORS(w, r) {
		return nil
	}
	doc, err := s.discovery(r)
	if err != nil {
		return err
	}
	auth.WriteJSON(w, http.StatusOK, auth.NewAuthorizationServerMetadata(doc, s.cfg.Scopes))
	return nil
}

func (s *Server) backendAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) error {
	if auth.WriteDiscoveryCORS(w, r) {
		return nil
	}
	if _, err := s.oauthBackend(r); err != nil {
		return err
	}
	doc, err := s.discovery(r)
	if err != nil {
		return err
	}
	auth.WriteJSON(w, http.StatusOK, auth.NewAuthorizationServerMetadata(doc, s.cfg.Scopes))
	return nil
}

// oauthBackend loads the backend named in the path. Only live backends using
// delegated OAuth publish metadata.
func (s *Server) oauthBackend(r *http.Request) (*gateway.BackendDescriptor, error) {
	id := chi.URLParam(r, "backendID")
	backend, err := s.deps.Backends.GetBackend(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: backend %s", gateway.ErrNotFound, id)
	case err != nil:
		return nil, fmt.Errorf("failed to load backend %s: %w", id, err)
	case backend.Deleted(), backend.AuthMode != gateway.AuthModeOAuth:
		return nil, fmt.Errorf("%w: backend %s", gateway.ErrNotFound, id)
	}
	return backend, nil
}

func (s *Server) discovery(r *http.Request) (*auth.DiscoveryDocument, error) {
	doc, err := s.deps.Verifier.Metadata(r.Context())
	switch {
	case errors.Is(err, auth.ErrNotConfigured):
		logger.Errorw("discovery metadata requested without identity provider configuration")
		return nil, fmt.Errorf("%w: identity provider is not configured", gateway.ErrInternal)
	case err != nil:
		logger.Warnw("failed to load identity provider metadata", "error", err)
		return nil, fmt.Errorf("%w: identity provider metadata unavailable", gateway.ErrUpstreamUnavailable)
	}
	return doc, nil
}
