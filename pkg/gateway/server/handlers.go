// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-gateway/pkg/gateway/cache"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/pool"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/versions"
)

// mcp hands the JSON-RPC body to the dispatcher. Notifications are
// acknowledged with 202 and no body.
func (s *Server) mcp(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	out := s.deps.Dispatcher.Handle(r.Context(), body)
	if out == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		logger.Debugw("failed to write JSON-RPC response", "error", err)
	}
}

type childResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Transport    string `json:"transport"`
	DisplayOrder int    `json:"displayOrder"`
}

// children lists a virtual server's children with their current status.
func (s *Server) children(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "virtualID")
	children, err := s.deps.Catalogs.GetChildServers(r.Context(), id)
	if err != nil {
		return err
	}
	out := make([]childResponse, 0, len(children))
	for _, c := range children {
		name := c.Backend.DisplayName
		if name == "" {
			name = c.Backend.ID
		}
		out = append(out, childResponse{
			ID:           c.Backend.ID,
			Name:         name,
			Status:       string(c.Backend.Status),
			Transport:    string(c.Backend.Transport),
			DisplayOrder: c.DisplayOrder,
		})
	}
	writeJSON(w, http.StatusOK, out)
	return nil
}

type refreshResponse struct {
	VirtualServerID string    `json:"virtualServerId"`
	Tools           int       `json:"tools"`
	BuiltAt         time.Time `json:"builtAt"`
}

// refresh drops the cached catalog of a virtual server and rebuilds it.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) error {
	id := chi.URLParam(r, "virtualID")
	s.deps.Catalogs.Invalidate(id)
	catalog, err := s.deps.Catalogs.Aggregate(r.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to rebuild catalog: %w", err)
	}
	logger.Infow("refreshed tool catalog", "virtual_server", id, "tools", len(catalog.Entries))
	writeJSON(w, http.StatusOK, refreshResponse{
		VirtualServerID: id,
		Tools:           len(catalog.Entries),
		BuiltAt:         catalog.BuiltAt,
	})
	return nil
}

type healthResponse struct {
	Status  string      `json:"status"`
	Version string      `json:"version"`
	Pool    *pool.Stats `json:"pool,omitempty"`
	Catalog cache.Stats `json:"catalog"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: versions.Version,
		Catalog: s.deps.Catalogs.Stats(),
	}
	if s.deps.Pool != nil {
		stats := s.deps.Pool.Stats()
		resp.Pool = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}
