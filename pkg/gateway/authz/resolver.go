// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz turns verified caller credentials into a per-request
// gateway.AuthContext, enforcing organization membership and ownership.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// ResourceKind is the kind of resource a request targets.
type ResourceKind string

const (
	// ResourceBackend is a concrete backend.
	ResourceBackend ResourceKind = "backend"
	// ResourceVirtualServer is a virtual server.
	ResourceVirtualServer ResourceKind = "virtual_server"
)

// Resource identifies what a request wants to access.
type Resource struct {
	Kind ResourceKind
	ID   string
	// OwnerRestricted limits access to the user who created the resource.
	OwnerRestricted bool
}

// Backend is a Resource for a concrete backend.
func Backend(id string) Resource {
	return Resource{Kind: ResourceBackend, ID: id}
}

// VirtualServer is a Resource for a virtual server.
func VirtualServer(id string) Resource {
	return Resource{Kind: ResourceVirtualServer, ID: id}
}

// Owned returns a copy of r restricted to its creator.
func (r Resource) Owned() Resource {
	r.OwnerRestricted = true
	return r
}

// resolved is the subset of a resource the checks need.
type resolved struct {
	organizationID string
	createdBy      string
	backend        *gateway.BackendDescriptor
}

// Resolver resolves identities and entitlements.
type Resolver struct {
	identities storage.IdentityStore
	backends   storage.BackendStore
	virtuals   storage.VirtualServerStore
}

// NewResolver creates a Resolver reading from the given stores.
func NewResolver(identities storage.IdentityStore, backends storage.BackendStore, virtuals storage.VirtualServerStore) *Resolver {
	return &Resolver{identities: identities, backends: backends, virtuals: virtuals}
}

// ResolveClaims resolves an OIDC caller. Each step short-circuits: the user
// must exist, the resource must exist and not be deleted, the user must be a
// member of the owning organization, and owner-restricted resources must have
// been created by the user.
func (r *Resolver) ResolveClaims(ctx context.Context, claims *auth.Claims, res Resource) (*gateway.AuthContext, error) {
	if claims == nil {
		return nil, fmt.Errorf("%w: missing claims", gateway.ErrUnauthorized)
	}
	userID, err := r.userFromClaims(ctx, claims)
	if err != nil {
		return nil, err
	}
	return r.authorize(ctx, userID, gateway.AuthMethodOIDC, res)
}

// ResolveAPIKey resolves a caller presenting a gateway API key. API keys are
// only accepted for concrete backends.
func (r *Resolver) ResolveAPIKey(ctx context.Context, key string, res Resource) (*gateway.AuthContext, error) {
	if res.Kind != ResourceBackend {
		return nil, fmt.Errorf("%w: API keys are not accepted for virtual servers", gateway.ErrUnauthorized)
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: missing API key", gateway.ErrUnauthorized)
	}

	userID, err := r.identities.UserIDByAPIKeyHash(ctx, auth.HashAPIKey(key))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: invalid API key", gateway.ErrUnauthorized)
	case err != nil:
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	return r.authorize(ctx, userID, gateway.AuthMethodAPIKey, res)
}

func (r *Resolver) userFromClaims(ctx context.Context, claims *auth.Claims) (string, error) {
	if subject := strings.TrimSpace(claims.Subject); subject != "" {
		userID, err := r.identities.UserIDBySubject(ctx, subject)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("failed to resolve user by subject: %w", err)
		}
	}

	if email := strings.TrimSpace(claims.Email); email != "" {
		userID, err := r.identities.UserIDByEmail(ctx, email)
		if err == nil {
			return userID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("failed to resolve user by email: %w", err)
		}
	}

	logger.Debugw("no user linked to token", "subject", claims.Subject)
	return "", fmt.Errorf("%w: user not found", gateway.ErrUnauthorized)
}

func (r *Resolver) authorize(ctx context.Context, userID string, method gateway.AuthMethod, res Resource) (*gateway.AuthContext, error) {
	target, err := r.lookup(ctx, res)
	if err != nil {
		return nil, err
	}

	member, err := r.identities.IsMember(ctx, target.organizationID, userID)
	if err != nil {
		logger.Warnw("membership check failed", "organization", target.organizationID, "user", userID, "error", err)
		return nil, fmt.Errorf("%w: unable to verify organization membership", gateway.ErrForbidden)
	}
	if !member {
		return nil, fmt.Errorf("%w: user is not a member of the organization", gateway.ErrForbidden)
	}

	if res.OwnerRestricted && target.createdBy != userID {
		return nil, fmt.Errorf("%w: only the creator can access this resource", gateway.ErrForbidden)
	}

	params := gateway.AuthContextParams{
		OrganizationID: target.organizationID,
		UserID:         userID,
		AuthMethod:     method,
	}
	if res.Kind == ResourceVirtualServer {
		params.VirtualServerID = res.ID
	} else {
		params.BackendID = target.backend.ID
		params.PIIPolicy = target.backend.PIIPolicy
		params.ToonConversionEnabled = target.backend.ToonConversionEnabled
	}
	return gateway.NewAuthContext(params), nil
}

func (r *Resolver) lookup(ctx context.Context, res Resource) (*resolved, error) {
	if strings.TrimSpace(res.ID) == "" {
		return nil, fmt.Errorf("%w: resource id is required", gateway.ErrInvalidRequest)
	}

	switch res.Kind {
	case ResourceBackend:
		b, err := r.backends.GetBackend(ctx, res.ID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && b.Deleted()) {
			return nil, fmt.Errorf("%w: backend %s", gateway.ErrNotFound, res.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load backend %s: %w", res.ID, err)
		}
		return &resolved{organizationID: b.OrganizationID, createdBy: b.CreatedBy, backend: b}, nil

	case ResourceVirtualServer:
		vs, err := r.virtuals.GetVirtualServer(ctx, res.ID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && vs.Deleted()) {
			return nil, fmt.Errorf("%w: virtual server %s", gateway.ErrNotFound, res.ID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load virtual server %s: %w", res.ID, err)
		}
		return &resolved{organizationID: vs.OrganizationID, createdBy: vs.CreatedBy}, nil
	}

	return nil, fmt.Errorf("%w: unknown resource kind %q", gateway.ErrInvalidRequest, res.Kind)
}
