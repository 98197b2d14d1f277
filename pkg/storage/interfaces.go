// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence boundary of the gateway. The gateway
// reads identities, backends and virtual servers through these interfaces and
// never depends on a concrete schema.
package storage

import (
	"context"
	"time"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=interfaces.go IdentityStore,TokenStore

// IdentityStore resolves callers to internal users and organization membership.
type IdentityStore interface {
	// UserIDBySubject returns the user linked to an identity provider subject.
	UserIDBySubject(ctx context.Context, subject string) (string, error)
	// UserIDByEmail returns the user with the given email address.
	UserIDByEmail(ctx context.Context, email string) (string, error)
	// UserIDByAPIKeyHash returns the owner of a gateway API key, identified
	// by the hex SHA-256 of the key.
	UserIDByAPIKeyHash(ctx context.Context, hash string) (string, error)
	// IsMember reports whether the user belongs to the organization.
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
}

// BackendStore reads backends, their tool instances and declared tools.
type BackendStore interface {
	// GetBackend returns a backend, including soft-deleted ones.
	GetBackend(ctx context.Context, id string) (*gateway.BackendDescriptor, error)
	// ListInstances returns a backend's tool instances ordered by display order.
	ListInstances(ctx context.Context, backendID string) ([]gateway.ToolInstance, error)
	// GetInstance returns a single tool instance.
	GetInstance(ctx context.Context, id string) (*gateway.ToolInstance, error)
	// ListTools returns an instance's tools in declaration order.
	ListTools(ctx context.Context, instanceID string) ([]gateway.ToolDefinition, error)
}

// VirtualServerStore reads virtual servers and their children.
type VirtualServerStore interface {
	// GetVirtualServer returns a virtual server, including soft-deleted ones.
	GetVirtualServer(ctx context.Context, id string) (*gateway.VirtualServerDescriptor, error)
	// ListChildren returns the children ordered by display order, including
	// soft-deleted backends.
	ListChildren(ctx context.Context, virtualServerID string) ([]gateway.ChildServer, error)
	// VirtualServersContaining returns the ids of virtual servers that have
	// the backend as a child.
	VirtualServersContaining(ctx context.Context, backendID string) ([]string, error)
	// CatalogStamp returns the latest update time over every row that
	// contributes to the virtual server's tool catalog.
	CatalogStamp(ctx context.Context, virtualServerID string) (time.Time, error)
}

// TokenStore persists users' delegated OAuth tokens.
type TokenStore interface {
	// GetDelegatedToken returns the token a user granted for a tool instance.
	GetDelegatedToken(ctx context.Context, instanceID, userID string) (*gateway.DelegatedToken, error)
	// SaveDelegatedToken creates or replaces a token.
	SaveDelegatedToken(ctx context.Context, token gateway.DelegatedToken) error
}

// Writer mutates gateway configuration. Every successful mutation is
// announced to the store's ChangePublisher.
type Writer interface {
	CreateOrganization(ctx context.Context, org Organization) error
	CreateUser(ctx context.Context, user User) error
	AddMember(ctx context.Context, organizationID, userID string) error
	CreateAPIKey(ctx context.Context, key APIKey) error

	PutBackend(ctx context.Context, backend gateway.BackendDescriptor) error
	SetBackendStatus(ctx context.Context, id string, status gateway.BackendStatus) error
	DeleteBackend(ctx context.Context, id string) error

	PutInstance(ctx context.Context, instance gateway.ToolInstance) error
	// ReplaceTools replaces the complete tool set of an instance.
	ReplaceTools(ctx context.Context, instanceID string, tools []gateway.ToolDefinition) error

	PutVirtualServer(ctx context.Context, vs gateway.VirtualServerDescriptor) error
	// SetChildren replaces the complete child list of a virtual server.
	SetChildren(ctx context.Context, virtualServerID string, children []ChildRef) error
}

// Store is the full persistence surface.
type Store interface {
	IdentityStore
	BackendStore
	VirtualServerStore
	TokenStore
	Writer

	// Close releases any resources held by the store.
	Close() error
}

// Organization is a tenant.
type Organization struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// User is an internal user linked to an identity provider subject.
type User struct {
	ID      string `yaml:"id"`
	Subject string `yaml:"subject"`
	Email   string `yaml:"email"`
}

// APIKey is a long-lived gateway credential. Only the hash is stored.
type APIKey struct {
	Hash   string `yaml:"hash"`
	UserID string `yaml:"userID"`
	Name   string `yaml:"name"`
}

// ChildRef places a backend in a virtual server.
type ChildRef struct {
	BackendID    string `yaml:"backendID"`
	DisplayOrder int    `yaml:"displayOrder"`
}
