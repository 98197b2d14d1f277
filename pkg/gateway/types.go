// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway defines the domain types shared by the gateway components:
// backend and virtual server descriptors, tool catalog entries, the per-request
// AuthContext, and the error taxonomy surfaced to callers.
package gateway

import (
	"encoding/json"
	"slices"
	"time"
)

// AuthMode is the outbound authentication mode a backend declares.
type AuthMode string

const (
	// AuthModeNone sends no credentials to the backend.
	AuthModeNone AuthMode = "none"
	// AuthModeOAuth sends the calling user's delegated access token.
	AuthModeOAuth AuthMode = "oauth"
	// AuthModeAPIKey copies allow-listed static headers from stored configuration.
	AuthModeAPIKey AuthMode = "api-key"
	// AuthModePlatformIdentity sends a platform-issued identity token scoped to the backend URL.
	AuthModePlatformIdentity AuthMode = "platform-identity"
)

// BackendStatus is the operational status of a backend.
type BackendStatus string

const (
	// BackendRunning means the backend is serving requests.
	BackendRunning BackendStatus = "RUNNING"
	// BackendStopped means the backend was stopped by an operator.
	BackendStopped BackendStatus = "STOPPED"
	// BackendError means the backend failed and is not serving.
	BackendError BackendStatus = "ERROR"
)

// TransportType is how the gateway reaches a backend.
type TransportType string

const (
	// TransportStdio runs the backend as a subprocess speaking over stdin/stdout.
	TransportStdio TransportType = "stdio"
	// TransportStreamableHTTP is the streamable HTTP transport.
	TransportStreamableHTTP TransportType = "streamable-http"
	// TransportSSE is the legacy HTTP + server-sent events transport.
	TransportSSE TransportType = "sse"
)

// PIIPolicy controls masking of personally identifiable information in tool results.
type PIIPolicy struct {
	// Mode is the masking mode. Empty means disabled.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`
	// Categories is the set of PII categories the mode applies to.
	Categories []string `json:"categories,omitempty" yaml:"categories,omitempty"`
}

// Enabled reports whether any masking mode is set.
func (p PIIPolicy) Enabled() bool {
	return p.Mode != ""
}

// OAuthClientConfig describes how the gateway obtains delegated tokens for a backend.
type OAuthClientConfig struct {
	ClientID     string   `json:"client_id" yaml:"clientID"`
	ClientSecret string   `json:"-" yaml:"clientSecret"`
	AuthURL      string   `json:"auth_url" yaml:"authURL"`
	TokenURL     string   `json:"token_url" yaml:"tokenURL"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
}

// BackendDescriptor is a concrete capability server registered with the gateway.
// The gateway treats it as read-only and re-reads it before each use.
type BackendDescriptor struct {
	ID             string
	OrganizationID string
	CreatedBy      string
	DisplayName    string

	AuthMode  AuthMode
	Transport TransportType

	// URL is the endpoint for HTTP transports.
	URL string
	// Command, Args and Env launch the subprocess for the stdio transport.
	Command string
	Args    []string
	Env     map[string]string

	// AllowedTools restricts the exposed tools. Empty allows every tool.
	AllowedTools []string

	// APIKeyHeaders is the allow-list of header names copied from stored
	// configuration in api-key mode.
	APIKeyHeaders []string

	// PlatformIdentityRequired requests a platform identity token scoped to
	// PlatformIdentityURL in addition to any static headers.
	PlatformIdentityRequired bool
	PlatformIdentityURL      string

	OAuth *OAuthClientConfig

	Status                BackendStatus
	PIIPolicy             PIIPolicy
	ToonConversionEnabled bool

	DeletedAt *time.Time
	UpdatedAt time.Time
}

// Deleted reports whether the backend has been soft-deleted.
func (b *BackendDescriptor) Deleted() bool {
	return b.DeletedAt != nil
}

// Running reports whether the backend is serving.
func (b *BackendDescriptor) Running() bool {
	return b.Status == BackendRunning
}

// AllowsTool reports whether the backend's allow-list permits the named tool.
func (b *BackendDescriptor) AllowsTool(name string) bool {
	return len(b.AllowedTools) == 0 || slices.Contains(b.AllowedTools, name)
}

// ToolInstance is one installation of a tool group on a backend. Its
// normalized name forms the middle segment of qualified tool names.
type ToolInstance struct {
	ID             string
	BackendID      string
	DisplayName    string
	NormalizedName string
	DisplayOrder   int
	Enabled        bool
	// Config holds the instance's stored configuration, including static
	// header values for api-key backends. Values are secrets.
	Config    map[string]string
	UpdatedAt time.Time
}

// ToolDefinition is a tool declared by a tool instance.
type ToolDefinition struct {
	InstanceID  string
	Name        string
	Description string
	InputSchema json.RawMessage
	// Position is the declaration order within the instance.
	Position  int
	UpdatedAt time.Time
}

// VirtualServerDescriptor is a composite server merging the tools of its children.
type VirtualServerDescriptor struct {
	ID             string
	OrganizationID string
	CreatedBy      string
	Name           string
	DeletedAt      *time.Time
	UpdatedAt      time.Time
}

// Deleted reports whether the virtual server has been soft-deleted.
func (v *VirtualServerDescriptor) Deleted() bool {
	return v.DeletedAt != nil
}

// ChildServer is a backend placed in a virtual server at a display position.
type ChildServer struct {
	Backend      BackendDescriptor
	DisplayOrder int
}

// ToolCatalogEntry is one tool in an aggregated catalog.
type ToolCatalogEntry struct {
	QualifiedName          string          `json:"name"`
	Description            string          `json:"description,omitempty"`
	InputSchema            json.RawMessage `json:"inputSchema,omitempty"`
	OwnerBackendID         string          `json:"-"`
	OwnerChildInstanceName string          `json:"-"`
	OwnerInstanceID        string          `json:"-"`
	OriginalName           string          `json:"-"`
}

// DelegatedToken is a user's OAuth token for one tool instance.
type DelegatedToken struct {
	ID           string
	InstanceID   string
	UserID       string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}
