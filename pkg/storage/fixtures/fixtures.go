// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package fixtures loads gateway data from YAML into a store. It backs the
// seed command and gives local deployments a way to register organizations,
// backends and virtual servers without a control plane.
package fixtures

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
	"github.com/stacklok/toolhive-gateway/pkg/validation"
)

// Fixtures is the document read by Load.
type Fixtures struct {
	Organizations  []storage.Organization `yaml:"organizations"`
	Users          []storage.User         `yaml:"users"`
	Members        []Membership           `yaml:"members"`
	APIKeys        []APIKey               `yaml:"apiKeys"`
	Backends       []Backend              `yaml:"backends"`
	VirtualServers []VirtualServer        `yaml:"virtualServers"`
	Tokens         []Token                `yaml:"tokens"`
}

// Membership adds a user to an organization.
type Membership struct {
	OrganizationID string `yaml:"organizationID"`
	UserID         string `yaml:"userID"`
}

// APIKey is a gateway API key. Key holds the plain key and is hashed on
// load; Hash may be given instead.
type APIKey struct {
	Key    string `yaml:"key,omitempty"`
	Hash   string `yaml:"hash,omitempty"`
	UserID string `yaml:"userID"`
	Name   string `yaml:"name,omitempty"`
}

// Backend is a backend with its tool instances.
type Backend struct {
	ID                       string                     `yaml:"id"`
	OrganizationID           string                     `yaml:"organizationID"`
	CreatedBy                string                     `yaml:"createdBy"`
	DisplayName              string                     `yaml:"displayName"`
	AuthMode                 gateway.AuthMode           `yaml:"authMode"`
	Transport                gateway.TransportType      `yaml:"transport"`
	URL                      string                     `yaml:"url,omitempty"`
	Command                  string                     `yaml:"command,omitempty"`
	Args                     []string                   `yaml:"args,omitempty"`
	Env                      map[string]string          `yaml:"env,omitempty"`
	AllowedTools             []string                   `yaml:"allowedTools,omitempty"`
	APIKeyHeaders            []string                   `yaml:"apiKeyHeaders,omitempty"`
	PlatformIdentityRequired bool                       `yaml:"platformIdentityRequired,omitempty"`
	PlatformIdentityURL      string                     `yaml:"platformIdentityURL,omitempty"`
	OAuth                    *gateway.OAuthClientConfig `yaml:"oauth,omitempty"`
	Status                   gateway.BackendStatus      `yaml:"status,omitempty"`
	PIIPolicy                gateway.PIIPolicy          `yaml:"piiPolicy,omitempty"`
	ToonConversionEnabled    bool                       `yaml:"toonConversionEnabled,omitempty"`
	Instances                []Instance                 `yaml:"instances"`
}

// Instance is a tool instance with its declared tools.
type Instance struct {
	ID           string            `yaml:"id,omitempty"`
	DisplayName  string            `yaml:"displayName"`
	DisplayOrder int               `yaml:"displayOrder"`
	Enabled      *bool             `yaml:"enabled,omitempty"`
	Config       map[string]string `yaml:"config,omitempty"`
	Tools        []Tool            `yaml:"tools"`
}

// Tool is a declared tool.
type Tool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	InputSchema map[string]any `yaml:"inputSchema,omitempty"`
}

// VirtualServer is a virtual server with its children.
type VirtualServer struct {
	ID             string             `yaml:"id"`
	OrganizationID string             `yaml:"organizationID"`
	CreatedBy      string             `yaml:"createdBy"`
	Name           string             `yaml:"name"`
	Children       []storage.ChildRef `yaml:"children"`
}

// Token is a delegated OAuth token a user granted for a tool instance.
type Token struct {
	InstanceID   string    `yaml:"instanceID"`
	UserID       string    `yaml:"userID"`
	AccessToken  string    `yaml:"accessToken"`
	RefreshToken string    `yaml:"refreshToken,omitempty"`
	Expiry       time.Time `yaml:"expiry,omitempty"`
}

// Target is what Apply writes to.
type Target interface {
	storage.Writer
	SaveDelegatedToken(ctx context.Context, token gateway.DelegatedToken) error
}

// Load reads and validates a fixtures file.
func Load(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates fixtures.
func Parse(data []byte) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks ids, URLs and header names.
func (f *Fixtures) Validate() error {
	var errs []error
	for _, b := range f.Backends {
		if err := validation.ValidateResourceID(b.ID); err != nil {
			errs = append(errs, fmt.Errorf("backend: %w", err))
			continue
		}
		if b.Transport != gateway.TransportStdio {
			if err := validation.ValidateURL(b.URL); err != nil {
				errs = append(errs, fmt.Errorf("backend %s: %w", b.ID, err))
			}
		} else if b.Command == "" {
			errs = append(errs, fmt.Errorf("backend %s: stdio transport needs a command", b.ID))
		}
		for _, h := range b.APIKeyHeaders {
			if err := validation.ValidateHTTPHeaderName(h); err != nil {
				errs = append(errs, fmt.Errorf("backend %s: %w", b.ID, err))
			}
		}
		if b.AuthMode == gateway.AuthModeOAuth && b.OAuth == nil {
			errs = append(errs, fmt.Errorf("backend %s: oauth mode needs an oauth client", b.ID))
		}
		for _, inst := range b.Instances {
			if inst.ID != "" {
				if err := validation.ValidateResourceID(inst.ID); err != nil {
					errs = append(errs, fmt.Errorf("backend %s instance: %w", b.ID, err))
				}
			}
			for _, h := range b.APIKeyHeaders {
				if v, ok := inst.Config[h]; ok {
					if err := validation.ValidateHTTPHeaderValue(v); err != nil {
						errs = append(errs, fmt.Errorf("backend %s instance %s header %s: %w", b.ID, inst.DisplayName, h, err))
					}
				}
			}
		}
	}
	for _, vs := range f.VirtualServers {
		if err := validation.ValidateResourceID(vs.ID); err != nil {
			errs = append(errs, fmt.Errorf("virtual server: %w", err))
		}
	}
	for _, k := range f.APIKeys {
		if k.Key == "" && k.Hash == "" {
			errs = append(errs, fmt.Errorf("api key for user %s needs a key or a hash", k.UserID))
		}
	}
	return errors.Join(errs...)
}

// Apply writes the fixtures to t in dependency order.
func (f *Fixtures) Apply(ctx context.Context, t Target) error {
	for _, org := range f.Organizations {
		if err := t.CreateOrganization(ctx, org); err != nil {
			return fmt.Errorf("organization %s: %w", org.ID, err)
		}
	}
	for _, u := range f.Users {
		if err := t.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("user %s: %w", u.ID, err)
		}
	}
	for _, m := range f.Members {
		if err := t.AddMember(ctx, m.OrganizationID, m.UserID); err != nil {
			return fmt.Errorf("member %s of %s: %w", m.UserID, m.OrganizationID, err)
		}
	}
	for _, k := range f.APIKeys {
		hash := k.Hash
		if k.Key != "" {
			hash = auth.HashAPIKey(k.Key)
		}
		if err := t.CreateAPIKey(ctx, storage.APIKey{Hash: hash, UserID: k.UserID, Name: k.Name}); err != nil {
			return fmt.Errorf("api key %q: %w", k.Name, err)
		}
	}
	for _, b := range f.Backends {
		if err := applyBackend(ctx, t, b); err != nil {
			return fmt.Errorf("backend %s: %w", b.ID, err)
		}
	}
	for _, vs := range f.VirtualServers {
		if err := t.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{
			ID: vs.ID, OrganizationID: vs.OrganizationID, CreatedBy: vs.CreatedBy, Name: vs.Name,
		}); err != nil {
			return fmt.Errorf("virtual server %s: %w", vs.ID, err)
		}
		if err := t.SetChildren(ctx, vs.ID, vs.Children); err != nil {
			return fmt.Errorf("virtual server %s children: %w", vs.ID, err)
		}
	}
	for _, tok := range f.Tokens {
		if err := t.SaveDelegatedToken(ctx, gateway.DelegatedToken{
			ID:           uuid.NewString(),
			InstanceID:   tok.InstanceID,
			UserID:       tok.UserID,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			TokenType:    "Bearer",
			Expiry:       tok.Expiry,
		}); err != nil {
			return fmt.Errorf("token for %s on %s: %w", tok.UserID, tok.InstanceID, err)
		}
	}
	logger.Infow("applied fixtures",
		"organizations", len(f.Organizations),
		"users", len(f.Users),
		"backends", len(f.Backends),
		"virtual_servers", len(f.VirtualServers))
	return nil
}

func applyBackend(ctx context.Context, t Target, b Backend) error {
	status := b.Status
	if status == "" {
		status = gateway.BackendRunning
	}
	authMode := b.AuthMode
	if authMode == "" {
		authMode = gateway.AuthModeNone
	}
	transport := b.Transport
	if transport == "" {
		transport = gateway.TransportStreamableHTTP
	}
	err := t.PutBackend(ctx, gateway.BackendDescriptor{
		ID:                       b.ID,
		OrganizationID:           b.OrganizationID,
		CreatedBy:                b.CreatedBy,
		DisplayName:              b.DisplayName,
		AuthMode:                 authMode,
		Transport:                transport,
		URL:                      b.URL,
		Command:                  b.Command,
		Args:                     b.Args,
		Env:                      b.Env,
		AllowedTools:             b.AllowedTools,
		APIKeyHeaders:            b.APIKeyHeaders,
		PlatformIdentityRequired: b.PlatformIdentityRequired,
		PlatformIdentityURL:      b.PlatformIdentityURL,
		OAuth:                    b.OAuth,
		Status:                   status,
		PIIPolicy:                b.PIIPolicy,
		ToonConversionEnabled:    b.ToonConversionEnabled,
	})
	if err != nil {
		return err
	}

	for i, inst := range b.Instances {
		id := inst.ID
		if id == "" {
			id = fmt.Sprintf("%s-%d", b.ID, i)
		}
		enabled := inst.Enabled == nil || *inst.Enabled
		if err := t.PutInstance(ctx, gateway.ToolInstance{
			ID:           id,
			BackendID:    b.ID,
			DisplayName:  inst.DisplayName,
			DisplayOrder: inst.DisplayOrder,
			Enabled:      enabled,
			Config:       inst.Config,
		}); err != nil {
			return fmt.Errorf("instance %s: %w", id, err)
		}

		tools := make([]gateway.ToolDefinition, 0, len(inst.Tools))
		for pos, tool := range inst.Tools {
			def := gateway.ToolDefinition{Name: tool.Name, Description: tool.Description, Position: pos}
			if tool.InputSchema != nil {
				schema, err := json.Marshal(tool.InputSchema)
				if err != nil {
					return fmt.Errorf("tool %s schema: %w", tool.Name, err)
				}
				def.InputSchema = schema
			}
			tools = append(tools, def)
		}
		if err := t.ReplaceTools(ctx, id, tools); err != nil {
			return fmt.Errorf("instance %s tools: %w", id, err)
		}
	}
	return nil
}
