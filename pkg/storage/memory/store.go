// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process storage.Store. It is used for tests,
// local development and seeded demo deployments.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// Store is a storage.Store backed by maps.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time
	pub storage.ChangePublisher

	orgs        map[string]storage.Organization
	users       map[string]storage.User
	members     map[string]map[string]bool // org -> user -> member
	apiKeys     map[string]storage.APIKey
	backends    map[string]gateway.BackendDescriptor
	instances   map[string]gateway.ToolInstance
	tools       map[string][]gateway.ToolDefinition
	virtuals    map[string]gateway.VirtualServerDescriptor
	children    map[string][]storage.ChildRef
	childrenAt  map[string]time.Time
	tokens      map[string]gateway.DelegatedToken
	lastStamped time.Time
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPublisher announces committed mutations to pub.
func WithPublisher(pub storage.ChangePublisher) Option {
	return func(s *Store) { s.pub = pub }
}

// WithClock overrides the clock used for update stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		pub:        storage.NopPublisher{},
		orgs:       make(map[string]storage.Organization),
		users:      make(map[string]storage.User),
		members:    make(map[string]map[string]bool),
		apiKeys:    make(map[string]storage.APIKey),
		backends:   make(map[string]gateway.BackendDescriptor),
		instances:  make(map[string]gateway.ToolInstance),
		tools:      make(map[string][]gateway.ToolDefinition),
		virtuals:   make(map[string]gateway.VirtualServerDescriptor),
		children:   make(map[string][]storage.ChildRef),
		childrenAt: make(map[string]time.Time),
		tokens:     make(map[string]gateway.DelegatedToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close implements storage.Store.
func (*Store) Close() error { return nil }

// stamp returns a strictly increasing update time. Callers hold mu.
func (s *Store) stamp() time.Time {
	t := s.now().UTC()
	if !t.After(s.lastStamped) {
		t = s.lastStamped.Add(time.Nanosecond)
	}
	s.lastStamped = t
	return t
}

// UserIDBySubject implements storage.IdentityStore.
func (s *Store) UserIDBySubject(_ context.Context, subject string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Subject != "" && u.Subject == subject {
			return u.ID, nil
		}
	}
	return "", fmt.Errorf("user with subject %q: %w", subject, storage.ErrNotFound)
}

// UserIDByEmail implements storage.IdentityStore. Emails compare case-insensitively.
func (s *Store) UserIDByEmail(_ context.Context, email string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email != "" && strings.EqualFold(u.Email, email) {
			return u.ID, nil
		}
	}
	return "", fmt.Errorf("user with email: %w", storage.ErrNotFound)
}

// UserIDByAPIKeyHash implements storage.IdentityStore.
func (s *Store) UserIDByAPIKeyHash(_ context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[hash]
	if !ok {
		return "", fmt.Errorf("api key: %w", storage.ErrNotFound)
	}
	return key.UserID, nil
}

// IsMember implements storage.IdentityStore.
func (s *Store) IsMember(_ context.Context, organizationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[organizationID][userID], nil
}

// GetBackend implements storage.BackendStore.
func (s *Store) GetBackend(_ context.Context, id string) (*gateway.BackendDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[id]
	if !ok {
		return nil, fmt.Errorf("backend %s: %w", id, storage.ErrNotFound)
	}
	return cloneBackend(b), nil
}

// ListInstances implements storage.BackendStore.
func (s *Store) ListInstances(_ context.Context, backendID string) ([]gateway.ToolInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.ToolInstance
	for _, inst := range s.instances {
		if inst.BackendID == backendID {
			inst.Config = maps.Clone(inst.Config)
			out = append(out, inst)
		}
	}
	slices.SortStableFunc(out, func(a, b gateway.ToolInstance) int {
		return cmp.Or(cmp.Compare(a.DisplayOrder, b.DisplayOrder), strings.Compare(a.ID, b.ID))
	})
	return out, nil
}

// GetInstance implements storage.BackendStore.
func (s *Store) GetInstance(_ context.Context, id string) (*gateway.ToolInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("tool instance %s: %w", id, storage.ErrNotFound)
	}
	inst.Config = maps.Clone(inst.Config)
	return &inst, nil
}

// ListTools implements storage.BackendStore.
func (s *Store) ListTools(_ context.Context, instanceID string) ([]gateway.ToolDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tools[instanceID]), nil
}

// GetVirtualServer implements storage.VirtualServerStore.
func (s *Store) GetVirtualServer(_ context.Context, id string) (*gateway.VirtualServerDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.virtuals[id]
	if !ok {
		return nil, fmt.Errorf("virtual server %s: %w", id, storage.ErrNotFound)
	}
	return &vs, nil
}

// ListChildren implements storage.VirtualServerStore.
func (s *Store) ListChildren(_ context.Context, virtualServerID string) ([]gateway.ChildServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := slices.Clone(s.children[virtualServerID])
	slices.SortStableFunc(refs, func(a, b storage.ChildRef) int {
		return cmp.Compare(a.DisplayOrder, b.DisplayOrder)
	})
	out := make([]gateway.ChildServer, 0, len(refs))
	for _, ref := range refs {
		b, ok := s.backends[ref.BackendID]
		if !ok {
			continue
		}
		out = append(out, gateway.ChildServer{Backend: *cloneBackend(b), DisplayOrder: ref.DisplayOrder})
	}
	return out, nil
}

// VirtualServersContaining implements storage.VirtualServerStore.
func (s *Store) VirtualServersContaining(_ context.Context, backendID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for vsID, refs := range s.children {
		if slices.ContainsFunc(refs, func(r storage.ChildRef) bool { return r.BackendID == backendID }) {
			ids = append(ids, vsID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// CatalogStamp implements storage.VirtualServerStore.
func (s *Store) CatalogStamp(_ context.Context, virtualServerID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vs, ok := s.virtuals[virtualServerID]
	if !ok {
		return time.Time{}, fmt.Errorf("virtual server %s: %w", virtualServerID, storage.ErrNotFound)
	}
	latest := later(vs.UpdatedAt, s.childrenAt[virtualServerID])
	for _, ref := range s.children[virtualServerID] {
		b, ok := s.backends[ref.BackendID]
		if !ok {
			continue
		}
		latest = later(latest, b.UpdatedAt)
		for _, inst := range s.instances {
			if inst.BackendID != b.ID {
				continue
			}
			latest = later(latest, inst.UpdatedAt)
			for _, tool := range s.tools[inst.ID] {
				latest = later(latest, tool.UpdatedAt)
			}
		}
	}
	return latest, nil
}

// GetDelegatedToken implements storage.TokenStore.
func (s *Store) GetDelegatedToken(_ context.Context, instanceID, userID string) (*gateway.DelegatedToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[tokenKey(instanceID, userID)]
	if !ok {
		return nil, fmt.Errorf("delegated token: %w", storage.ErrNotFound)
	}
	return &tok, nil
}

// SaveDelegatedToken implements storage.TokenStore.
func (s *Store) SaveDelegatedToken(_ context.Context, token gateway.DelegatedToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tokenKey(token.InstanceID, token.UserID)] = token
	return nil
}

// CreateOrganization implements storage.Writer.
func (s *Store) CreateOrganization(_ context.Context, org storage.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[org.ID]; ok {
		return fmt.Errorf("organization %s: %w", org.ID, storage.ErrAlreadyExists)
	}
	s.orgs[org.ID] = org
	return nil
}

// CreateUser implements storage.Writer.
func (s *Store) CreateUser(_ context.Context, user storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return fmt.Errorf("user %s: %w", user.ID, storage.ErrAlreadyExists)
	}
	s.users[user.ID] = user
	return nil
}

// AddMember implements storage.Writer.
func (s *Store) AddMember(_ context.Context, organizationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[organizationID]; !ok {
		return fmt.Errorf("organization %s: %w", organizationID, storage.ErrNotFound)
	}
	if s.members[organizationID] == nil {
		s.members[organizationID] = make(map[string]bool)
	}
	s.members[organizationID][userID] = true
	return nil
}

// CreateAPIKey implements storage.Writer.
func (s *Store) CreateAPIKey(_ context.Context, key storage.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.Hash]; ok {
		return fmt.Errorf("api key: %w", storage.ErrAlreadyExists)
	}
	s.apiKeys[key.Hash] = key
	return nil
}

// PutBackend implements storage.Writer.
func (s *Store) PutBackend(ctx context.Context, backend gateway.BackendDescriptor) error {
	s.mu.Lock()
	b := *cloneBackend(backend)
	b.UpdatedAt = s.stamp()
	s.backends[b.ID] = b
	s.mu.Unlock()

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeBackend, ID: backend.ID})
	return nil
}

// SetBackendStatus implements storage.Writer.
func (s *Store) SetBackendStatus(ctx context.Context, id string, status gateway.BackendStatus) error {
	return s.updateBackend(ctx, id, func(b *gateway.BackendDescriptor, _ time.Time) { b.Status = status })
}

// DeleteBackend implements storage.Writer. The backend is soft-deleted.
func (s *Store) DeleteBackend(ctx context.Context, id string) error {
	return s.updateBackend(ctx, id, func(b *gateway.BackendDescriptor, now time.Time) { b.DeletedAt = &now })
}

func (s *Store) updateBackend(ctx context.Context, id string, mutate func(*gateway.BackendDescriptor, time.Time)) error {
	s.mu.Lock()
	b, ok := s.backends[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("backend %s: %w", id, storage.ErrNotFound)
	}
	now := s.stamp()
	mutate(&b, now)
	b.UpdatedAt = now
	s.backends[id] = b
	s.mu.Unlock()

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeBackend, ID: id})
	return nil
}

// PutInstance implements storage.Writer.
func (s *Store) PutInstance(ctx context.Context, instance gateway.ToolInstance) error {
	s.mu.Lock()
	if _, ok := s.backends[instance.BackendID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("backend %s: %w", instance.BackendID, storage.ErrNotFound)
	}
	instance.Config = maps.Clone(instance.Config)
	instance.UpdatedAt = s.stamp()
	s.instances[instance.ID] = instance
	s.mu.Unlock()

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeInstance, ID: instance.ID})
	return nil
}

// ReplaceTools implements storage.Writer.
func (s *Store) ReplaceTools(ctx context.Context, instanceID string, tools []gateway.ToolDefinition) error {
	s.mu.Lock()
	if _, ok := s.instances[instanceID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("tool instance %s: %w", instanceID, storage.ErrNotFound)
	}
	now := s.stamp()
	replaced := make([]gateway.ToolDefinition, len(tools))
	for i, t := range tools {
		t.InstanceID = instanceID
		t.Position = i
		t.UpdatedAt = now
		replaced[i] = t
	}
	s.tools[instanceID] = replaced
	// An emptied tool set leaves no tool row to carry the stamp.
	inst := s.instances[instanceID]
	inst.UpdatedAt = now
	s.instances[instanceID] = inst
	s.mu.Unlock()

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeTools, ID: instanceID})
	return nil
}

// PutVirtualServer implements storage.Writer.
func (s *Store) PutVirtualServer(ctx context.Context, vs gateway.VirtualServerDescriptor) error {
	s.mu.Lock()
	vs.UpdatedAt = s.stamp()
	s.virtuals[vs.ID] = vs
	s.mu.Unlock()

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeVirtualServer, ID: vs.ID})
	return nil
}

// SetChildren implements storage.Writer.
func (s *Store) SetChildren(ctx context.Context, virtualServerID string, children []storage.ChildRef) error {
	s.mu.Lock()
	if _, ok := s.virtuals[virtualServerID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("virtual server %s: %w", virtualServerID, storage.ErrNotFound)
	}
	for _, c := range children {
		if _, ok := s.backends[c.BackendID]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("backend %s: %w", c.BackendID, storage.ErrNotFound)
		}
	}
	s.children[virtualServerID] = slices.Clone(children)
	s.childrenAt[virtualServerID] = s.stamp()
	s.mu.Unlock()

	storage.Announce(ctx, s.pub, storage.Change{Kind: storage.ChangeVirtualServer, ID: virtualServerID})
	return nil
}

func tokenKey(instanceID, userID string) string {
	return instanceID + "\x00" + userID
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func cloneBackend(b gateway.BackendDescriptor) *gateway.BackendDescriptor {
	b.Args = slices.Clone(b.Args)
	b.Env = maps.Clone(b.Env)
	b.AllowedTools = slices.Clone(b.AllowedTools)
	b.APIKeyHeaders = slices.Clone(b.APIKeyHeaders)
	b.PIIPolicy.Categories = slices.Clone(b.PIIPolicy.Categories)
	if b.OAuth != nil {
		o := *b.OAuth
		o.Scopes = slices.Clone(o.Scopes)
		b.OAuth = &o
	}
	return &b
}
