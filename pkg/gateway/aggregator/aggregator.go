// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package aggregator merges the tool surfaces of a virtual server's children
// into one namespaced catalog and maps qualified names back to their owners.
//
// Catalogs are built from the tool definitions stored for each enabled tool
// instance and cached per virtual server until a change to the virtual server,
// its children or their tools invalidates them. A catalog is always rebuilt
// from scratch, never patched.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/cache"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/toolname"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// DefaultCacheSize is the number of virtual server catalogs kept in memory.
const DefaultCacheSize = 1024

const instrumentationName = "github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"

// maxConcurrentChildren bounds the per-catalog fan-out to the store.
const maxConcurrentChildren = 8

// StatusVulnerable is reported for running children flagged by the
// vulnerability signal.
const StatusVulnerable gateway.BackendStatus = "VULNERABLE"

// ErrUnknownTool is returned by Resolve for names that are not in the catalog.
var ErrUnknownTool = fmt.Errorf("%w: unknown tool", gateway.ErrInvalidRequest)

// Catalog is the merged tool surface of one virtual server.
type Catalog struct {
	VirtualServerID string
	Entries         []gateway.ToolCatalogEntry
	BuiltAt         time.Time

	index map[string]int
}

// Lookup returns the entry with the given qualified name.
func (c *Catalog) Lookup(qualifiedName string) (gateway.ToolCatalogEntry, bool) {
	i, ok := c.index[qualifiedName]
	if !ok {
		return gateway.ToolCatalogEntry{}, false
	}
	return c.Entries[i], true
}

// Aggregator builds and caches virtual server catalogs.
type Aggregator struct {
	backends storage.BackendStore
	virtuals storage.VirtualServerStore
	vulns    VulnerabilitySignal
	now      func() time.Time

	catalogs *cache.Cache[*Catalog]
}

// Option configures an Aggregator.
type Option func(*settings)

type settings struct {
	cacheSize       int
	verifyFreshness bool
	vulns           VulnerabilitySignal
}

// WithCacheSize sets how many catalogs are cached.
func WithCacheSize(n int) Option {
	return func(s *settings) { s.cacheSize = n }
}

// WithFreshnessCheck makes every cache hit compare the catalog's stamp with
// the store's current stamp for the virtual server.
func WithFreshnessCheck(enabled bool) Option {
	return func(s *settings) { s.verifyFreshness = enabled }
}

// WithVulnerabilitySignal fails catalogs containing flagged children.
func WithVulnerabilitySignal(signal VulnerabilitySignal) Option {
	return func(s *settings) { s.vulns = signal }
}

// New creates an Aggregator reading from the given stores.
func New(backends storage.BackendStore, virtuals storage.VirtualServerStore, opts ...Option) (*Aggregator, error) {
	s := &settings{cacheSize: DefaultCacheSize, vulns: NotConfigured{}}
	for _, opt := range opts {
		opt(s)
	}

	cacheOpts := []cache.Option{cache.WithMeter(otel.Meter(instrumentationName))}
	if s.verifyFreshness {
		cacheOpts = append(cacheOpts, cache.WithFreshness(virtuals.CatalogStamp))
	}
	catalogs, err := cache.New[*Catalog]("catalog", s.cacheSize, cacheOpts...)
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		backends: backends,
		virtuals: virtuals,
		vulns:    s.vulns,
		now:      time.Now,
		catalogs: catalogs,
	}, nil
}

// Aggregate returns the catalog of a virtual server. Concurrent misses for
// the same virtual server share one build.
func (a *Aggregator) Aggregate(ctx context.Context, virtualServerID string) (*Catalog, error) {
	if virtualServerID == "" {
		return nil, fmt.Errorf("%w: virtual server id is required", gateway.ErrInvalidRequest)
	}
	return a.catalogs.Get(ctx, virtualServerID, func(ctx context.Context) (*Catalog, time.Time, error) {
		return a.build(ctx, virtualServerID)
	})
}

// Resolve maps a qualified tool name in a virtual server's catalog to its
// catalog entry.
func (a *Aggregator) Resolve(ctx context.Context, virtualServerID, qualifiedName string) (gateway.ToolCatalogEntry, error) {
	if _, err := toolname.Parse(qualifiedName); err != nil {
		return gateway.ToolCatalogEntry{}, fmt.Errorf("%w: %w", ErrUnknownTool, err)
	}
	catalog, err := a.Aggregate(ctx, virtualServerID)
	if err != nil {
		return gateway.ToolCatalogEntry{}, err
	}
	entry, ok := catalog.Lookup(qualifiedName)
	if !ok {
		return gateway.ToolCatalogEntry{}, fmt.Errorf("%w %q", ErrUnknownTool, qualifiedName)
	}
	return entry, nil
}

// GetChildServers returns the non-deleted children of a virtual server in
// display order, without building a catalog or checking their status.
func (a *Aggregator) GetChildServers(ctx context.Context, virtualServerID string) ([]gateway.ChildServer, error) {
	if _, err := a.virtualServer(ctx, virtualServerID); err != nil {
		return nil, err
	}
	return a.children(ctx, virtualServerID)
}

// Invalidate drops the cached catalog of a virtual server.
func (a *Aggregator) Invalidate(virtualServerID string) {
	a.catalogs.Invalidate(virtualServerID)
	logger.Debugw("invalidated tool catalog", "virtual_server", virtualServerID)
}

// Purge drops every cached catalog.
func (a *Aggregator) Purge() {
	a.catalogs.Purge()
}

// Stats returns catalog cache usage.
func (a *Aggregator) Stats() cache.Stats {
	return a.catalogs.Stats()
}

func (a *Aggregator) build(ctx context.Context, virtualServerID string) (*Catalog, time.Time, error) {
	// Read the stamp first: a write racing the build leaves an older stamp,
	// so the next freshness check reloads.
	stamp, err := a.virtuals.CatalogStamp(ctx, virtualServerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, time.Time{}, absentError{id: virtualServerID}
		}
		return nil, time.Time{}, fmt.Errorf("%w: failed to read catalog stamp: %w", gateway.ErrInternal, err)
	}
	if _, err := a.virtualServer(ctx, virtualServerID); err != nil {
		return nil, time.Time{}, err
	}

	children, err := a.children(ctx, virtualServerID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if err := a.failFast(ctx, children); err != nil {
		return nil, time.Time{}, err
	}

	perChild := make([][]gateway.ToolCatalogEntry, len(children))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChildren)
	for i, child := range children {
		g.Go(func() error {
			entries, err := a.childEntries(gctx, &child.Backend)
			if err != nil {
				return err
			}
			perChild[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, time.Time{}, err
	}

	catalog := &Catalog{
		VirtualServerID: virtualServerID,
		BuiltAt:         a.now(),
		index:           make(map[string]int),
	}
	for _, entries := range perChild {
		for _, e := range entries {
			if _, dup := catalog.index[e.QualifiedName]; dup {
				logger.Warnw("duplicate qualified tool name, keeping first",
					"virtual_server", virtualServerID, "tool", e.QualifiedName)
				continue
			}
			catalog.index[e.QualifiedName] = len(catalog.Entries)
			catalog.Entries = append(catalog.Entries, e)
		}
	}

	logger.Debugw("built tool catalog", "virtual_server", virtualServerID,
		"children", len(children), "tools", len(catalog.Entries))
	return catalog, stamp, nil
}

func (a *Aggregator) virtualServer(ctx context.Context, id string) (*gateway.VirtualServerDescriptor, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: virtual server id is required", gateway.ErrInvalidRequest)
	}
	vs, err := a.virtuals.GetVirtualServer(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, absentError{id: id}
	case err != nil:
		return nil, fmt.Errorf("%w: failed to load virtual server %s: %w", gateway.ErrInternal, id, err)
	case vs.Deleted():
		return nil, absentError{id: id}
	}
	return vs, nil
}

func (a *Aggregator) children(ctx context.Context, virtualServerID string) ([]gateway.ChildServer, error) {
	all, err := a.virtuals.ListChildren(ctx, virtualServerID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list children of %s: %w", gateway.ErrInternal, virtualServerID, err)
	}
	children := slices.DeleteFunc(all, func(c gateway.ChildServer) bool { return c.Backend.Deleted() })
	slices.SortStableFunc(children, func(x, y gateway.ChildServer) int {
		return cmp.Compare(x.DisplayOrder, y.DisplayOrder)
	})
	return children, nil
}

// failFast rejects the catalog when any child cannot serve, naming every
// offender with its status in child order.
func (a *Aggregator) failFast(ctx context.Context, children []gateway.ChildServer) error {
	var offenders []string
	for _, child := range children {
		b := &child.Backend
		status := b.Status
		if b.Running() {
			flagged, err := a.vulns.Flagged(ctx, b.ID)
			if err != nil {
				return fmt.Errorf("%w: vulnerability check for backend %s failed: %w", gateway.ErrInternal, b.ID, err)
			}
			if !flagged {
				continue
			}
			status = StatusVulnerable
		}
		offenders = append(offenders, fmt.Sprintf("%s (%s)", displayName(b), status))
	}
	if len(offenders) == 0 {
		return nil
	}
	return fmt.Errorf("%w: some servers are not running: %s",
		gateway.ErrUpstreamUnavailable, strings.Join(offenders, ", "))
}

func (a *Aggregator) childEntries(ctx context.Context, backend *gateway.BackendDescriptor) ([]gateway.ToolCatalogEntry, error) {
	instances, err := a.backends.ListInstances(ctx, backend.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list instances of backend %s: %w", gateway.ErrInternal, backend.ID, err)
	}
	instances = EnabledInstances(instances)

	var entries []gateway.ToolCatalogEntry
	for _, inst := range instances {
		tools, err := a.backends.ListTools(ctx, inst.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list tools of instance %s: %w", gateway.ErrInternal, inst.ID, err)
		}
		slices.SortStableFunc(tools, func(x, y gateway.ToolDefinition) int { return cmp.Compare(x.Position, y.Position) })

		name := InstanceName(inst)
		for _, t := range tools {
			if !backend.AllowsTool(t.Name) {
				continue
			}
			entries = append(entries, gateway.ToolCatalogEntry{
				QualifiedName:          toolname.Format(backend.ID, name, t.Name),
				Description:            t.Description,
				InputSchema:            t.InputSchema,
				OwnerBackendID:         backend.ID,
				OwnerChildInstanceName: name,
				OwnerInstanceID:        inst.ID,
				OriginalName:           t.Name,
			})
		}
	}
	return entries, nil
}

// EnabledInstances returns the enabled instances in display order.
func EnabledInstances(instances []gateway.ToolInstance) []gateway.ToolInstance {
	enabled := slices.DeleteFunc(slices.Clone(instances), func(i gateway.ToolInstance) bool { return !i.Enabled })
	slices.SortStableFunc(enabled, func(x, y gateway.ToolInstance) int { return cmp.Compare(x.DisplayOrder, y.DisplayOrder) })
	return enabled
}

// PrimaryInstance returns the enabled instance with the lowest display order.
func PrimaryInstance(instances []gateway.ToolInstance) (gateway.ToolInstance, bool) {
	enabled := EnabledInstances(instances)
	if len(enabled) == 0 {
		return gateway.ToolInstance{}, false
	}
	return enabled[0], true
}

// InstanceName returns the name segment used in qualified tool names.
func InstanceName(inst gateway.ToolInstance) string {
	if inst.NormalizedName != "" {
		return toolname.NormalizeInstanceName(inst.NormalizedName)
	}
	if name := toolname.NormalizeInstanceName(inst.DisplayName); name != "" {
		return name
	}
	return toolname.NormalizeInstanceName(inst.ID)
}

func displayName(b *gateway.BackendDescriptor) string {
	if b.DisplayName != "" {
		return b.DisplayName
	}
	return b.ID
}

// absentError reports a missing or deleted virtual server. The catalog cache
// keeps it as a negative entry.
type absentError struct {
	id string
}

func (e absentError) Error() string {
	return fmt.Sprintf("%s: virtual server %s", gateway.ErrNotFound, e.id)
}

func (absentError) Is(target error) bool {
	return target == gateway.ErrNotFound || target == cache.ErrAbsent
}
