// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invalidation

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
	"github.com/stacklok/toolhive-gateway/pkg/storage/memory"
)

type recorder struct {
	mu          sync.Mutex
	invalidated []string
	purges      int
}

func (r *recorder) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, id)
}

func (r *recorder) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purges++
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invalidated...), r.purges
}

func seed(t *testing.T, pub storage.ChangePublisher) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.New(memory.WithPublisher(pub))
	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{ID: "b1", Status: gateway.BackendRunning}))
	require.NoError(t, s.PutBackend(ctx, gateway.BackendDescriptor{ID: "b2", Status: gateway.BackendRunning}))
	require.NoError(t, s.PutInstance(ctx, gateway.ToolInstance{ID: "i1", BackendID: "b1", DisplayName: "main", Enabled: true}))
	require.NoError(t, s.ReplaceTools(ctx, "i1", []gateway.ToolDefinition{{Name: "echo"}}))
	for _, vs := range []string{"vs1", "vs2", "vs3"} {
		require.NoError(t, s.PutVirtualServer(ctx, gateway.VirtualServerDescriptor{ID: vs}))
	}
	require.NoError(t, s.SetChildren(ctx, "vs1", []storage.ChildRef{{BackendID: "b1"}}))
	require.NoError(t, s.SetChildren(ctx, "vs2", []storage.ChildRef{{BackendID: "b1"}, {BackendID: "b2"}}))
	require.NoError(t, s.SetChildren(ctx, "vs3", []storage.ChildRef{{BackendID: "b2"}}))
	return s
}

func TestPurger_Handle(t *testing.T) {
	t.Parallel()
	s := seed(t, nil)

	tests := []struct {
		name      string
		change    storage.Change
		wantIDs   []string
		wantPurge int
	}{
		{name: "virtual server", change: storage.Change{Kind: storage.ChangeVirtualServer, ID: "vs3"}, wantIDs: []string{"vs3"}},
		{name: "backend", change: storage.Change{Kind: storage.ChangeBackend, ID: "b1"}, wantIDs: []string{"vs1", "vs2"}},
		{name: "tools", change: storage.Change{Kind: storage.ChangeTools, ID: "i1"}, wantIDs: []string{"vs1", "vs2"}},
		{name: "instance", change: storage.Change{Kind: storage.ChangeInstance, ID: "i1"}, wantIDs: []string{"vs1", "vs2"}},
		{name: "unknown instance purges all", change: storage.Change{Kind: storage.ChangeTools, ID: "missing"}, wantPurge: 1},
		{name: "unknown kind purges all", change: storage.Change{Kind: "other", ID: "x"}, wantPurge: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &recorder{}
			NewPurger(r, s, s).Handle(context.Background(), tt.change)
			ids, purges := r.snapshot()
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantPurge, purges)
		})
	}
}

func TestLocalBus_WritesPurgeCatalogBeforeNextRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := NewLocalBus()
	s := seed(t, bus)

	agg, err := aggregator.New(s, s)
	require.NoError(t, err)
	bus.Subscribe(NewPurger(agg, s, s).Handle)

	catalog, err := agg.Aggregate(ctx, "vs1")
	require.NoError(t, err)
	require.Len(t, catalog.Entries, 1)

	require.NoError(t, s.ReplaceTools(ctx, "i1", []gateway.ToolDefinition{{Name: "echo"}, {Name: "add"}}))
	catalog, err = agg.Aggregate(ctx, "vs1")
	require.NoError(t, err)
	assert.Len(t, catalog.Entries, 2)

	require.NoError(t, s.DeleteBackend(ctx, "b1"))
	catalog, err = agg.Aggregate(ctx, "vs1")
	require.NoError(t, err)
	assert.Empty(t, catalog.Entries)
}

func newRedisBus(t *testing.T, mr *miniredis.Miniredis) *RedisBus {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewRedisBus(context.Background(), client, "test:changes")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBus_FansOutToOtherReplicas(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	a := newRedisBus(t, mr)
	b := newRedisBus(t, mr)

	ra, rb := &recorder{}, &recorder{}
	a.Subscribe(func(_ context.Context, c storage.Change) { ra.Invalidate(c.ID) })
	b.Subscribe(func(_ context.Context, c storage.Change) { rb.Invalidate(c.ID) })

	require.NoError(t, a.Publish(context.Background(), storage.Change{Kind: storage.ChangeVirtualServer, ID: "vs1"}))

	// Local delivery is synchronous.
	ids, _ := ra.snapshot()
	assert.Equal(t, []string{"vs1"}, ids)

	assert.Eventually(t, func() bool {
		ids, _ := rb.snapshot()
		return len(ids) == 1 && ids[0] == "vs1"
	}, 2*time.Second, 10*time.Millisecond)

	// The publisher does not receive its own change twice.
	time.Sleep(50 * time.Millisecond)
	ids, _ = ra.snapshot()
	assert.Len(t, ids, 1)
}

func TestRedisBus_IgnoresMalformedMessages(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr)

	r := &recorder{}
	bus.Subscribe(func(_ context.Context, c storage.Change) { r.Invalidate(c.ID) })

	mr.Publish("test:changes", "not json")
	mr.Publish("test:changes", `{"origin":"other","kind":"virtual_server","id":"vs9"}`)

	assert.Eventually(t, func() bool {
		ids, _ := r.snapshot()
		return len(ids) == 1 && ids[0] == "vs9"
	}, 2*time.Second, 10*time.Millisecond)
}

//nolint:paralleltest // replaces the process logger while the bus is built
func TestRedisBus_LogsAsInvalidationComponent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	orig := logger.Get()
	logger.Set(slog.New(slog.NewTextHandler(&buf, nil)))
	bus, err := NewRedisBus(context.Background(), client, "test:changes")
	logger.Set(orig)
	require.NoError(t, err)

	r := &recorder{}
	bus.Subscribe(func(_ context.Context, c storage.Change) { r.Invalidate(c.ID) })
	mr.Publish("test:changes", "not json")
	mr.Publish("test:changes", `{"origin":"other","kind":"virtual_server","id":"vs1"}`)
	assert.Eventually(t, func() bool {
		ids, _ := r.snapshot()
		return len(ids) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Close())

	out := buf.String()
	assert.Contains(t, out, "component=invalidation")
	assert.Contains(t, out, "ignoring malformed change message")
}

func TestRedisBus_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus, err := NewRedisBus(context.Background(), client, "")
	require.NoError(t, err)
	require.NoError(t, bus.Close())
	assert.NotPanics(t, func() { _ = bus.Close() })
}
