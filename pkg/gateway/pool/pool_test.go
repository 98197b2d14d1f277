// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	backendID string
	healthy   atomic.Bool
	closed    atomic.Bool
}

func (s *fakeSession) ListTools(context.Context) ([]mcp.Tool, error) { return nil, nil }

func (s *fakeSession) CallTool(context.Context, string, any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ok"), nil
}

func (s *fakeSession) Ping(context.Context) error {
	if !s.healthy.Load() {
		return errors.New("dead")
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	dials    atomic.Int32
	delay    time.Duration
	err      error
}

func (d *fakeDialer) Dial(ctx context.Context, backend *gateway.BackendDescriptor) (Session, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSession{backendID: backend.ID}
	s.healthy.Store(true)
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

// fakeClock advances one millisecond per reading so recency is strictly ordered.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func backend(id string) *gateway.BackendDescriptor {
	return &gateway.BackendDescriptor{ID: id, Transport: gateway.TransportStreamableHTTP, URL: "http://" + id}
}

func newTestManager(t *testing.T, cfg Config, d Dialer, opts ...Option) *Manager {
	t.Helper()
	m, err := New(cfg, d, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestAcquire_ReusesHealthyConnection(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, DefaultConfig(), d)
	b := backend("a")
	key := KeyFor(b, "i1")

	c1, err := m.Acquire(context.Background(), key, b)
	require.NoError(t, err)
	m.Release(c1)

	c2, err := m.Acquire(context.Background(), key, b)
	require.NoError(t, err)
	m.Release(c2)

	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), d.dials.Load())
	assert.Equal(t, 1, m.Stats().Connections)
}

func TestAcquire_ConcurrentCallersShareOneConnection(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{delay: 20 * time.Millisecond}
	m := newTestManager(t, DefaultConfig(), d)
	b := backend("a")
	key := KeyFor(b, "i1")

	var wg sync.WaitGroup
	conns := make([]*Conn, 20)
	for i := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Acquire(context.Background(), key, b)
			assert.NoError(t, err)
			conns[i] = c
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), d.dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
		m.Release(c)
	}
}

func TestAcquire_DropsUnhealthyConnection(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, DefaultConfig(), d)
	b := backend("a")
	key := KeyFor(b, "i1")

	c1, err := m.Acquire(context.Background(), key, b)
	require.NoError(t, err)
	m.Release(c1)
	d.sessions[0].healthy.Store(false)

	c2, err := m.Acquire(context.Background(), key, b)
	require.NoError(t, err)
	defer m.Release(c2)

	assert.NotSame(t, c1, c2)
	assert.True(t, d.sessions[0].closed.Load())
	assert.Equal(t, 1, m.Stats().Connections)
}

func TestAcquire_PerBackendCap(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, Config{MaxPerBackend: 3, MaxCallsPerConn: 1}, d)
	b := backend("a")
	key := KeyFor(b, "i1")

	var held []*Conn
	for range 5 {
		c, err := m.Acquire(context.Background(), key, b)
		require.NoError(t, err)
		held = append(held, c)
		assert.LessOrEqual(t, m.Stats().Connections, 3)
	}
	assert.Equal(t, int32(3), d.dials.Load())

	for _, c := range held {
		m.Release(c)
	}
}

func TestAcquire_GlobalCapEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	clock := newFakeClock()
	m := newTestManager(t, Config{MaxTotal: 3}, d, WithClock(clock.Now))
	ctx := context.Background()

	conns := map[string]*Conn{}
	for _, id := range []string{"a", "b", "c"} {
		b := backend(id)
		c, err := m.Acquire(ctx, KeyFor(b, ""), b)
		require.NoError(t, err)
		m.Release(c)
		conns[id] = c
	}

	// Touch a so b becomes the least recently used.
	c, err := m.Acquire(ctx, KeyFor(backend("a"), ""), backend("a"))
	require.NoError(t, err)
	m.Release(c)

	d4 := backend("d")
	c4, err := m.Acquire(ctx, KeyFor(d4, ""), d4)
	require.NoError(t, err)
	m.Release(c4)

	assert.Equal(t, 3, m.Stats().Connections)
	assert.False(t, conns["b"].Active())
	assert.True(t, conns["a"].Active())
	assert.True(t, conns["c"].Active())
}

func TestAcquire_GlobalCapNeverClosesConnectionsInUse(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, Config{MaxPerBackend: 3, MaxTotal: 1}, d)
	a, b := backend("a"), backend("b")

	held, err := m.Acquire(context.Background(), KeyFor(a, ""), a)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, KeyFor(b, ""), b)
	require.ErrorIs(t, err, ErrExhausted)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.True(t, held.Active())
	assert.False(t, d.sessions[0].closed.Load())
	assert.Equal(t, 1, m.Stats().Connections)
	m.Release(held)
}

func TestAcquire_WaitsForReleaseAtGlobalCap(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, Config{MaxTotal: 1}, d)
	a, b := backend("a"), backend("b")

	held, err := m.Acquire(context.Background(), KeyFor(a, ""), a)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := m.Acquire(context.Background(), KeyFor(b, ""), b)
		assert.NoError(t, err)
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("acquire must wait while the only connection is in use")
	case <-time.After(20 * time.Millisecond):
	}
	assert.False(t, d.sessions[0].closed.Load())

	m.Release(held)
	var c *Conn
	select {
	case c = <-got:
	case <-time.After(time.Second):
		t.Fatal("acquire did not proceed after release")
	}
	require.NotNil(t, c)
	assert.Equal(t, "b", c.Key().BackendID)
	assert.False(t, held.Active())
	assert.True(t, d.sessions[0].closed.Load())
	assert.Equal(t, 1, m.Stats().Connections)
	m.Release(c)
}

func TestStats_EmptyPoolsAreForgotten(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, DefaultConfig(), d)
	b := backend("a")

	c, err := m.Acquire(context.Background(), KeyFor(b, ""), b)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().Pools)

	c.MarkInactive()
	m.Release(c)
	assert.Equal(t, Stats{}, m.Stats())

	d.err = errors.New("connection refused")
	_, err = m.Acquire(context.Background(), KeyFor(b, ""), b)
	require.Error(t, err)
	assert.Zero(t, m.Stats().Pools)
}

func TestAcquire_NeverExceedsGlobalCapUnderLoad(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{delay: time.Millisecond}
	m := newTestManager(t, Config{MaxTotal: 5, MaxPerBackend: 3}, d)

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := backend(fmt.Sprintf("b%d", i%10))
			c, err := m.Acquire(context.Background(), KeyFor(b, ""), b)
			if err != nil {
				return
			}
			assert.LessOrEqual(t, m.Stats().Connections, 5)
			m.Release(c)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, m.Stats().Connections, 5)
}

func TestAcquire_DialFailureRegistersNothing(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{err: errors.New("connection refused")}
	m := newTestManager(t, Config{MaxTotal: 1}, d)
	b := backend("a")

	_, err := m.Acquire(context.Background(), KeyFor(b, ""), b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend a")
	assert.Zero(t, m.Stats().Connections)

	// The reserved slot was returned.
	d.err = nil
	c, err := m.Acquire(context.Background(), KeyFor(b, ""), b)
	require.NoError(t, err)
	m.Release(c)
}

func TestRelease_InactiveConnectionIsClosed(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m := newTestManager(t, DefaultConfig(), d)
	b := backend("a")

	c, err := m.Acquire(context.Background(), KeyFor(b, ""), b)
	require.NoError(t, err)
	c.MarkInactive()
	m.Release(c)

	assert.True(t, d.sessions[0].closed.Load())
	assert.Zero(t, m.Stats().Connections)
}

func TestSweep_ClosesIdleConnections(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	clock := newFakeClock()
	m := newTestManager(t, Config{IdleTimeout: time.Minute}, d, WithClock(clock.Now))
	ctx := context.Background()

	idle, err := m.Acquire(ctx, KeyFor(backend("idle"), ""), backend("idle"))
	require.NoError(t, err)
	m.Release(idle)

	busy, err := m.Acquire(ctx, KeyFor(backend("busy"), ""), backend("busy"))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	m.Sweep()

	assert.False(t, idle.Active())
	assert.True(t, busy.Active(), "connections in use are never swept")
	assert.Equal(t, 1, m.Stats().Connections)
	m.Release(busy)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{}
	m, err := New(Config{SweepInterval: 10 * time.Millisecond}, d)
	require.NoError(t, err)

	for _, id := range []string{"a", "b"} {
		c, err := m.Acquire(context.Background(), KeyFor(backend(id), ""), backend(id))
		require.NoError(t, err)
		m.Release(c)
	}

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	for _, s := range d.sessions {
		assert.True(t, s.closed.Load())
	}

	_, err = m.Acquire(context.Background(), KeyFor(backend("a"), ""), backend("a"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestAcquire_RespectsContext(t *testing.T) {
	t.Parallel()
	d := &fakeDialer{delay: time.Second}
	m := newTestManager(t, DefaultConfig(), d)
	b := backend("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, KeyFor(b, ""), b)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, m.Stats().Connections)
}

func TestKeyFor_FingerprintTracksConnectionConfig(t *testing.T) {
	t.Parallel()
	a := &gateway.BackendDescriptor{ID: "a", Transport: gateway.TransportStdio, Command: "npx", Env: map[string]string{"A": "1", "B": "2"}}
	same := &gateway.BackendDescriptor{ID: "a", Transport: gateway.TransportStdio, Command: "npx", Env: map[string]string{"B": "2", "A": "1"}}
	changed := &gateway.BackendDescriptor{ID: "a", Transport: gateway.TransportStdio, Command: "npx", Env: map[string]string{"A": "1", "B": "3"}}

	assert.Equal(t, KeyFor(a, "i"), KeyFor(same, "i"))
	assert.NotEqual(t, KeyFor(a, "i"), KeyFor(changed, "i"))
	assert.NotEqual(t, KeyFor(a, "i"), KeyFor(a, "j"))
}
