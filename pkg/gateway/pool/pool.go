// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package pool keeps reusable sessions to backend MCP servers.
//
// Connections are grouped by Key and capped per key and globally. At either
// cap the least recently used idle connection is evicted; when every
// connection is in use Acquire waits for one to be released. A background sweep
// closes connections idle for longer than the idle timeout. Connections are
// shared: several requests may use one session concurrently.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("connection pool is closed")

// ErrExhausted is returned when the caps are reached, every connection is in
// use and the caller's context ends before one is released.
var ErrExhausted = errors.New("connection pool exhausted")

// Defaults.
const (
	DefaultMaxPerBackend      = 3
	DefaultMaxTotal           = 30
	DefaultIdleTimeout        = 3 * time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultHealthCheckTimeout = 5 * time.Second
)

// Config configures a Manager.
type Config struct {
	MaxPerBackend      int
	MaxTotal           int
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	HealthCheckTimeout time.Duration
	// MaxCallsPerConn limits concurrent calls on one connection before
	// another one is opened for the same key. Zero means unlimited.
	MaxCallsPerConn int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxPerBackend:      DefaultMaxPerBackend,
		MaxTotal:           DefaultMaxTotal,
		IdleTimeout:        DefaultIdleTimeout,
		SweepInterval:      DefaultSweepInterval,
		HealthCheckTimeout: DefaultHealthCheckTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerBackend <= 0 {
		c.MaxPerBackend = d.MaxPerBackend
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = d.MaxTotal
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = d.HealthCheckTimeout
	}
	return c
}

// Conn is a pooled backend session.
type Conn struct {
	id      string
	key     Key
	session Session

	// guarded by Manager.mu
	lastUsed time.Time
	inUse    int

	active atomic.Bool
}

// ID returns a unique id for logging.
func (c *Conn) ID() string { return c.id }

// Key returns the pool key the connection belongs to.
func (c *Conn) Key() Key { return c.key }

// Session returns the underlying backend session.
func (c *Conn) Session() Session { return c.session }

// Active reports whether the connection may be reused.
func (c *Conn) Active() bool { return c.active.Load() }

// MarkInactive flags the connection as broken; Release will close it.
func (c *Conn) MarkInactive() { c.active.Store(false) }

type keyPool struct {
	// sem serializes the find-or-create decision for one key.
	sem   chan struct{}
	conns []*Conn
	// waiters counts Acquire calls holding a reference; guarded by Manager.mu.
	waiters int
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Connections int `json:"connections"`
	Pools       int `json:"pools"`
	InUse       int `json:"in_use"`
}

// Manager owns every pooled connection. Create one per process with New and
// Close it on shutdown.
type Manager struct {
	cfg    Config
	dialer Dialer
	now    func() time.Time
	log    *slog.Logger

	mu    sync.Mutex
	pools map[Key]*keyPool
	// total counts registered connections plus slots reserved by in-flight dials.
	total  int
	closed bool
	// freed is closed and replaced whenever a connection is released or
	// removed, waking Acquire calls waiting for room.
	freed chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connections metric.Int64UpDownCounter
	evictions   metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the clock used for idle tracking.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager and starts its idle sweep.
func New(cfg Config, dialer Dialer, opts ...Option) (*Manager, error) {
	meter := otel.Meter("github.com/stacklok/toolhive-gateway/pkg/gateway/pool")
	connections, err := meter.Int64UpDownCounter(
		"toolhive_gateway_pool_connections",
		metric.WithDescription("Open pooled backend connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections gauge: %w", err)
	}
	evictions, err := meter.Int64Counter(
		"toolhive_gateway_pool_evictions",
		metric.WithDescription("Pooled connections closed by the pool, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	m := &Manager{
		cfg:         cfg.withDefaults(),
		dialer:      dialer,
		now:         time.Now,
		log:         logger.Component("pool"),
		pools:       make(map[Key]*keyPool),
		freed:       make(chan struct{}),
		stopCh:      make(chan struct{}),
		connections: connections,
		evictions:   evictions,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m, nil
}

// Acquire returns a healthy connection for key, dialing a new one with
// backend when none can be reused. Callers must Release the connection.
func (m *Manager) Acquire(ctx context.Context, key Key, backend *gateway.BackendDescriptor) (*Conn, error) {
	p, err := m.pool(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		m.mu.Lock()
		p.waiters--
		m.dropEmptyLocked(key, p)
		m.mu.Unlock()
	}()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	if c := m.reuse(ctx, key, p); c != nil {
		return c, nil
	}

	if err := m.reserve(ctx, key, p); err != nil {
		return nil, err
	}

	session, err := m.dialer.Dial(ctx, backend)
	if err != nil {
		m.mu.Lock()
		m.total--
		m.signalLocked()
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to connect to backend %s: %w", backend.ID, err)
	}

	c := &Conn{id: uuid.NewString(), key: key, session: session, lastUsed: m.now(), inUse: 1}
	c.active.Store(true)

	m.mu.Lock()
	if m.closed {
		m.total--
		m.signalLocked()
		m.mu.Unlock()
		m.closeSession(c, "pool closed")
		return nil, ErrClosed
	}
	p.conns = append(p.conns, c)
	m.mu.Unlock()

	m.connections.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", key.BackendID)))
	m.log.Debug("opened pooled connection", "backend", key.BackendID, "instance", key.InstanceID, "connection", c.id)
	return c, nil
}

// Release returns c to the pool. Inactive connections are closed at once.
func (m *Manager) Release(c *Conn) {
	if c == nil {
		return
	}
	m.mu.Lock()
	if c.inUse > 0 {
		c.inUse--
	}
	c.lastUsed = m.now()
	if c.Active() {
		if c.inUse == 0 {
			m.signalLocked()
		}
		m.mu.Unlock()
		return
	}
	removed := m.removeLocked(c)
	m.mu.Unlock()

	if removed {
		m.evicted(c, "inactive")
	}
}

// Close stops the sweep and closes every connection. It is safe to call more
// than once.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.Lock()
	m.closed = true
	m.signalLocked()
	var all []*Conn
	for key, p := range m.pools {
		all = append(all, p.conns...)
		m.total -= len(p.conns)
		p.conns = nil
		delete(m.pools, key)
	}
	m.mu.Unlock()

	for _, c := range all {
		m.evicted(c, "shutdown")
	}
	if len(all) > 0 {
		m.log.Info("drained connection pool", "connections", len(all))
	}
	return nil
}

// Stats returns current pool usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Pools: len(m.pools)}
	for _, p := range m.pools {
		s.Connections += len(p.conns)
		for _, c := range p.conns {
			if c.inUse > 0 {
				s.InUse++
			}
		}
	}
	return s
}

func (m *Manager) pool(key Key) (*keyPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.pools[key]
	if !ok {
		p = &keyPool{sem: make(chan struct{}, 1)}
		m.pools[key] = p
	}
	p.waiters++
	return p, nil
}

// reuse returns the first healthy connection for key with spare capacity,
// dropping unhealthy ones. At the per-key cap it shares the least busy
// healthy connection instead of dialing.
func (m *Manager) reuse(ctx context.Context, key Key, p *keyPool) *Conn {
	m.mu.Lock()
	candidates := append([]*Conn(nil), p.conns...)
	m.mu.Unlock()

	var busy []*Conn
	for _, c := range candidates {
		if !c.Active() || !m.healthy(ctx, c) {
			m.mu.Lock()
			removed := m.removeLocked(c)
			m.mu.Unlock()
			if removed {
				m.log.Info("dropping unhealthy pooled connection", "backend", key.BackendID, "connection", c.id)
				m.evicted(c, "unhealthy")
			}
			continue
		}

		m.mu.Lock()
		switch {
		case !m.containsLocked(p, c):
		case m.cfg.MaxCallsPerConn > 0 && c.inUse >= m.cfg.MaxCallsPerConn:
			busy = append(busy, c)
		default:
			m.checkoutLocked(c)
			m.mu.Unlock()
			return c
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(p.conns) < m.cfg.MaxPerBackend {
		return nil
	}
	var least *Conn
	for _, c := range busy {
		if m.containsLocked(p, c) && (least == nil || c.inUse < least.inUse) {
			least = c
		}
	}
	if least != nil {
		m.checkoutLocked(least)
	}
	return least
}

func (m *Manager) checkoutLocked(c *Conn) {
	c.inUse++
	c.lastUsed = m.now()
}

func (m *Manager) healthy(ctx context.Context, c *Conn) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()
	if err := c.session.Ping(pingCtx); err != nil {
		m.log.Debug("pooled connection failed health check", "connection", c.id, "error", err)
		c.MarkInactive()
		return false
	}
	return true
}

// reserve makes room for one new connection under key and counts it against
// the global cap. Only idle connections are evicted; when every connection is
// in use it waits for one to be released until ctx ends.
func (m *Manager) reserve(ctx context.Context, key Key, p *keyPool) error {
	var victims []*Conn
	var reasons []string

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			m.closeAll(victims, reasons)
			return ErrClosed
		}

		victim, reason := m.victimLocked(p)
		if victim != nil {
			m.removeLocked(victim)
			victims = append(victims, victim)
			reasons = append(reasons, reason)
			continue
		}
		if reason == "" {
			break
		}

		freed := m.freed
		m.mu.Unlock()
		m.closeAll(victims, reasons)
		victims, reasons = nil, nil

		m.log.Debug("waiting for a pooled connection to be released", "backend", key.BackendID, "cap", reason)
		select {
		case <-freed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %d connections in use: %w", ErrExhausted, m.cfg.MaxTotal, ctx.Err())
		}
		m.mu.Lock()
	}
	m.total++
	m.mu.Unlock()

	if len(victims) > 0 {
		m.log.Debug("evicted pooled connections to make room", "backend", key.BackendID, "evicted", len(victims))
	}
	m.closeAll(victims, reasons)
	return nil
}

// victimLocked returns the idle connection to evict before p may dial. An
// empty reason means there is room; a reason with a nil victim means a cap is
// reached and every connection counted against it is in use.
func (m *Manager) victimLocked(p *keyPool) (*Conn, string) {
	if len(p.conns) >= m.cfg.MaxPerBackend {
		return idleLRU(p.conns), "backend_cap"
	}
	if m.total >= m.cfg.MaxTotal {
		var victim *Conn
		for _, other := range m.pools {
			if c := idleLRU(other.conns); c != nil && (victim == nil || c.lastUsed.Before(victim.lastUsed)) {
				victim = c
			}
		}
		return victim, "global_cap"
	}
	return nil, ""
}

func (m *Manager) closeAll(victims []*Conn, reasons []string) {
	for i, c := range victims {
		m.evicted(c, reasons[i])
	}
}

func (m *Manager) signalLocked() {
	close(m.freed)
	m.freed = make(chan struct{})
}

// idleLRU returns the least recently used connection nobody is using.
func idleLRU(conns []*Conn) *Conn {
	var oldest *Conn
	for _, c := range conns {
		if c.inUse == 0 && (oldest == nil || c.lastUsed.Before(oldest.lastUsed)) {
			oldest = c
		}
	}
	return oldest
}

func (m *Manager) containsLocked(p *keyPool, c *Conn) bool {
	for _, existing := range p.conns {
		if existing == c {
			return true
		}
	}
	return false
}

// removeLocked unregisters c. It reports false if c was already removed.
func (m *Manager) removeLocked(c *Conn) bool {
	p, ok := m.pools[c.key]
	if !ok {
		return false
	}
	for i, existing := range p.conns {
		if existing == c {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			m.total--
			c.MarkInactive()
			m.dropEmptyLocked(c.key, p)
			m.signalLocked()
			return true
		}
	}
	return false
}

// dropEmptyLocked forgets the pool for key once it holds no connections and
// no Acquire call references it.
func (m *Manager) dropEmptyLocked(key Key, p *keyPool) {
	if len(p.conns) == 0 && p.waiters == 0 && m.pools[key] == p {
		delete(m.pools, key)
	}
}

func (m *Manager) evicted(c *Conn, reason string) {
	ctx := context.Background()
	m.connections.Add(ctx, -1, metric.WithAttributes(attribute.String("backend", c.key.BackendID)))
	m.evictions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", c.key.BackendID),
		attribute.String("reason", reason),
	))
	m.closeSession(c, reason)
}

func (m *Manager) closeSession(c *Conn, reason string) {
	if err := c.session.Close(); err != nil {
		m.log.Warn("failed to close pooled connection", "connection", c.id, "reason", reason, "error", err)
	}
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stopCh:
			return
		}
	}
}

// Sweep closes connections that nobody is using and that have been idle for
// longer than the idle timeout. It runs periodically in the background.
func (m *Manager) Sweep() {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	var idle []*Conn
	m.mu.Lock()
	for key, p := range m.pools {
		kept := p.conns[:0]
		for _, c := range p.conns {
			if c.inUse == 0 && c.lastUsed.Before(cutoff) {
				c.MarkInactive()
				idle = append(idle, c)
				m.total--
				continue
			}
			kept = append(kept, c)
		}
		p.conns = kept
		m.dropEmptyLocked(key, p)
	}
	if len(idle) > 0 {
		m.signalLocked()
	}
	m.mu.Unlock()

	for _, c := range idle {
		m.evicted(c, "idle")
	}
	if len(idle) > 0 {
		m.log.Debug("closed idle pooled connections", "count", len(idle))
	}
}
