// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides a bounded, explicitly invalidated cache with
// coalesced loading and freshness stamps.
//
// Entries never expire by time. A positive entry is served while its stamp
// matches the stamp reported by the configured freshness function; a negative
// entry records that a key is known to be absent and is served until the key
// is invalidated.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// ErrAbsent is returned by a LoadFunc when the key does not exist. The cache
// stores a negative entry and returns the loader's error on later reads.
var ErrAbsent = errors.New("absent")

// LoadFunc computes the value for a key along with its freshness stamp.
type LoadFunc[V any] func(ctx context.Context) (V, time.Time, error)

// FreshnessFunc returns the current stamp for key.
type FreshnessFunc func(ctx context.Context, key string) (time.Time, error)

type entry[V any] struct {
	value V
	stamp time.Time
	// err is set for negative entries.
	err error
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Negatives int64 `json:"negative_hits"`
	Stale     int64 `json:"stale"`
	Entries   int   `json:"entries"`
}

// Cache is a generic cache keyed by string. It is safe for concurrent use.
type Cache[V any] struct {
	name      string
	entries   *lru.Cache[string, entry[V]]
	flights   singleflight.Group
	freshness FreshnessFunc

	// generations guards against storing a load that raced with Invalidate.
	mu          sync.Mutex
	generations map[string]uint64
	epoch       uint64

	hits, misses, negatives, stale atomic.Int64
	requests                       metric.Int64Counter
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	freshness FreshnessFunc
	meter     metric.Meter
}

// WithFreshness makes positive entries valid only while fn reports the same stamp.
func WithFreshness(fn FreshnessFunc) Option {
	return func(o *options) { o.freshness = fn }
}

// WithMeter records hit and miss counts on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// New creates a cache holding at most size entries, evicting the least
// recently used entry when full.
func New[V any](name string, size int, opts ...Option) (*Cache[V], error) {
	o := &options{meter: otel.Meter("github.com/stacklok/toolhive-gateway/pkg/gateway/cache")}
	for _, opt := range opts {
		opt(o)
	}

	entries, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cache: %w", name, err)
	}

	requests, err := o.meter.Int64Counter(
		"toolhive_gateway_cache_requests",
		metric.WithDescription("Cache lookups by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache counter: %w", err)
	}

	return &Cache[V]{
		name:        name,
		entries:     entries,
		freshness:   o.freshness,
		generations: make(map[string]uint64),
		requests:    requests,
	}, nil
}

// Get returns the cached value for key, calling load on a miss. Concurrent
// misses for the same key share a single load. A load that fails with
// anything other than ErrAbsent is not cached.
func (c *Cache[V]) Get(ctx context.Context, key string, load LoadFunc[V]) (V, error) {
	if v, ok, err := c.lookup(ctx, key); ok {
		return v, err
	}
	c.record(ctx, "miss")
	c.misses.Add(1)

	// The generation is part of the flight key so a Get after Invalidate or
	// Purge never joins a load that started before it.
	gen := c.generation(key)
	ch := c.flights.DoChan(strconv.FormatUint(gen, 10)+"/"+key, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		v, stamp, err := load(context.WithoutCancel(ctx))
		switch {
		case err == nil:
			c.store(key, gen, entry[V]{value: v, stamp: stamp})
		case errors.Is(err, ErrAbsent):
			c.store(key, gen, entry[V]{err: err})
		}
		return v, err
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *Cache[V]) lookup(ctx context.Context, key string) (V, bool, error) {
	var zero V
	e, ok := c.entries.Get(key)
	if !ok {
		return zero, false, nil
	}
	if e.err != nil {
		c.record(ctx, "negative")
		c.negatives.Add(1)
		return zero, true, e.err
	}
	if c.freshness != nil {
		current, err := c.freshness(ctx, key)
		if err != nil || !current.Equal(e.stamp) {
			if err != nil {
				logger.Warnw("cache freshness check failed, reloading", "cache", c.name, "key", key, "error", err)
			}
			c.stale.Add(1)
			c.entries.Remove(key)
			return zero, false, nil
		}
	}
	c.record(ctx, "hit")
	c.hits.Add(1)
	return e.value, true, nil
}

func (c *Cache[V]) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch + c.generations[key]
}

func (c *Cache[V]) store(key string, gen uint64, e entry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.generations[key] != gen {
		// invalidated while loading
		return
	}
	c.entries.Add(key, e)
}

// Invalidate removes key so the next Get reloads it. An in-flight load for
// key will not be stored.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[key]++
	c.entries.Remove(key)
}

// Purge removes every entry. In-flight loads will not be stored.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	c.epoch++
	c.entries.Purge()
	c.mu.Unlock()
}

// peek returns the cached positive value for key without loading.
func (c *Cache[V]) peek(key string) (V, bool) {
	e, ok := c.entries.Peek(key)
	if !ok || e.err != nil {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Stats returns usage counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Negatives: c.negatives.Load(),
		Stale:     c.stale.Load(),
		Entries:   c.entries.Len(),
	}
}

func (c *Cache[V]) record(ctx context.Context, result string) {
	c.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache", c.name),
		attribute.String("result", result),
	))
}
