// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package invalidation carries committed configuration changes from the store
// to the caches that depend on them.
//
// Local subscribers run synchronously inside Publish, so a cache is purged
// before the mutating call returns. The Redis bus additionally fans changes
// out to every other replica over pub/sub.
package invalidation

import (
	"context"
	"sync"

	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// Handler reacts to a committed change.
type Handler func(ctx context.Context, change storage.Change)

// Bus distributes changes to subscribers.
type Bus interface {
	storage.ChangePublisher
	// Subscribe registers h for every later change.
	Subscribe(h Handler)
	Close() error
}

// LocalBus delivers changes within the process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

var _ Bus = (*LocalBus)(nil)

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Publish implements storage.ChangePublisher. It returns after every handler ran.
func (b *LocalBus) Publish(ctx context.Context, change storage.Change) error {
	b.deliver(ctx, change)
	return nil
}

func (b *LocalBus) deliver(ctx context.Context, change storage.Change) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	logger.Debugw("delivering configuration change", "kind", change.Kind, "id", change.ID, "subscribers", len(handlers))
	for _, h := range handlers {
		h(ctx, change)
	}
}

// Close implements Bus.
func (*LocalBus) Close() error { return nil }
