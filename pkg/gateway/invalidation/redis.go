// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "toolhive-gateway:changes"

type message struct {
	Origin string             `json:"origin"`
	Kind   storage.ChangeKind `json:"kind"`
	ID     string             `json:"id"`
}

// RedisBus delivers changes locally and publishes them on a Redis channel so
// that other replicas purge their caches too. Changes received from Redis are
// delivered to local subscribers unless this bus published them.
type RedisBus struct {
	local   *LocalBus
	client  redis.UniversalClient
	channel string
	origin  string
	log     *slog.Logger

	pubsub    *redis.PubSub
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus subscribes to channel and starts relaying remote changes. The
// caller owns client.
func NewRedisBus(ctx context.Context, client redis.UniversalClient, channel string) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	ps := client.Subscribe(ctx, channel)
	// Receive the subscription confirmation so no message published after
	// this call returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	b := &RedisBus{
		local:   NewLocalBus(),
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		log:     logger.Component("invalidation"),
		pubsub:  ps,
	}
	b.wg.Add(1)
	go b.listen(ps.Channel())

	b.log.Info("subscribed to configuration changes", "channel", channel)
	return b, nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(h Handler) {
	b.local.Subscribe(h)
}

// Publish implements storage.ChangePublisher. Local subscribers run before
// the change is sent to Redis.
func (b *RedisBus) Publish(ctx context.Context, change storage.Change) error {
	b.local.deliver(ctx, change)

	payload, err := json.Marshal(message{Origin: b.origin, Kind: change.Kind, ID: change.ID})
	if err != nil {
		return fmt.Errorf("failed to encode change: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) listen(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		var m message
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			b.log.Warn("ignoring malformed change message", "channel", msg.Channel, "error", err)
			continue
		}
		if m.Origin == b.origin {
			continue
		}
		b.local.deliver(context.Background(), storage.Change{Kind: m.Kind, ID: m.ID})
	}
}

// Close unsubscribes and waits for the relay to stop. It does not close the
// Redis client.
func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.pubsub.Close()
		b.wg.Wait()
	})
	return b.closeErr
}
