// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/stacklok/toolhive-gateway/pkg/logger"
)

// ChangeKind identifies what a mutation touched.
type ChangeKind string

const (
	// ChangeBackend is any backend mutation: status, configuration or deletion. ID is the backend id.
	ChangeBackend ChangeKind = "backend"
	// ChangeInstance is a tool instance mutation. ID is the instance id.
	ChangeInstance ChangeKind = "instance"
	// ChangeTools replaces an instance's tool set. ID is the instance id.
	ChangeTools ChangeKind = "tools"
	// ChangeVirtualServer is a virtual server or child list mutation. ID is the virtual server id.
	ChangeVirtualServer ChangeKind = "virtual_server"
)

// Change describes one committed mutation.
type Change struct {
	Kind ChangeKind `json:"kind"`
	ID   string     `json:"id"`
}

// ChangePublisher receives committed mutations.
type ChangePublisher interface {
	Publish(ctx context.Context, change Change) error
}

// NopPublisher discards changes.
type NopPublisher struct{}

// Publish implements ChangePublisher.
func (NopPublisher) Publish(context.Context, Change) error { return nil }

// Announce publishes change and logs failures. Mutations are already
// committed at this point, so a failed announcement does not fail them.
func Announce(ctx context.Context, pub ChangePublisher, change Change) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, change); err != nil {
		logger.Warnw("failed to publish configuration change",
			"kind", change.Kind, "id", change.ID, "error", err)
	}
}
