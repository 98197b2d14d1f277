// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package invalidation

import (
	"context"

	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
)

// Invalidator drops cached catalogs.
type Invalidator interface {
	Invalidate(virtualServerID string)
	Purge()
}

// Purger maps changes to the virtual server catalogs they affect.
type Purger struct {
	target   Invalidator
	backends storage.BackendStore
	virtuals storage.VirtualServerStore
}

// NewPurger creates a Purger. Register it with Bus.Subscribe(p.Handle).
func NewPurger(target Invalidator, backends storage.BackendStore, virtuals storage.VirtualServerStore) *Purger {
	return &Purger{target: target, backends: backends, virtuals: virtuals}
}

// Handle invalidates every catalog the change can affect. When the affected
// set cannot be determined every catalog is dropped.
func (p *Purger) Handle(ctx context.Context, change storage.Change) {
	switch change.Kind {
	case storage.ChangeVirtualServer:
		p.target.Invalidate(change.ID)
	case storage.ChangeBackend:
		p.purgeContaining(ctx, change.ID)
	case storage.ChangeInstance, storage.ChangeTools:
		inst, err := p.backends.GetInstance(ctx, change.ID)
		if err != nil {
			logger.Warnw("cannot map tool instance change to virtual servers, purging all catalogs",
				"instance", change.ID, "error", err)
			p.target.Purge()
			return
		}
		p.purgeContaining(ctx, inst.BackendID)
	default:
		logger.Warnw("unknown change kind, purging all catalogs", "kind", change.Kind, "id", change.ID)
		p.target.Purge()
	}
}

func (p *Purger) purgeContaining(ctx context.Context, backendID string) {
	ids, err := p.virtuals.VirtualServersContaining(ctx, backendID)
	if err != nil {
		logger.Warnw("cannot map backend change to virtual servers, purging all catalogs",
			"backend", backendID, "error", err)
		p.target.Purge()
		return
	}
	for _, id := range ids {
		p.target.Invalidate(id)
	}
}
