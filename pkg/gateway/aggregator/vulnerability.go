// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package aggregator

import (
	"context"
	"slices"
	"sync"
)

// VulnerabilitySignal reports whether an external scanner flagged a backend.
type VulnerabilitySignal interface {
	Flagged(ctx context.Context, backendID string) (bool, error)
}

// NotConfigured is the VulnerabilitySignal used when no scanner is wired in.
// It never flags anything.
type NotConfigured struct{}

// Flagged implements VulnerabilitySignal.
func (NotConfigured) Flagged(context.Context, string) (bool, error) { return false, nil }

// StaticSignal flags a fixed set of backends. The set can be replaced at
// runtime, for example from configuration reloads.
type StaticSignal struct {
	mu      sync.RWMutex
	flagged []string
}

// NewStaticSignal returns a signal flagging the given backend ids.
func NewStaticSignal(backendIDs ...string) *StaticSignal {
	return &StaticSignal{flagged: slices.Clone(backendIDs)}
}

// Set replaces the flagged backend ids.
func (s *StaticSignal) Set(backendIDs ...string) {
	s.mu.Lock()
	s.flagged = slices.Clone(backendIDs)
	s.mu.Unlock()
}

// Flagged implements VulnerabilitySignal.
func (s *StaticSignal) Flagged(_ context.Context, backendID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.flagged, backendID), nil
}
