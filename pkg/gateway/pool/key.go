// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"

	"github.com/stacklok/toolhive-gateway/pkg/gateway"
)

// Key identifies a set of interchangeable connections: one tool instance of a
// backend with one connection configuration. A configuration change yields a
// new key, so stale connections age out instead of being reused.
type Key struct {
	BackendID   string
	InstanceID  string
	Fingerprint string
}

func (k Key) String() string {
	return k.BackendID + "/" + k.InstanceID + "@" + k.Fingerprint
}

// KeyFor returns the pool key for a backend instance. instanceID may be empty
// for backends without instances.
func KeyFor(backend *gateway.BackendDescriptor, instanceID string) Key {
	return Key{
		BackendID:   backend.ID,
		InstanceID:  instanceID,
		Fingerprint: Fingerprint(backend),
	}
}

// Fingerprint hashes the fields that determine how a connection is made.
func Fingerprint(backend *gateway.BackendDescriptor) string {
	h := sha256.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.Write([]byte(p))
			h.Write([]byte{0})
		}
	}

	write(string(backend.Transport), backend.URL, backend.Command, strings.Join(backend.Args, "\x1f"))
	for _, k := range slices.Sorted(maps.Keys(backend.Env)) {
		write(k, backend.Env[k])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
