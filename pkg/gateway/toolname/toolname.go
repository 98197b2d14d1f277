// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package toolname formats and parses the qualified tool names used by
// virtual servers: backendID__instanceName__toolName.
package toolname

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins the three segments of a qualified name.
const Separator = "__"

// ErrMalformedName is returned by Parse for names that do not have three
// non-empty segments.
var ErrMalformedName = errors.New("malformed qualified tool name")

// Name is a parsed qualified tool name.
type Name struct {
	BackendID string
	Instance  string
	Tool      string
}

// String formats n as a qualified name.
func (n Name) String() string {
	return Format(n.BackendID, n.Instance, n.Tool)
}

// Format builds a qualified name.
func Format(backendID, instance, tool string) string {
	return backendID + Separator + instance + Separator + tool
}

// Parse splits a qualified name. Backend ids and instance names never contain
// the separator, so everything after the second separator is the tool name.
func Parse(qualified string) (Name, error) {
	backendID, rest, ok := strings.Cut(qualified, Separator)
	if !ok {
		return Name{}, fmt.Errorf("%w: %q", ErrMalformedName, qualified)
	}
	instance, tool, ok := strings.Cut(rest, Separator)
	if !ok || backendID == "" || instance == "" || tool == "" {
		return Name{}, fmt.Errorf("%w: %q", ErrMalformedName, qualified)
	}
	return Name{BackendID: backendID, Instance: instance, Tool: tool}, nil
}

// NormalizeInstanceName turns a display name into a name segment: characters
// outside [A-Za-z0-9-] become underscores, runs of underscores collapse to one
// and leading or trailing underscores are trimmed.
func NormalizeInstanceName(display string) string {
	var b strings.Builder
	b.Grow(len(display))
	lastUnderscore := false
	for _, r := range display {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
