// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package validation provides functions for validating input data.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/http/httpguts"
)

var validResourceIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// ValidateResourceID validates a backend, instance or virtual server id.
// Ids appear as the first segment of qualified tool names, so they cannot
// contain the "__" separator.
func ValidateResourceID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("id cannot be empty or consist only of whitespace")
	}
	if len(id) > 128 {
		return fmt.Errorf("id exceeds maximum length of 128 bytes: %q", id)
	}
	if !validResourceIDRegex.MatchString(id) {
		return fmt.Errorf("id can only contain alphanumeric characters, underscores, dots and dashes: %q", id)
	}
	if strings.Contains(id, "__") {
		return fmt.Errorf("id cannot contain consecutive underscores: %q", id)
	}
	return nil
}

// ValidateHTTPHeaderName validates that a string is a valid HTTP header name per RFC 7230.
// It checks for CRLF injection, control characters, and ensures RFC token compliance.
func ValidateHTTPHeaderName(name string) error {
	if name == "" {
		return fmt.Errorf("header name cannot be empty")
	}

	// Length limit to prevent DoS
	if len(name) > 256 {
		return fmt.Errorf("header name exceeds maximum length of 256 bytes")
	}

	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid HTTP header name: contains invalid characters")
	}

	return nil
}

// ValidateHTTPHeaderValue validates that a string is a valid HTTP header value per RFC 7230.
func ValidateHTTPHeaderValue(value string) error {
	if value == "" {
		return fmt.Errorf("header value cannot be empty")
	}
	if len(value) > 8192 {
		return fmt.Errorf("header value exceeds maximum length of 8192 bytes")
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid HTTP header value: contains control characters")
	}
	return nil
}

// ValidateURL checks that rawURL is an absolute http(s) URL without a fragment.
// It is used for identity provider, backend and public gateway URLs.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("URL cannot be empty")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL must use http or https: %s", rawURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must include a host: %s", rawURL)
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("URL must not contain fragments (#): %s", rawURL)
	}
	return nil
}
