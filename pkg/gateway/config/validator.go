// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/toolhive-gateway/pkg/validation"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.PublicURL != "" {
		if err := validation.ValidateURL(c.Server.PublicURL); err != nil {
			add("server.publicURL: %v", err)
		}
	}
	if c.Server.RequestTimeout <= 0 {
		add("server.requestTimeout must be positive")
	}
	if c.Server.CallTimeout <= 0 {
		add("server.callTimeout must be positive")
	}

	if c.OIDC.Issuer != "" {
		if err := validation.ValidateURL(c.OIDC.Issuer); err != nil {
			add("oidc.issuer: %v", err)
		}
	}
	if c.OIDC.JWKSURL != "" {
		if err := validation.ValidateURL(c.OIDC.JWKSURL); err != nil {
			add("oidc.jwksURL: %v", err)
		}
	}
	if c.OIDC.Leeway < 0 {
		add("oidc.leeway must not be negative")
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the sqlite driver")
		}
	default:
		add("storage.driver must be %q or %q, got %q", StorageMemory, StorageSQLite, c.Storage.Driver)
	}

	if c.Pool.MaxPerBackend < 1 {
		add("pool.maxPerBackend must be at least 1")
	}
	if c.Pool.MaxTotal < c.Pool.MaxPerBackend {
		add("pool.maxTotal (%d) must be at least pool.maxPerBackend (%d)", c.Pool.MaxTotal, c.Pool.MaxPerBackend)
	}
	if c.Pool.IdleTimeout <= 0 || c.Pool.SweepInterval <= 0 || c.Pool.HealthCheckTimeout <= 0 {
		add("pool timeouts and intervals must be positive")
	}
	if c.Pool.MaxCallsPerConn < 0 {
		add("pool.maxCallsPerConn must not be negative")
	}

	if c.Catalog.CacheSize < 1 {
		add("catalog.cacheSize must be at least 1")
	}
	for _, id := range c.Catalog.VulnerableBackends {
		if err := validation.ValidateResourceID(id); err != nil {
			add("catalog.vulnerableBackends: %v", err)
		}
	}

	switch c.Invalidation.Driver {
	case InvalidationLocal:
	case InvalidationRedis:
		if c.Invalidation.Redis.Addr == "" {
			add("invalidation.redis.addr is required for the redis driver")
		}
	default:
		add("invalidation.driver must be %q or %q, got %q", InvalidationLocal, InvalidationRedis, c.Invalidation.Driver)
	}

	switch c.PlatformIdentity.Provider {
	case PlatformIdentityNone, PlatformIdentityGoogle:
	default:
		add("platformIdentity.provider must be %q or %q, got %q",
			PlatformIdentityNone, PlatformIdentityGoogle, c.PlatformIdentity.Provider)
	}

	if c.APIKeys.Header == "" && c.APIKeys.QueryParam == "" {
		add("apiKeys needs a header or a query parameter")
	}
	if c.APIKeys.Header != "" {
		if err := validation.ValidateHTTPHeaderName(c.APIKeys.Header); err != nil {
			add("apiKeys.header: %v", err)
		}
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		add("telemetry.samplingRate must be between 0 and 1")
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.Endpoint == "" {
		add("telemetry.endpoint is required when tracing is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}
