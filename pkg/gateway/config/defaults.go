// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/invalidation"
)

const (
	defaultPort               = 8080
	defaultRequestTimeout     = 90 * time.Second
	defaultCallTimeout        = 60 * time.Second
	defaultLeeway             = 30 * time.Second
	defaultMaxPerBackend      = 3
	defaultMaxTotal           = 30
	defaultIdleTimeout        = 3 * time.Minute
	defaultSweepInterval      = time.Minute
	defaultHealthCheckTimeout = 5 * time.Second
	defaultCatalogCacheSize   = 1024
	defaultSamplingRate       = 0.05
)

// DefaultConfig returns a configuration with every default filled in. Files
// are decoded on top of it, so absent keys keep these values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           defaultPort,
			RequestTimeout: Duration(defaultRequestTimeout),
			CallTimeout:    Duration(defaultCallTimeout),
		},
		OIDC: OIDCConfig{
			Scopes: []string{"openid", "email"},
			Leeway: Duration(defaultLeeway),
		},
		Storage: StorageConfig{Driver: StorageMemory},
		Pool: PoolConfig{
			MaxPerBackend:      defaultMaxPerBackend,
			MaxTotal:           defaultMaxTotal,
			IdleTimeout:        Duration(defaultIdleTimeout),
			SweepInterval:      Duration(defaultSweepInterval),
			HealthCheckTimeout: Duration(defaultHealthCheckTimeout),
		},
		Catalog: CatalogConfig{
			CacheSize:       defaultCatalogCacheSize,
			VerifyFreshness: true,
		},
		Invalidation: InvalidationConfig{
			Driver: InvalidationLocal,
			Redis:  RedisConfig{Channel: invalidation.DefaultChannel},
		},
		PlatformIdentity: PlatformIdentityConfig{Provider: PlatformIdentityNone},
		APIKeys: APIKeyConfig{
			Header:     auth.DefaultAPIKeySource.Header,
			QueryParam: auth.DefaultAPIKeySource.QueryParam,
		},
		Telemetry: TelemetryConfig{
			ServiceName:       "toolhive-gateway",
			SamplingRate:      defaultSamplingRate,
			PrometheusMetrics: true,
		},
	}
}
