// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model of the gateway.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("90s", "3m").
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Invalidation drivers.
const (
	InvalidationLocal = "local"
	InvalidationRedis = "redis"
)

// Platform identity providers.
const (
	PlatformIdentityNone   = "none"
	PlatformIdentityGoogle = "google"
)

// Config is the complete gateway configuration.
type Config struct {
	Server           ServerConfig           `json:"server" yaml:"server"`
	OIDC             OIDCConfig             `json:"oidc" yaml:"oidc"`
	Storage          StorageConfig          `json:"storage" yaml:"storage"`
	Pool             PoolConfig             `json:"pool" yaml:"pool"`
	Catalog          CatalogConfig          `json:"catalog" yaml:"catalog"`
	Invalidation     InvalidationConfig     `json:"invalidation" yaml:"invalidation"`
	PlatformIdentity PlatformIdentityConfig `json:"platformIdentity" yaml:"platformIdentity"`
	APIKeys          APIKeyConfig           `json:"apiKeys" yaml:"apiKeys"`
	Telemetry        TelemetryConfig        `json:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// PublicURL is the externally visible base URL. When empty it is derived
	// from each request.
	PublicURL      string   `json:"publicURL,omitempty" yaml:"publicURL,omitempty"`
	RequestTimeout Duration `json:"requestTimeout" yaml:"requestTimeout"`
	// CallTimeout bounds each backend call.
	CallTimeout Duration `json:"callTimeout" yaml:"callTimeout"`
	// Instructions are returned to MCP clients on initialize.
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// OIDCConfig configures inbound bearer token verification.
type OIDCConfig struct {
	Issuer            string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	Audience          string   `json:"audience,omitempty" yaml:"audience,omitempty"`
	JWKSURL           string   `json:"jwksURL,omitempty" yaml:"jwksURL,omitempty"`
	Scopes            []string `json:"scopes,omitempty" yaml:"scopes,omitempty"`
	AllowedAlgorithms []string `json:"allowedAlgorithms,omitempty" yaml:"allowedAlgorithms,omitempty"`
	Leeway            Duration `json:"leeway" yaml:"leeway"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// PoolConfig sizes the backend connection pool.
type PoolConfig struct {
	MaxPerBackend      int      `json:"maxPerBackend" yaml:"maxPerBackend"`
	MaxTotal           int      `json:"maxTotal" yaml:"maxTotal"`
	IdleTimeout        Duration `json:"idleTimeout" yaml:"idleTimeout"`
	SweepInterval      Duration `json:"sweepInterval" yaml:"sweepInterval"`
	HealthCheckTimeout Duration `json:"healthCheckTimeout" yaml:"healthCheckTimeout"`
	MaxCallsPerConn    int      `json:"maxCallsPerConn" yaml:"maxCallsPerConn"`
}

// CatalogConfig configures the virtual server catalog cache.
type CatalogConfig struct {
	CacheSize       int  `json:"cacheSize" yaml:"cacheSize"`
	VerifyFreshness bool `json:"verifyFreshness" yaml:"verifyFreshness"`
	// VulnerableBackends are flagged as vulnerable and fail any virtual
	// server that contains them.
	VulnerableBackends []string `json:"vulnerableBackends,omitempty" yaml:"vulnerableBackends,omitempty"`
}

// InvalidationConfig selects how store changes reach the catalog cache.
type InvalidationConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig addresses the Redis used for cross-replica invalidation.
type RedisConfig struct {
	Addr     string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db" yaml:"db"`
	Channel  string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// PlatformIdentityConfig selects the source of platform identity tokens.
type PlatformIdentityConfig struct {
	Provider        string `json:"provider" yaml:"provider"`
	CredentialsFile string `json:"credentialsFile,omitempty" yaml:"credentialsFile,omitempty"`
}

// APIKeyConfig says where inbound API keys are read from.
type APIKeyConfig struct {
	Header     string `json:"header" yaml:"header"`
	QueryParam string `json:"queryParam" yaml:"queryParam"`
}

// TelemetryConfig configures tracing and metrics.
type TelemetryConfig struct {
	Endpoint          string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName       string  `json:"serviceName" yaml:"serviceName"`
	TracingEnabled    bool    `json:"tracingEnabled" yaml:"tracingEnabled"`
	SamplingRate      float64 `json:"samplingRate" yaml:"samplingRate"`
	Insecure          bool    `json:"insecure" yaml:"insecure"`
	PrometheusMetrics bool    `json:"prometheusMetrics" yaml:"prometheusMetrics"`
}
