// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-gateway/pkg/auth"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/aggregator"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/authz"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/config"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/credentials"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/dispatcher"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/invalidation"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/pool"
	"github.com/stacklok/toolhive-gateway/pkg/gateway/server"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/storage"
	"github.com/stacklok/toolhive-gateway/pkg/storage/fixtures"
	"github.com/stacklok/toolhive-gateway/pkg/storage/memory"
	"github.com/stacklok/toolhive-gateway/pkg/storage/sqlite"
	"github.com/stacklok/toolhive-gateway/pkg/telemetry"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Long: `Start the gateway and serve MCP traffic on /mcp/{backendId} and
/mcp/unified/{virtualServerId} until interrupted.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Host address to bind to (overrides config)")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides config)")
	cmd.Flags().String("public-url", "", "Externally visible base URL used in discovery documents")
	cmd.Flags().String("oidc-issuer", "", "OIDC issuer URL (overrides config)")
	cmd.Flags().String("oidc-audience", "", "Expected token audience (overrides config)")
	cmd.Flags().String("storage-driver", "", "Storage driver: memory or sqlite (overrides config)")
	cmd.Flags().String("storage-dsn", "", "Storage data source name (overrides config)")
	cmd.Flags().String("redis-addr", "", "Redis address for cache invalidation (overrides config)")
	cmd.Flags().String("redis-password", "", "Redis password (overrides config)")
	cmd.Flags().String("fixtures", "", "Seed the store from this fixture file before serving")
	bindFlags(cmd, "host", "port", "public-url", "oidc-issuer", "oidc-audience",
		"storage-driver", "storage-dsn", "redis-addr", "redis-password", "fixtures")

	return cmd
}

func bindFlags(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		if err := viper.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:          cfg.Telemetry.Endpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		TracingEnabled:    cfg.Telemetry.TracingEnabled,
		SamplingRate:      cfg.Telemetry.SamplingRate,
		Insecure:          cfg.Telemetry.Insecure,
		PrometheusMetrics: cfg.Telemetry.PrometheusMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}
	defer shutdownTelemetry(providers)

	bus, err := newBus(ctx, cfg.Invalidation)
	if err != nil {
		return err
	}
	defer closeQuietly("invalidation bus", bus.Close)

	store, err := openStore(ctx, cfg.Storage, bus)
	if err != nil {
		return err
	}
	defer closeQuietly("store", store.Close)

	if path := viper.GetString("fixtures"); path != "" {
		if err := seed(ctx, path, store); err != nil {
			return err
		}
	}

	var signal aggregator.VulnerabilitySignal = aggregator.NotConfigured{}
	if len(cfg.Catalog.VulnerableBackends) > 0 {
		signal = aggregator.NewStaticSignal(cfg.Catalog.VulnerableBackends...)
	}
	agg, err := aggregator.New(store, store,
		aggregator.WithCacheSize(cfg.Catalog.CacheSize),
		aggregator.WithFreshnessCheck(cfg.Catalog.VerifyFreshness),
		aggregator.WithVulnerabilitySignal(signal),
	)
	if err != nil {
		return fmt.Errorf("failed to create aggregator: %w", err)
	}
	bus.Subscribe(invalidation.NewPurger(agg, store, store).Handle)

	connections, err := pool.New(pool.Config{
		MaxPerBackend:      cfg.Pool.MaxPerBackend,
		MaxTotal:           cfg.Pool.MaxTotal,
		IdleTimeout:        time.Duration(cfg.Pool.IdleTimeout),
		SweepInterval:      time.Duration(cfg.Pool.SweepInterval),
		HealthCheckTimeout: time.Duration(cfg.Pool.HealthCheckTimeout),
		MaxCallsPerConn:    cfg.Pool.MaxCallsPerConn,
	}, &pool.MCPDialer{RequestTimeout: time.Duration(cfg.Server.CallTimeout)})
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer closeQuietly("connection pool", connections.Close)

	var identity credentials.IdentityTokenSource = credentials.NotConfigured{}
	if cfg.PlatformIdentity.Provider == config.PlatformIdentityGoogle {
		identity = credentials.NewGoogleIdentity(ctx, cfg.PlatformIdentity.CredentialsFile)
	}
	injector, err := credentials.NewDefaultInjector(credentials.NewDelegatedTokens(store), identity)
	if err != nil {
		return fmt.Errorf("failed to create credential injector: %w", err)
	}

	disp, err := dispatcher.New(dispatcher.Config{
		CallTimeout:  time.Duration(cfg.Server.CallTimeout),
		Instructions: cfg.Server.Instructions,
	}, store, agg, connections, injector)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	verifier := auth.NewVerifier(auth.Config{
		Issuer:            cfg.OIDC.Issuer,
		Audience:          cfg.OIDC.Audience,
		JWKSURL:           cfg.OIDC.JWKSURL,
		AllowedAlgorithms: cfg.OIDC.AllowedAlgorithms,
		Leeway:            time.Duration(cfg.OIDC.Leeway),
	})

	srv, err := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		PublicURL:      cfg.Server.PublicURL,
		Scopes:         cfg.OIDC.Scopes,
		APIKeys:        auth.APIKeySource{Header: cfg.APIKeys.Header, QueryParam: cfg.APIKeys.QueryParam},
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout),
	}, server.Deps{
		Verifier:   verifier,
		Resolver:   authz.NewResolver(store, store, store),
		Dispatcher: disp,
		Catalogs:   agg,
		Backends:   store,
		Pool:       connections,
		Metrics:    providers.MetricsHandler(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Infow("starting gateway",
		"address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"storage", cfg.Storage.Driver,
		"invalidation", cfg.Invalidation.Driver,
		"oidc_configured", cfg.OIDC.Issuer != "")
	return srv.Serve(ctx)
}

func newBus(ctx context.Context, cfg config.InvalidationConfig) (invalidation.Bus, error) {
	if cfg.Driver != config.InvalidationRedis {
		return invalidation.NewLocalBus(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	bus, err := invalidation.NewRedisBus(ctx, client, cfg.Redis.Channel)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect invalidation bus: %w", err)
	}
	return bus, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, pub storage.ChangePublisher) (storage.Store, error) {
	switch cfg.Driver {
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN, sqlite.WithPublisher(pub))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	default:
		return memory.New(memory.WithPublisher(pub)), nil
	}
}

func seed(ctx context.Context, path string, store fixtures.Target) error {
	f, err := fixtures.Load(path)
	if err != nil {
		return err
	}
	if err := f.Apply(ctx, store); err != nil {
		return fmt.Errorf("failed to apply fixtures from %s: %w", path, err)
	}
	logger.Infow("seeded store", "file", path,
		"backends", len(f.Backends), "virtual_servers", len(f.VirtualServers))
	return nil
}

func closeQuietly(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warnf("failed to close %s: %v", what, err)
	}
}

func shutdownTelemetry(p *telemetry.Providers) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Warnf("failed to shut down telemetry: %v", err)
	}
}
