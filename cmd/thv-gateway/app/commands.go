// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the thv-gateway command-line application.
package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-gateway/pkg/gateway/config"
	"github.com/stacklok/toolhive-gateway/pkg/logger"
	"github.com/stacklok/toolhive-gateway/pkg/versions"
)

const envPrefix = "THV_GATEWAY"

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-gateway",
		DisableAutoGenTag: true,
		Short:             "ToolHive gateway - authenticated MCP access to backends and virtual servers",
		Long: `thv-gateway fronts a fleet of MCP servers. It authenticates callers with
OIDC bearer tokens or API keys, checks organization membership, injects
per-backend credentials and merges the tools of several backends into
virtual servers.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize(viper.GetBool("debug"))
		},
		SilenceUsage: true,
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	for _, name := range []string{"debug", "config"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			logger.Errorf("Error binding %s flag: %v", name, err)
		}
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newSeedCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("thv-gateway %s (commit %s, built %s)\n", versions.Version, versions.Commit, versions.BuildDate)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Load the configuration file given with --config, apply defaults and
environment overrides and report every problem found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cmd.Printf("Configuration %s is valid\n", path)
			cmd.Printf("  Listen:       %s:%d\n", cfg.Server.Host, cfg.Server.Port)
			cmd.Printf("  Storage:      %s\n", cfg.Storage.Driver)
			cmd.Printf("  Invalidation: %s\n", cfg.Invalidation.Driver)
			if cfg.OIDC.Issuer == "" {
				cmd.Printf("  OIDC:         not configured, bearer tokens will be rejected\n")
			} else {
				cmd.Printf("  OIDC:         %s\n", cfg.OIDC.Issuer)
			}
			return nil
		},
	}
}

// loadConfig reads the configuration file, applies environment and flag
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, err
	}

	var overrides config.Config
	overrides.Server.Host = viper.GetString("host")
	overrides.Server.Port = viper.GetInt("port")
	overrides.Server.PublicURL = viper.GetString("public-url")
	overrides.OIDC.Issuer = viper.GetString("oidc-issuer")
	overrides.OIDC.Audience = viper.GetString("oidc-audience")
	overrides.Storage.Driver = viper.GetString("storage-driver")
	overrides.Storage.DSN = viper.GetString("storage-dsn")
	overrides.Invalidation.Redis.Addr = viper.GetString("redis-addr")
	overrides.Invalidation.Redis.Password = viper.GetString("redis-password")
	if err := config.ApplyOverrides(cfg, overrides); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
