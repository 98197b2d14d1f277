// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-gateway/pkg/gateway/config"
)

func newSeedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load organizations, users, backends and virtual servers from a fixture file",
		Long: `Apply a YAML fixture file to the configured store. Only the sqlite driver
keeps data beyond this command; with the memory driver use "serve --fixtures".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return fmt.Errorf("no fixture file specified, use --file flag")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Driver != config.StorageSQLite {
				return fmt.Errorf("seed requires the %q storage driver, configured driver is %q",
					config.StorageSQLite, cfg.Storage.Driver)
			}

			ctx := cmd.Context()
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

			if err := seed(ctx, file, store); err != nil {
				return err
			}
			cmd.Printf("Applied fixtures from %s\n", file)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Path to the fixture file")
	return cmd
}
