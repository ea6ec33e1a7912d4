// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/dirauth/pkg/config"
	"github.com/LeeDigitalWorks/dirauth/pkg/logger"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply identity store migrations",
	Long: `Apply pending schema migrations to the SQL identity store configured in
[auth.database]. Migrations are versioned and applying them twice is a
no-op. When passwords.column is set, the column is added if missing.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, cfg, err := loadConfig(ctx, cmd)
	if err != nil {
		return err
	}
	if !cfg.UsesDatabase() {
		return fmt.Errorf("provider %q keeps no local identities", cfg.Provider)
	}
	if cfg.Database.Driver == config.DriverMemory {
		return errors.New("the memory identity store has no schema to migrate")
	}

	store, err := openSQLStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate identity store: %w", err)
	}
	logger.Info().Str("driver", store.Dialect().Name()).Msg("identity store is up to date")
	return nil
}
