package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/lectern/pkg/memory/postgres"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := setup(cmd, *configPath)
			if err != nil {
				return err
			}
			defer closeLog()

			if cfg.Memory.PostgresDSN == "" {
				return errors.New("memory.postgres_dsn is empty; nothing to migrate")
			}
			pool, err := postgres.Connect(cmd.Context(), cfg.Memory.PostgresDSN)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := postgres.Migrate(cmd.Context(), pool, cfg.Memory.EmbeddingDimensions); err != nil {
				return err
			}
			slog.Info("schema up to date", "embedding_dimensions", cfg.Memory.EmbeddingDimensions)
			fmt.Fprintln(cmd.OutOrStdout(), "migration complete")
			return nil
		},
	}
}
