package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"talentbud/server/internal/config"
	"talentbud/server/internal/logging"
	"talentbud/server/internal/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the interview schema to the configured database",
	Long: `Apply the embedded interview schema to PostgreSQL.

The schema is idempotent, so running it repeatedly is safe.

Examples:
  talentbud migrate --config server/configs/talentbud.yaml
  DATABASE_URL=postgres://localhost/talentbud talentbud migrate`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is empty (set DATABASE_URL)")
	}
	logger := logging.New(cfg.Logging)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info().Msg("schema applied")
	return nil
}
