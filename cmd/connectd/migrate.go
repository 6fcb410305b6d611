package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lecca-io/connectd/internal/config"
	"github.com/lecca-io/connectd/internal/store/postgres"
	"github.com/lecca-io/connectd/internal/store/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:         "migrate",
	Short:       "Run credential store migrations",
	Args:        cobra.NoArgs,
	Annotations: structuredLog(),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithoutKey()
		if err != nil {
			return err
		}

		switch cfg.StoreBackend {
		case config.StorePostgres:
			changed, err := postgres.Migrate(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			if !changed {
				slog.Info("no changes to apply")
				return nil
			}
		case config.StoreSQLite:
			db, err := sqlite.Open(cfg.SQLitePath)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := sqlite.Migrate(db); err != nil {
				return err
			}
		default:
			slog.Info("store backend has no migrations", "store", cfg.StoreBackend)
			return nil
		}

		slog.Info("migrations applied successfully", "store", cfg.StoreBackend)
		return nil
	},
}
