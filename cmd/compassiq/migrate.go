package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, closeLogger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer closeLogger()

			db, err := sqlx.ConnectContext(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseDSN())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			return newMigrationService(cfg, logger).MigratePostgres(cfg.DatabaseName, db.DB)
		},
	}
}
