package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sumire/agenthub/internal/repository"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the job tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := connectDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repository.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}
