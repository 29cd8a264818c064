package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/minirag/minirag/db"
	"github.com/minirag/minirag/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		logger := newLogger()

		if err := db.Migrate(cfg.PostgresURL()); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied", "database", cfg.PostgresDBName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
