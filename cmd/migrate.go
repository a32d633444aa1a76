package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recallhq/recall/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if err := db.Migrate(cfg.Storage.URL(), logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
