// Package cmd provides the recall CLI commands.
//
// Commands:
//   - serve: HTTP API server with the ingest, learning, and federation loops
//   - query: one-shot retrieval against the knowledge store
//   - sync: immediate federation sync with all configured peers
//   - migrate: apply database migrations and exit
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/log"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Recall - hybrid knowledge retrieval and self-learning engine",
	Long: `Recall captures what coding sessions do, distills it into durable
knowledge, and serves it back through hybrid vector and graph retrieval.

Run 'recall serve' to start the engine.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.recall/config.yaml)")
}

// loadConfig reads configuration and builds the logger every command shares.
func loadConfig() (*config.Config, log.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := log.New(log.Config{
		Level: log.ParseLevel(cfg.Log.Level),
		JSON:  cfg.Log.JSON,
	})
	return cfg, logger, nil
}
