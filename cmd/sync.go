package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/recallhq/recall/internal/app"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync knowledge with all configured federation peers now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	if !a.FederationEnabled() {
		return fmt.Errorf("federation is not configured (set federation.project_id and peers)")
	}

	if err := a.Syncer.SyncNow(ctx); err != nil {
		return fmt.Errorf("syncing: %w", err)
	}

	for _, peer := range a.Syncer.Status() {
		line := fmt.Sprintf("%s: %s", peer.Name, peer.State)
		if peer.LastError != "" {
			line += " (" + peer.LastError + ")"
		}
		fmt.Println(line)
	}
	return nil
}
