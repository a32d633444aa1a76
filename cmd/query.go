package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/recallhq/recall/internal/app"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
)

var (
	queryK       int
	queryKinds   []string
	queryContext []string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a one-shot retrieval against the knowledge store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(strings.Join(args, " "))
	},
}

func init() {
	queryCmd.Flags().IntVarP(&queryK, "top", "k", 0, "number of results (default from config)")
	queryCmd.Flags().StringSliceVar(&queryKinds, "kind", nil, "restrict to entry kinds")
	queryCmd.Flags().StringSliceVar(&queryContext, "context", nil, "context hints, key=value")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(text string) error {
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

	q := retrieval.Query{Text: text, K: queryK}
	for _, k := range queryKinds {
		q.Kinds = append(q.Kinds, knowledge.Kind(k))
	}
	if len(queryContext) > 0 {
		q.Context = make(map[string]string, len(queryContext))
		for _, kv := range queryContext {
			key, value, _ := strings.Cut(kv, "=")
			q.Context[key] = value
		}
	}

	result, err := a.Engine.Retrieve(ctx, q)
	if err != nil {
		return fmt.Errorf("retrieving: %w", err)
	}

	if result.Degraded {
		fmt.Println("(degraded: vector search unavailable, graph evidence only)")
	}
	if len(result.Items) == 0 {
		fmt.Println("no results")
		return nil
	}
	for i, item := range result.Items {
		fmt.Printf("%2d. [%.3f] %s (%s, confidence %.2f)\n",
			i+1, item.Score, item.Entry.Summary, item.Entry.Kind, item.Entry.Confidence)
		fmt.Printf("    id=%s similarity=%.3f uses=%d\n",
			item.Entry.ID, item.Similarity, item.Entry.UsageCount)
	}
	return nil
}
