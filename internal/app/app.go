// Package app wires recall's components into a running application.
//
// Setup builds everything in dependency order through provide* functions and
// returns an App with embedded cleanup. Components that run background work
// (pipeline, maintenance, learning runner, syncer) are constructed but not
// started; the serve command owns their goroutines.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/federation"
	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/learning"
	"github.com/recallhq/recall/internal/log"
	"github.com/recallhq/recall/internal/retrieval"
	"github.com/recallhq/recall/internal/session"
)

// App is the application container. Fields are nil only where the
// corresponding feature is disabled by configuration (federation).
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool        *pgxpool.Pool
	Knowledge   *knowledge.Store
	Embedder    *embedding.Service
	Engine      *retrieval.Engine
	Pipeline    *ingest.Pipeline
	Sessions    *session.Store
	Hooks       *session.Hooks
	Loop        *learning.Loop
	Maintenance *learning.Maintenance
	Learner     *learning.Runner

	// Federation, nil when no project ID is configured.
	Receiver *federation.Receiver
	Syncer   *federation.Syncer

	traceShutdown func(context.Context) error
}

// FederationEnabled reports whether this instance participates in knowledge
// sharing.
func (a *App) FederationEnabled() bool {
	return a.Receiver != nil
}

// Close releases all resources. Safe to call on a partially built App; Setup
// uses it for cleanup on failure.
func (a *App) Close() error {
	if a.Pipeline != nil {
		a.Pipeline.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.traceShutdown(ctx); err != nil {
			return fmt.Errorf("shutting down tracer: %w", err)
		}
	}
	return nil
}
