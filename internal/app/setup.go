package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallhq/recall/db"
	"github.com/recallhq/recall/internal/cache"
	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/database"
	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/federation"
	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/learning"
	"github.com/recallhq/recall/internal/log"
	"github.com/recallhq/recall/internal/observability"
	"github.com/recallhq/recall/internal/retrieval"
	"github.com/recallhq/recall/internal/security"
	"github.com/recallhq/recall/internal/session"
)

// Setup creates and initializes the application. On failure everything
// already initialized is released before the error is returned.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Tracing.OTLPEndpoint,
		Environment: cfg.Tracing.Environment,
	}, logger)
	if err != nil {
		return nil, err
	}
	a.traceShutdown = shutdown

	pool, err := providePool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	a.Knowledge, err = knowledge.NewStore(pool, cfg.Embedding.Dimension, logger)
	if err != nil {
		return nil, err
	}

	a.Embedder, err = provideEmbedding(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a.Engine, err = retrieval.New(a.Knowledge, a.Embedder, cfg.Retrieval, logger)
	if err != nil {
		return nil, err
	}

	a.Pipeline, err = ingest.New(a.Knowledge, a.Embedder, cfg.Ingest, logger)
	if err != nil {
		return nil, err
	}

	a.Sessions, err = session.NewStore(pool, logger)
	if err != nil {
		return nil, err
	}
	a.Hooks, err = session.NewHooks(a.Sessions, a.Knowledge, a.Pipeline, a.Engine, logger)
	if err != nil {
		return nil, err
	}

	if err := provideLearning(a, cfg, logger); err != nil {
		return nil, err
	}

	if err := provideFederation(a, cfg, logger); err != nil {
		return nil, err
	}

	return a, nil
}

// providePool runs migrations and opens the connection pool.
func providePool(ctx context.Context, cfg *config.Config, logger log.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.Storage.URL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return database.Connect(ctx, cfg.Storage.ConnectionString(), cfg.Storage.MaxConns)
}

// provideEmbedding builds the embedding service with its provider backends.
// The fallback backend is optional: an empty fallback model leaves it nil and
// primary failures surface as ErrUnavailable.
func provideEmbedding(ctx context.Context, cfg *config.Config, logger log.Logger) (*embedding.Service, error) {
	primary, fallback, err := provideBackends(ctx, cfg.Embedding)
	if err != nil {
		return nil, err
	}

	var vectors *cache.Vectors
	if cfg.Embedding.CacheSize > 0 {
		vectors = cache.NewVectors(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL)
	}

	return embedding.New(primary, fallback, cfg.Embedding.Dimension, cfg.Embedding.Timeout, vectors, logger)
}

// provideBackends initializes Genkit with the configured provider and looks
// up the embedder models. Supported providers: googleai (default), ollama.
func provideBackends(ctx context.Context, cfg config.EmbeddingConfig) (primary, fallback ai.Embedder, err error) {
	provider := cfg.Provider
	if provider == "" {
		provider = "googleai"
	}

	switch provider {
	case "ollama":
		plugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no embedder auto-discovery; registration is keyed by
		// server address, so only one model can be registered per host.
		plugin.DefineEmbedder(g, cfg.OllamaHost, cfg.Model, nil)
		primary = ollama.Embedder(g, cfg.OllamaHost)

	case "googleai":
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with googleai provider")
		}
		primary = googlegenai.GoogleAIEmbedder(g, cfg.Model)
		if cfg.FallbackModel != "" {
			fallback = googlegenai.GoogleAIEmbedder(g, cfg.FallbackModel)
		}

	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", provider)
	}

	if primary == nil {
		return nil, nil, fmt.Errorf("embedder %q not found for provider %q", cfg.Model, provider)
	}
	return primary, fallback, nil
}

// provideLearning builds the loop, the maintenance job, and the runner that
// taps the ingest pipeline.
func provideLearning(a *App, cfg *config.Config, logger log.Logger) error {
	loop, err := learning.NewLoop(a.Knowledge, a.Embedder, cfg.Learning, logger)
	if err != nil {
		return err
	}
	a.Loop = loop

	a.Maintenance, err = learning.NewMaintenance(a.Knowledge, a.Embedder, cfg.Learning, logger)
	if err != nil {
		return err
	}

	a.Learner, err = learning.NewRunner(loop, cfg.Learning.MaintenanceInterval, logger)
	if err != nil {
		return err
	}
	a.Pipeline.Tap(a.Learner.Observe)
	a.Hooks.AttachLearner(a.Learner)
	return nil
}

// provideFederation builds the receiver and syncer. Federation is opt-in: a
// missing project ID leaves both nil and the API serves no federation routes.
func provideFederation(a *App, cfg *config.Config, logger log.Logger) error {
	if cfg.Federation.ProjectID == "" {
		if len(cfg.Federation.Peers) > 0 {
			return errors.New("federation peers configured without a project_id")
		}
		return nil
	}

	anonymizer, err := federation.NewAnonymizer(cfg.Federation.ProjectID)
	if err != nil {
		return err
	}

	a.Receiver, err = federation.NewReceiver(a.Knowledge, a.Embedder, anonymizer, federation.ReceiverConfig{
		DedupThreshold:    cfg.Learning.DedupThreshold,
		PushMinConfidence: cfg.Federation.PushMinConfidence,
		PushMinUsage:      cfg.Federation.PushMinUsage,
		PageSize:          cfg.Federation.PageSize,
	}, logger)
	if err != nil {
		return err
	}

	validator := security.NewPeerURL(cfg.Federation.AllowPrivatePeers)
	clients := make([]*federation.Client, 0, len(cfg.Federation.Peers))
	for _, p := range cfg.Federation.Peers {
		c, err := federation.NewClient(p.Name, p.URL, p.Token, validator)
		if err != nil {
			return fmt.Errorf("peer %s: %w", p.Name, err)
		}
		clients = append(clients, c)
	}

	a.Syncer, err = federation.NewSyncer(a.Knowledge, a.Receiver, anonymizer, clients, cfg.Federation, logger)
	return err
}
