// Package api exposes the knowledge engine over HTTP: retrieval queries,
// direct entry access, session lifecycle, event capture, and the peer-facing
// federation endpoints.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recallhq/recall/internal/embedding"
	"github.com/recallhq/recall/internal/federation"
	"github.com/recallhq/recall/internal/ingest"
	"github.com/recallhq/recall/internal/knowledge"
	"github.com/recallhq/recall/internal/retrieval"
	"github.com/recallhq/recall/internal/session"
)

// ServerConfig collects the dependencies for the API server.
type ServerConfig struct {
	Logger     *slog.Logger
	Store      *knowledge.Store     // required
	Embedder   *embedding.Service   // required
	Engine     *retrieval.Engine    // required
	Sessions   *session.Store       // required
	Hooks      *session.Hooks       // required
	Pipeline   *ingest.Pipeline     // required
	Receiver   *federation.Receiver // nil disables the federation endpoints
	Syncer     *federation.Syncer   // optional, surfaces peer state on /ready
	Pool       *pgxpool.Pool        // nil disables the readiness DB ping
	PeerToken  string               // shared bearer token peers authenticate with
	TrustProxy bool                 // trust X-Real-IP/X-Forwarded-For
	RateBurst  int                  // per-IP burst (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil || cfg.Embedder == nil || cfg.Engine == nil {
		return nil, errors.New("store, embedder, and engine are required")
	}
	if cfg.Sessions == nil || cfg.Hooks == nil || cfg.Pipeline == nil {
		return nil, errors.New("session store, hooks, and pipeline are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	kh := &knowledgeHandler{
		store:    cfg.Store,
		embedder: cfg.Embedder,
		engine:   cfg.Engine,
		logger:   logger,
	}
	sh := &sessionHandler{
		hooks:    cfg.Hooks,
		sessions: cfg.Sessions,
		pipeline: cfg.Pipeline,
		logger:   logger,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/query", kh.query)
	mux.HandleFunc("POST /api/v1/entries", kh.createEntry)
	mux.HandleFunc("GET /api/v1/entries/{id}", kh.getEntry)
	mux.HandleFunc("POST /api/v1/entries/{id}/feedback", kh.feedback)

	mux.HandleFunc("POST /api/v1/sessions", sh.start)
	mux.HandleFunc("GET /api/v1/sessions/{id}", sh.get)
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", sh.end)
	mux.HandleFunc("POST /api/v1/sessions/{id}/feedback", sh.feedback)
	mux.HandleFunc("POST /api/v1/events", sh.capture)

	if cfg.Receiver != nil {
		fh := &federationHandler{receiver: cfg.Receiver, token: cfg.PeerToken, logger: logger}
		mux.HandleFunc("POST /federation/push", fh.push)
		mux.HandleFunc("GET /federation/pull", fh.pull)
	}

	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Middleware stack, outermost first:
	//   Recovery -> Logging -> RateLimit -> Routes
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack so orchestrators are never
	// rate limited.
	hh := &healthHandler{pool: cfg.Pool, syncer: cfg.Syncer, logger: logger}
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", hh.liveness)
	topMux.HandleFunc("GET /ready", hh.readiness)
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
