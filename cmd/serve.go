package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/recallhq/recall/internal/api"
	"github.com/recallhq/recall/internal/app"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and background loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting recall", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	// Background loops. The pipeline manages its own workers; the rest get
	// one goroutine each and exit on context cancellation.
	a.Pipeline.Run(ctx)

	var wg sync.WaitGroup
	runLoop := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	runLoop(a.Maintenance.Run)
	runLoop(a.Learner.Run)
	if a.FederationEnabled() {
		runLoop(a.Syncer.Run)
	}
	// Loops exit on context cancellation; cancel here covers the
	// server-error return path where no signal fired.
	defer func() {
		cancel()
		wg.Wait()
	}()

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:     logger,
		Store:      a.Knowledge,
		Embedder:   a.Embedder,
		Engine:     a.Engine,
		Sessions:   a.Sessions,
		Hooks:      a.Hooks,
		Pipeline:   a.Pipeline,
		Receiver:   a.Receiver,
		Syncer:     a.Syncer,
		Pool:       a.Pool,
		PeerToken:  cfg.Federation.Token,
		TrustProxy: cfg.Server.TrustProxy,
		RateBurst:  cfg.Server.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", addr,
		"api", "/api/v1/*",
		"federation", a.FederationEnabled(),
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
