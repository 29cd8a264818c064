package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/minirag/minirag/internal/api"
	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/orchestrator"
	"github.com/minirag/minirag/internal/postgres"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/store"
	"github.com/minirag/minirag/internal/vecindex"
)

// HTTP server timeouts. WriteTimeout stays long because SSE chat
// responses stream for the duration of a completion.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger()

	pool, err := postgres.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	st, err := store.New(pool, logger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	index, err := vecindex.New(pool, logger.With("component", "vecindex"))
	if err != nil {
		return fmt.Errorf("creating vector index: %w", err)
	}

	q, err := queue.New(pool, logger.With("component", "queue"))
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}

	client := llm.New(llm.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
	orch, err := orchestrator.New(client, client, index, orchestrator.Options{
		EmbeddingModel: cfg.EmbeddingModel,
		TopK:           cfg.TopK,
	}, logger.With("component", "orchestrator"))
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	srv, err := api.NewServer(api.Config{
		Store:         st,
		Queue:         q,
		Runner:        orch,
		Logger:        logger.With("component", "api"),
		Pool:          pool,
		CORSOrigins:   cfg.CORSOrigins,
		TrustProxy:    cfg.TrustProxy,
		RateLimit:     float64(cfg.RatePerMinute) / 60.0,
		RateBurst:     cfg.RateBurst,
		MaxUploadSize: int64(cfg.MaxUploadSize),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving HTTP: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}
