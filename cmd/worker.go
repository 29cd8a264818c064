package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/minirag/minirag/internal/config"
	"github.com/minirag/minirag/internal/extract"
	"github.com/minirag/minirag/internal/ingest"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/postgres"
	"github.com/minirag/minirag/internal/queue"
	"github.com/minirag/minirag/internal/refresh"
	"github.com/minirag/minirag/internal/store"
	"github.com/minirag/minirag/internal/vecindex"
	"github.com/minirag/minirag/internal/webhook"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the ingestion worker and refresh scheduler",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWorker(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(ctx context.Context) error {
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

	client := llm.New(llm.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL})
	fetcher := extract.NewFetcher(logger.With("component", "fetch"))
	notifier, err := webhook.New(st, logger.With("component", "webhook"))
	if err != nil {
		return fmt.Errorf("creating webhook dispatcher: %w", err)
	}

	ingestWorker, err := ingest.New(st, client, index, fetcher, notifier, ingest.Options{
		EmbeddingModel: cfg.EmbeddingModel,
		ChunkSize:      cfg.ChunkSize,
		ChunkOverlap:   cfg.ChunkOverlap,
	}, logger.With("component", "ingest"))
	if err != nil {
		return fmt.Errorf("creating ingest worker: %w", err)
	}

	q, err := queue.New(pool, logger.With("component", "queue"))
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}
	worker, err := queue.NewWorker(q, queue.WorkerOptions{
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
	}, logger.With("component", "worker"))
	if err != nil {
		return fmt.Errorf("creating queue worker: %w", err)
	}

	worker.Register(queue.KindIngestSource, func(ctx context.Context, job queue.Job) error {
		var payload queue.IngestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decoding ingest payload: %w", err)
		}
		_, err := ingestWorker.Run(ctx, payload.TenantID, payload.SourceID)
		// Prefix sentinel failures with their short code so the job's
		// recorded outcome is machine-matchable.
		if code := ingest.FailureCode(err); code != "" {
			return fmt.Errorf("%s: %w", code, err)
		}
		return err
	})

	scheduler, err := refresh.New(st, q, cfg.ProcessingTimeout, logger.With("component", "refresh"))
	if err != nil {
		return fmt.Errorf("creating refresh scheduler: %w", err)
	}

	logger.Info("worker starting",
		"concurrency", cfg.WorkerConcurrency,
		"refresh_interval", cfg.RefreshInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return scheduler.Run(ctx, cfg.RefreshInterval) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
