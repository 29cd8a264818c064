// Package ingest turns a knowledge source into searchable vectors. One
// run extracts the source's text, chunks it, embeds the chunks and
// replaces the source's rows in the vector index, then finalizes the
// relational state. The source status always ends at ready or error;
// a failed run never leaves the worker process dead.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/chunk"
	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/store"
	"github.com/minirag/minirag/internal/vecindex"
	"github.com/minirag/minirag/internal/webhook"
)

// Sentinel failures a run can end with, beyond transport and storage
// errors. Their texts are recorded verbatim as the source's
// error_message, so clients match on them.
var (
	ErrNoContent = errors.New("No content to ingest")
	ErrNoChunks  = errors.New("Chunking produced no output")
)

// FailureCode maps a run failure to its short machine code, or ""
// for failures without one.
func FailureCode(err error) string {
	switch {
	case errors.Is(err, ErrNoContent):
		return "no_content"
	case errors.Is(err, ErrNoChunks):
		return "no_chunks"
	default:
		return ""
	}
}

// Embedder is the embedding capability the worker needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string, opts llm.EmbedOptions) ([][]float32, error)
}

// VectorIndex is the vector storage capability the worker needs.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dimensions int) error
	Upsert(ctx context.Context, points []vecindex.Point) error
	DeleteBySource(ctx context.Context, tenantID, sourceID uuid.UUID) error
}

// Fetcher retrieves the text of a URL source.
type Fetcher interface {
	FetchURL(ctx context.Context, rawURL string) (string, error)
}

// Notifier delivers ingestion event webhooks. May be nil.
type Notifier interface {
	Dispatch(ctx context.Context, tenantID uuid.UUID, event string, data any)
}

// Options tunes one worker.
type Options struct {
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
}

// Result summarizes a successful run.
type Result struct {
	DocumentCount int
	ChunkCount    int
}

// Worker ingests sources.
type Worker struct {
	store    *store.Store
	embedder Embedder
	index    VectorIndex
	fetcher  Fetcher
	notifier Notifier
	opts     Options
	logger   log.Logger
}

// New creates an ingestion Worker. fetcher is required only when URL
// sources are ingested; notifier may be nil.
func New(st *store.Store, embedder Embedder, index VectorIndex, fetcher Fetcher, notifier Notifier, opts Options, logger log.Logger) (*Worker, error) {
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("vector index is required")
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-3-small"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = chunk.DefaultSize
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Worker{
		store:    st,
		embedder: embedder,
		index:    index,
		fetcher:  fetcher,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Run ingests one source. The source is marked processing immediately;
// every failure after that point ends with the source marked error and
// a bounded message, and the error is also returned to the caller.
func (w *Worker) Run(ctx context.Context, tenantID, sourceID uuid.UUID) (Result, error) {
	src, err := w.store.GetSource(ctx, tenantID, sourceID)
	if err != nil {
		return Result{}, fmt.Errorf("loading source %s: %w", sourceID, err)
	}

	if err := w.store.MarkSourceProcessing(ctx, tenantID, sourceID); err != nil {
		return Result{}, fmt.Errorf("marking source processing: %w", err)
	}

	result, err := w.run(ctx, src)
	if err != nil {
		w.markFailed(ctx, tenantID, sourceID, err)
		return Result{}, err
	}

	if w.notifier != nil {
		w.notifier.Dispatch(ctx, tenantID, webhook.EventSourceIngested, map[string]any{
			"source_id":      sourceID,
			"document_count": result.DocumentCount,
			"chunk_count":    result.ChunkCount,
		})
	}

	w.logger.Info("source ingested",
		"tenant_id", tenantID, "source_id", sourceID,
		"documents", result.DocumentCount, "chunks", result.ChunkCount)
	return result, nil
}

// run performs the pipeline after the source is marked processing.
func (w *Worker) run(ctx context.Context, src *store.Source) (Result, error) {
	text, err := w.extractText(ctx, src)
	if err != nil {
		return Result{}, err
	}
	if text == "" {
		return Result{}, ErrNoContent
	}

	doc := &store.Document{
		TenantID:   src.TenantID,
		SourceID:   src.ID,
		Title:      src.Name,
		RawContent: text,
		CharCount:  utf8.RuneCountInString(text),
	}
	if err := w.store.InsertDocument(ctx, doc); err != nil {
		return Result{}, err
	}

	pieces := chunk.Split(text, chunk.Options{
		Size:    w.opts.ChunkSize,
		Overlap: w.opts.ChunkOverlap,
	})
	if len(pieces) == 0 {
		return Result{}, ErrNoChunks
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Content
	}
	vectors, err := w.embedder.Embed(ctx, texts, llm.EmbedOptions{Model: w.opts.EmbeddingModel})
	if err != nil {
		return Result{}, fmt.Errorf("embedding %d chunks: %w", len(pieces), err)
	}
	if len(vectors) != len(pieces) {
		return Result{}, fmt.Errorf("embedding count mismatch: %d vectors for %d chunks", len(vectors), len(pieces))
	}

	if err := w.index.EnsureCollection(ctx, llm.Dimensions(w.opts.EmbeddingModel)); err != nil {
		return Result{}, err
	}

	// Replace, not append: dropping the source's old vectors first makes
	// re-ingestion idempotent.
	if err := w.index.DeleteBySource(ctx, src.TenantID, src.ID); err != nil {
		return Result{}, err
	}

	points := make([]vecindex.Point, len(pieces))
	rows := make([]store.Chunk, len(pieces))
	for i, p := range pieces {
		pointID := uuid.New()
		points[i] = vecindex.Point{
			ID:     pointID,
			Vector: vectors[i],
			Payload: vecindex.Payload{
				TenantID:     src.TenantID,
				SourceID:     src.ID,
				BotProfileID: src.BotProfileID,
				DocumentID:   doc.ID,
				ChunkIndex:   p.Index,
				Content:      p.Content,
			},
		}
		rows[i] = store.Chunk{
			ID:         uuid.New(),
			ChunkIndex: p.Index,
			Content:    p.Content,
			CharCount:  p.CharCount,
			PointID:    pointID,
		}
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		return Result{}, err
	}

	if err := w.store.CompleteIngestion(ctx, store.CompleteIngestionParams{
		TenantID:   src.TenantID,
		SourceID:   src.ID,
		DocumentID: doc.ID,
		Chunks:     rows,
	}); err != nil {
		return Result{}, err
	}

	return Result{DocumentCount: 1, ChunkCount: len(pieces)}, nil
}

// extractText resolves the raw text of a source by its type.
func (w *Worker) extractText(ctx context.Context, src *store.Source) (string, error) {
	switch src.SourceType {
	case store.SourceTypeText, store.SourceTypeUpload:
		// Upload content is extracted at upload time and stored inline.
		if src.Content == nil {
			return "", ErrNoContent
		}
		return *src.Content, nil

	case store.SourceTypeURL:
		if w.fetcher == nil {
			return "", fmt.Errorf("URL source %s: no fetcher configured", src.ID)
		}
		rawURL, err := sourceURL(src.Config)
		if err != nil {
			return "", err
		}
		text, err := w.fetcher.FetchURL(ctx, rawURL)
		if err != nil {
			return "", fmt.Errorf("fetching %s: %w", rawURL, err)
		}
		return text, nil

	default:
		return "", fmt.Errorf("unknown source type %q", src.SourceType)
	}
}

// sourceURL reads the url field of a URL source's config JSON.
func sourceURL(config string) (string, error) {
	var cfg struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal([]byte(config), &cfg); err != nil {
		return "", fmt.Errorf("parsing source config: %w", err)
	}
	if cfg.URL == "" {
		return "", fmt.Errorf("source config has no url")
	}
	return cfg.URL, nil
}

// markFailed records a failed run. It uses a fresh context so the
// failure is recorded even when the run's context is already canceled,
// and swallows recording errors after logging them.
func (w *Worker) markFailed(ctx context.Context, tenantID, sourceID uuid.UUID, runErr error) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.store.MarkSourceError(failCtx, tenantID, sourceID, runErr.Error()); err != nil {
		w.logger.Error("recording ingestion failure",
			"tenant_id", tenantID, "source_id", sourceID, "error", err)
	}

	if w.notifier != nil {
		w.notifier.Dispatch(failCtx, tenantID, webhook.EventSourceFailed, map[string]any{
			"source_id": sourceID,
			"error":     runErr.Error(),
		})
	}

	w.logger.Warn("source ingestion failed",
		"tenant_id", tenantID, "source_id", sourceID, "error", runErr)
}
