// Package orchestrator runs one chat turn: embed the question, search
// the tenant's vector index, assemble the prompt and call the model.
// It owns no storage; callers persist the result after the turn (or
// after the stream is fully drained).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/vecindex"
)

// ErrStreamFailed is the only error a stream ever yields. The real
// cause is logged, never sent to the client.
var ErrStreamFailed = errors.New("chat stream failed")

// DefaultTopK is the retrieval depth when the turn does not set one.
const DefaultTopK = 5

// maxHistoryMessages bounds the conversation window to the last ten
// user/assistant exchanges.
const maxHistoryMessages = 20

// Embedder is the query-embedding capability.
type Embedder interface {
	Embed(ctx context.Context, texts []string, opts llm.EmbedOptions) ([][]float32, error)
}

// Completer is the chat-completion capability.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Completion, error)
	CompleteStream(ctx context.Context, req llm.Request) iter.Seq2[llm.Delta, error]
}

// Searcher is the vector-search capability.
type Searcher interface {
	Search(ctx context.Context, vector []float32, tenantID, botProfileID uuid.UUID, limit int, scoreThreshold float64) ([]vecindex.Result, error)
}

// Bot carries the profile parameters of one turn.
type Bot struct {
	ID           uuid.UUID
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Turn is one user message plus everything needed to answer it.
type Turn struct {
	TenantID    uuid.UUID
	Bot         Bot
	UserMessage string
	History     []llm.Message
	TopK        int
	APIKey      string
}

// RetrievedChunk is one passage shown to the model.
type RetrievedChunk struct {
	ChunkID  uuid.UUID
	SourceID uuid.UUID
	Content  string
	Score    float64
}

// ChatResponse is the completed turn.
type ChatResponse struct {
	Content            string
	Retrieved          []RetrievedChunk
	PromptTokens       int64
	CompletionTokens   int64
	TotalTokens        int64
	Model              string
	TimeToFirstTokenMS *int64
	StreamDurationMS   *int64
}

// ItemKind discriminates stream items.
type ItemKind int

const (
	// ItemSources is yielded exactly once, first, even when retrieval
	// found nothing.
	ItemSources ItemKind = iota
	// ItemDelta carries one incremental content fragment.
	ItemDelta
	// ItemDone carries the terminal ChatResponse.
	ItemDone
)

// StreamItem is one event of a streaming turn.
type StreamItem struct {
	Kind     ItemKind
	Sources  []RetrievedChunk
	Delta    string
	Response *ChatResponse
}

// Options configures an Orchestrator.
type Options struct {
	EmbeddingModel string
	TopK           int
	ScoreThreshold float64
}

// Orchestrator answers chat turns.
type Orchestrator struct {
	embedder  Embedder
	completer Completer
	searcher  Searcher
	opts      Options
	logger    log.Logger
}

// New creates an Orchestrator.
func New(embedder Embedder, completer Completer, searcher Searcher, opts Options, logger log.Logger) (*Orchestrator, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if completer == nil {
		return nil, fmt.Errorf("completer is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = "text-embedding-3-small"
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Orchestrator{
		embedder:  embedder,
		completer: completer,
		searcher:  searcher,
		opts:      opts,
		logger:    logger,
	}, nil
}

// RunTurn answers a turn with a blocking completion. Retrieval failures
// propagate as errors.
func (o *Orchestrator) RunTurn(ctx context.Context, turn Turn) (*ChatResponse, error) {
	if err := validateTurn(turn); err != nil {
		return nil, err
	}

	retrieved, err := o.retrieve(ctx, turn)
	if err != nil {
		return nil, err
	}

	completion, err := o.completer.Complete(ctx, o.buildRequest(turn, retrieved))
	if err != nil {
		return nil, fmt.Errorf("completing turn: %w", err)
	}

	return &ChatResponse{
		Content:          completion.Content,
		Retrieved:        retrieved,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		TotalTokens:      completion.Usage.TotalTokens,
		Model:            turn.Bot.Model,
	}, nil
}

// RunTurnStream answers a turn as a lazy, single-use stream. Nothing
// runs until the consumer starts iterating, and stopping the consumer
// stops all work. Item order: one ItemSources, zero or more ItemDelta,
// then a terminal ItemDone. Any failure yields ErrStreamFailed once and
// ends the stream.
func (o *Orchestrator) RunTurnStream(ctx context.Context, turn Turn) iter.Seq2[StreamItem, error] {
	return func(yield func(StreamItem, error) bool) {
		if err := validateTurn(turn); err != nil {
			o.logger.Warn("invalid chat turn", "error", err)
			yield(StreamItem{}, ErrStreamFailed)
			return
		}

		retrieved, err := o.retrieve(ctx, turn)
		if err != nil {
			o.logger.Error("retrieval failed", "tenant_id", turn.TenantID, "error", err)
			yield(StreamItem{}, ErrStreamFailed)
			return
		}

		if !yield(StreamItem{Kind: ItemSources, Sources: retrieved}, nil) {
			return
		}

		var (
			content    strings.Builder
			usage      llm.Usage
			start      = time.Now()
			firstDelta time.Time
			lastDelta  time.Time
		)

		for delta, err := range o.completer.CompleteStream(ctx, o.buildRequest(turn, retrieved)) {
			if err != nil {
				o.logger.Error("completion stream failed", "tenant_id", turn.TenantID, "error", err)
				yield(StreamItem{}, ErrStreamFailed)
				return
			}
			if delta.Usage != nil {
				usage = *delta.Usage
			}
			if delta.Content == "" {
				continue
			}

			now := time.Now()
			if firstDelta.IsZero() {
				firstDelta = now
			}
			lastDelta = now
			content.WriteString(delta.Content)

			if !yield(StreamItem{Kind: ItemDelta, Delta: delta.Content}, nil) {
				return
			}
		}

		resp := &ChatResponse{
			Content:          content.String(),
			Retrieved:        retrieved,
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			TotalTokens:      usage.TotalTokens,
			Model:            turn.Bot.Model,
		}
		if !firstDelta.IsZero() {
			ttft := firstDelta.Sub(start).Milliseconds()
			duration := lastDelta.Sub(firstDelta).Milliseconds()
			resp.TimeToFirstTokenMS = &ttft
			resp.StreamDurationMS = &duration
		}

		yield(StreamItem{Kind: ItemDone, Response: resp}, nil)
	}
}

func validateTurn(turn Turn) error {
	if turn.TenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}
	if turn.Bot.ID == uuid.Nil {
		return fmt.Errorf("bot profile ID is required")
	}
	if strings.TrimSpace(turn.UserMessage) == "" {
		return fmt.Errorf("user message is required")
	}
	return nil
}

// retrieve embeds the question and searches the tenant's index. An
// empty embedding response skips retrieval instead of failing the turn.
func (o *Orchestrator) retrieve(ctx context.Context, turn Turn) ([]RetrievedChunk, error) {
	vectors, err := o.embedder.Embed(ctx, []string{turn.UserMessage}, llm.EmbedOptions{
		Model:  o.opts.EmbeddingModel,
		APIKey: turn.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, nil
	}

	topK := turn.TopK
	if topK <= 0 {
		topK = o.opts.TopK
	}

	results, err := o.searcher.Search(ctx, vectors[0], turn.TenantID, turn.Bot.ID, topK, o.opts.ScoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	retrieved := make([]RetrievedChunk, len(results))
	for i, r := range results {
		retrieved[i] = RetrievedChunk{
			ChunkID:  r.ID,
			SourceID: r.Payload.SourceID,
			Content:  r.Payload.Content,
			Score:    r.Score,
		}
	}
	return retrieved, nil
}

// buildRequest assembles the model request: system prompt with context,
// bounded history oldest first, then the current user message.
func (o *Orchestrator) buildRequest(turn Turn, retrieved []RetrievedChunk) llm.Request {
	history := turn.History
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: systemPrompt(turn.Bot.SystemPrompt, retrieved),
	})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.UserMessage})

	return llm.Request{
		Model:       turn.Bot.Model,
		Messages:    messages,
		Temperature: turn.Bot.Temperature,
		MaxTokens:   turn.Bot.MaxTokens,
		APIKey:      turn.APIKey,
	}
}

// systemPrompt appends the numbered context block to the bot prompt.
// Without retrieval results the bot prompt is used unchanged.
func systemPrompt(botPrompt string, retrieved []RetrievedChunk) string {
	if len(retrieved) == 0 {
		return botPrompt
	}

	var b strings.Builder
	b.WriteString(botPrompt)
	b.WriteString("\n\nUse the following context passages to answer. Prefer them over prior knowledge and say so when they do not contain the answer.\n\nContext:\n")
	for i, c := range retrieved {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Content)
	}
	return b.String()
}
