// Package llm is the gateway to OpenAI-compatible chat completion and
// embedding APIs. Tenant bot profiles may carry their own credentials,
// so every call accepts a per-request API key that overrides the
// configured default.
//
// Consumers should depend on the narrow interfaces they need (an
// Embedder or Completer defined on the consumer side), not on Client.
package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// MaxEmbedBatchSize is the maximum number of inputs per embedding API
// request. Larger inputs are split into sequential batches.
const MaxEmbedBatchSize = 128

// embeddingDimensions maps known embedding models to their vector width.
var embeddingDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// DefaultEmbeddingDimensions is used for models not in the known table.
const DefaultEmbeddingDimensions = 1536

// Dimensions returns the vector width produced by the given embedding model.
func Dimensions(model string) int {
	if d, ok := embeddingDimensions[model]; ok {
		return d
	}
	return DefaultEmbeddingDimensions
}

// Message is a single chat message.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Request describes a chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// APIKey overrides the client's default credentials when non-empty.
	APIKey string
}

// Completion is the result of a non-streaming chat completion.
type Completion struct {
	Content string
	Usage   Usage
}

// Delta is one increment of a streaming completion. Usage is non-nil on
// whichever chunk the provider attaches it to, typically the last.
type Delta struct {
	Content string
	Usage   *Usage
}

// EmbedOptions configures an Embed call.
type EmbedOptions struct {
	Model string
	// APIKey overrides the client's default credentials when non-empty.
	APIKey string
}

// Config configures the Client.
type Config struct {
	// APIKey is the default credential, used when a request carries none.
	APIKey string
	// BaseURL overrides the API endpoint (LiteLLM proxies, self-hosted
	// gateways). Empty uses the provider default.
	BaseURL string
}

// Client calls an OpenAI-compatible API. Safe for concurrent use.
type Client struct {
	api openai.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: openai.NewClient(opts...)}
}

// Embed returns one vector per input text, in input order.
// Inputs beyond MaxEmbedBatchSize are split into sequential batches and
// the results concatenated. An empty input returns an empty slice
// without any network call.
func (c *Client) Embed(ctx context.Context, texts []string, opts EmbedOptions) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	var reqOpts []option.RequestOption
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range batchTexts(texts, MaxEmbedBatchSize) {
		resp, err := c.api.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(opts.Model),
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
		}, reqOpts...)
		if err != nil {
			return nil, fmt.Errorf("embedding batch of %d texts: %w", len(batch), err)
		}
		if len(resp.Data) != len(batch) {
			return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(batch))
		}
		for _, d := range resp.Data {
			vec := make([]float32, len(d.Embedding))
			for i, f := range d.Embedding {
				vec[i] = float32(f)
			}
			out = append(out, vec)
		}
	}

	return out, nil
}

// Complete performs a blocking chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	params, reqOpts := buildParams(req)

	resp, err := c.api.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CompleteStream performs a streaming chat completion.
//
// The returned sequence is lazy: no request is made until iteration
// begins, and abandoning the iterator tears the stream down. Deltas
// carry content fragments; usage arrives on whichever chunk the
// provider attaches it to. A transport or provider failure is yielded
// as the final (zero Delta, err) pair.
func (c *Client) CompleteStream(ctx context.Context, req Request) iter.Seq2[Delta, error] {
	return func(yield func(Delta, error) bool) {
		params, reqOpts := buildParams(req)
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}

		stream := c.api.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
		defer func() {
			_ = stream.Close()
		}()

		for stream.Next() {
			chunk := stream.Current()

			var d Delta
			if len(chunk.Choices) > 0 {
				d.Content = chunk.Choices[0].Delta.Content
			}
			if chunk.JSON.Usage.Valid() {
				d.Usage = &Usage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if d.Content == "" && d.Usage == nil {
				continue
			}
			if !yield(d, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			yield(Delta{}, fmt.Errorf("streaming completion: %w", err))
		}
	}
}

// buildParams converts a Request into API params and request options.
func buildParams(req Request) (openai.ChatCompletionNewParams, []option.RequestOption) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	var reqOpts []option.RequestOption
	if req.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(req.APIKey))
	}

	return params, reqOpts
}

// batchTexts splits texts into slices of at most size elements,
// preserving order.
func batchTexts(texts []string, size int) [][]string {
	if size <= 0 {
		return [][]string{texts}
	}
	var batches [][]string
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		batches = append(batches, texts[start:end])
	}
	return batches
}
