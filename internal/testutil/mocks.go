package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"iter"
	"math"
	"strings"
	"sync"

	"github.com/minirag/minirag/internal/llm"
)

// MockEmbedder provides deterministic embedding vectors for testing.
//
// By default, it generates a deterministic vector from content using
// SHA-256. Explicit mappings can be added for precise cosine similarity
// control. Thread-safe for concurrent use.
type MockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
	err     error
	calls   [][]string
}

// NewMockEmbedder creates a mock embedder with the given vector dimensions.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{
		vectors: make(map[string][]float32),
		dim:     dim,
	}
}

// SetVector registers an explicit vector for a given content string.
// Use this to control exact cosine similarity between test inputs.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// SetError makes all subsequent Embed calls fail with err.
func (e *MockEmbedder) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Calls returns a copy of the input batches seen so far.
func (e *MockEmbedder) Calls() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := make([][]string, len(e.calls))
	copy(cp, e.calls)
	return cp
}

// Embed returns one vector per input text, in order.
func (e *MockEmbedder) Embed(_ context.Context, texts []string, _ llm.EmbedOptions) ([][]float32, error) {
	e.mu.Lock()
	e.calls = append(e.calls, append([]string(nil), texts...))
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vectorFor(t)
	}
	return out, nil
}

// vectorFor returns the vector for a given content string.
// Uses the explicit mapping if present, otherwise hashes the content.
func (e *MockEmbedder) vectorFor(content string) []float32 {
	e.mu.Lock()
	if v, ok := e.vectors[content]; ok {
		e.mu.Unlock()
		return v
	}
	e.mu.Unlock()

	return deterministicVector(content, e.dim)
}

// deterministicVector generates a normalized vector from content using
// SHA-256. The same content always produces the same vector.
func deterministicVector(content string, dim int) []float32 {
	hash := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)

	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx%32],
			hash[(idx+1)%32],
			hash[(idx+2)%32],
			hash[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}

	return vec
}

// MockCompleter provides deterministic chat completions for testing.
// It matches the last user message against registered patterns and
// returns the corresponding response. Thread-safe for concurrent use.
type MockCompleter struct {
	mu       sync.Mutex
	rules    []completerRule
	fallback string
	err      error
	usage    llm.Usage
	calls    []llm.Request
}

type completerRule struct {
	pattern  string // substring match, case-insensitive
	response string
}

// NewMockCompleter creates a mock completer with the given fallback
// response, returned when no pattern matches.
func NewMockCompleter(fallback string) *MockCompleter {
	return &MockCompleter{
		fallback: fallback,
		usage:    llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

// AddResponse registers a pattern-response pair. Patterns are checked
// in registration order; first match wins.
func (m *MockCompleter) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, completerRule{
		pattern:  strings.ToLower(pattern),
		response: response,
	})
}

// SetError makes all subsequent calls fail with err.
func (m *MockCompleter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetUsage overrides the token usage reported on completions.
func (m *MockCompleter) SetUsage(u llm.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = u
}

// Calls returns a copy of all requests seen so far.
func (m *MockCompleter) Calls() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]llm.Request, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// respond records the call and resolves the response text.
func (m *MockCompleter) respond(req llm.Request) (string, llm.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if m.err != nil {
		return "", llm.Usage{}, m.err
	}

	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			userText = req.Messages[i].Content
			break
		}
	}

	lower := strings.ToLower(userText)
	for _, r := range m.rules {
		if strings.Contains(lower, r.pattern) {
			return r.response, m.usage, nil
		}
	}
	return m.fallback, m.usage, nil
}

// Complete returns the matched response as a blocking completion.
func (m *MockCompleter) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	text, usage, err := m.respond(req)
	if err != nil {
		return nil, err
	}
	return &llm.Completion{Content: text, Usage: usage}, nil
}

// CompleteStream yields the matched response word by word, then a final
// usage-only delta, mirroring provider stream shape.
func (m *MockCompleter) CompleteStream(_ context.Context, req llm.Request) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		text, usage, err := m.respond(req)
		if err != nil {
			yield(llm.Delta{}, err)
			return
		}

		words := strings.SplitAfter(text, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if !yield(llm.Delta{Content: w}, nil) {
				return
			}
		}
		yield(llm.Delta{Usage: &usage}, nil)
	}
}
