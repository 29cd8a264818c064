package llm

import (
	"testing"
)

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-unknown-model", DefaultEmbeddingDimensions},
		{"", DefaultEmbeddingDimensions},
	}

	for _, tt := range tests {
		if got := Dimensions(tt.model); got != tt.want {
			t.Errorf("Dimensions(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

func TestBatchTexts(t *testing.T) {
	texts := make([]string, 300)
	for i := range texts {
		texts[i] = "t"
	}

	batches := batchTexts(texts, 128)
	if len(batches) != 3 {
		t.Fatalf("batchTexts(300, 128) = %d batches, want 3", len(batches))
	}
	if len(batches[0]) != 128 || len(batches[1]) != 128 || len(batches[2]) != 44 {
		t.Errorf("batch sizes = %d/%d/%d, want 128/128/44",
			len(batches[0]), len(batches[1]), len(batches[2]))
	}
}

func TestBatchTextsSmall(t *testing.T) {
	batches := batchTexts([]string{"a", "b"}, 128)
	if len(batches) != 1 {
		t.Fatalf("batchTexts(2, 128) = %d batches, want 1", len(batches))
	}
	if len(batches[0]) != 2 {
		t.Errorf("batch size = %d, want 2", len(batches[0]))
	}
}

func TestBatchTextsPreservesOrder(t *testing.T) {
	texts := []string{"a", "b", "c", "d", "e"}
	batches := batchTexts(texts, 2)

	var flat []string
	for _, b := range batches {
		flat = append(flat, b...)
	}
	if len(flat) != len(texts) {
		t.Fatalf("flattened %d texts, want %d", len(flat), len(texts))
	}
	for i := range texts {
		if flat[i] != texts[i] {
			t.Errorf("position %d = %q, want %q", i, flat[i], texts[i])
		}
	}
}

func TestBuildParamsRoles(t *testing.T) {
	req := Request{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hello"},
		},
		Temperature: 0.7,
		MaxTokens:   512,
	}

	params, opts := buildParams(req)
	if len(params.Messages) != 3 {
		t.Errorf("buildParams produced %d messages, want 3", len(params.Messages))
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", params.Model)
	}
	if len(opts) != 0 {
		t.Errorf("no API key should produce no request options, got %d", len(opts))
	}
}

func TestBuildParamsAPIKeyOverride(t *testing.T) {
	_, opts := buildParams(Request{Model: "m", APIKey: "sk-tenant"})
	if len(opts) != 1 {
		t.Errorf("API key override should produce 1 request option, got %d", len(opts))
	}
}
