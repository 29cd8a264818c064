package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/minirag/minirag/internal/llm"
	"github.com/minirag/minirag/internal/log"
	"github.com/minirag/minirag/internal/orchestrator"
	"github.com/minirag/minirag/internal/store"
)

// maxChatTitleLen caps auto-generated chat titles.
const maxChatTitleLen = 80

// sourcePreviewLen is how much chunk content is shown to clients.
const sourcePreviewLen = 200

// turnRunner is the orchestration capability the chat handler needs.
type turnRunner interface {
	RunTurn(ctx context.Context, turn orchestrator.Turn) (*orchestrator.ChatResponse, error)
	RunTurnStream(ctx context.Context, turn orchestrator.Turn) iter.Seq2[orchestrator.StreamItem, error]
}

// chatHandler serves the chat endpoints.
type chatHandler struct {
	store  *store.Store
	runner turnRunner
	logger log.Logger
}

type chatRequest struct {
	BotProfileID uuid.UUID  `json:"bot_profile_id"`
	ChatID       *uuid.UUID `json:"chat_id,omitempty"`
	Message      string     `json:"message"`
	Stream       bool       `json:"stream,omitempty"`
}

// sourceRef is the client rendering of one retrieved passage: a bounded
// preview instead of the full chunk, score rounded to four decimals.
type sourceRef struct {
	ChunkID  uuid.UUID `json:"chunk_id"`
	SourceID uuid.UUID `json:"source_id"`
	Preview  string    `json:"preview"`
	Score    float64   `json:"score"`
}

type usageView struct {
	PromptTokens       int64  `json:"prompt_tokens"`
	CompletionTokens   int64  `json:"completion_tokens"`
	TotalTokens        int64  `json:"total_tokens"`
	TimeToFirstTokenMS *int64 `json:"time_to_first_token_ms,omitempty"`
	StreamDurationMS   *int64 `json:"stream_duration_ms,omitempty"`
}

// handleChat handles POST /api/v1/chat, dispatching on the stream flag.
func (h *chatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), h.logger)
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required", h.logger)
		return
	}

	profile, err := h.store.GetBotProfile(r.Context(), tenantID, req.BotProfileID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "bot_profile_not_found", "bot profile not found", h.logger)
			return
		}
		h.logger.Error("loading bot profile", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	chat, history, ok := h.resolveChat(w, r, tenantID, profile, req)
	if !ok {
		return
	}

	turn := orchestrator.Turn{
		TenantID: tenantID,
		Bot: orchestrator.Bot{
			ID:           profile.ID,
			Model:        profile.Model,
			SystemPrompt: profile.SystemPrompt,
			Temperature:  profile.Temperature,
			MaxTokens:    profile.MaxTokens,
		},
		UserMessage: req.Message,
		History:     history,
	}

	if req.Stream {
		h.stream(w, r, chat, turn)
		return
	}
	h.complete(w, r, chat, turn)
}

// resolveChat loads an existing chat or starts one, plus its history
// mapped into model messages. Writes the error response on failure.
func (h *chatHandler) resolveChat(w http.ResponseWriter, r *http.Request, tenantID uuid.UUID, profile *store.BotProfile, req chatRequest) (*store.Chat, []llm.Message, bool) {
	if req.ChatID == nil {
		chat, err := h.store.CreateChat(r.Context(), tenantID, profile.ID, chatTitle(req.Message))
		if err != nil {
			h.logger.Error("creating chat", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
			return nil, nil, false
		}
		return chat, nil, true
	}

	chat, err := h.store.GetChat(r.Context(), tenantID, *req.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "chat not found", h.logger)
			return nil, nil, false
		}
		h.logger.Error("loading chat", "chat_id", *req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return nil, nil, false
	}
	if chat.BotProfileID != profile.ID {
		writeError(w, http.StatusBadRequest, "chat_profile_mismatch", "chat belongs to a different bot profile", h.logger)
		return nil, nil, false
	}

	messages, err := h.store.ListMessages(r.Context(), tenantID, chat.ID)
	if err != nil {
		h.logger.Error("loading chat history", "chat_id", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return nil, nil, false
	}

	history := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		if m.Role == store.RoleAssistant {
			role = llm.RoleAssistant
		}
		history = append(history, llm.Message{Role: role, Content: m.Content})
	}
	return chat, history, true
}

// complete answers a non-streaming turn.
func (h *chatHandler) complete(w http.ResponseWriter, r *http.Request, chat *store.Chat, turn orchestrator.Turn) {
	resp, err := h.runner.RunTurn(r.Context(), turn)
	if err != nil {
		h.logger.Error("chat turn failed", "chat_id", chat.ID, "error", err)
		writeError(w, http.StatusBadGateway, "completion_failed", "completing the chat turn failed", h.logger)
		return
	}

	messageID, err := h.persistTurn(r.Context(), chat, turn, resp, false)
	if err != nil {
		h.logger.Error("persisting chat turn", "chat_id", chat.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chat_id":    chat.ID,
		"message_id": messageID,
		"message":    resp.Content,
		"sources":    sourceRefs(resp.Retrieved),
		"usage":      usageOf(resp),
	}, h.logger)
}

// stream answers a turn over SSE. Event order mirrors the orchestrator:
// sources, deltas, then done. Any failure becomes a terminal error
// event; the connection itself stays 200.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request, chat *store.Chat, turn orchestrator.Turn) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var final *orchestrator.ChatResponse
	for item, err := range h.runner.RunTurnStream(r.Context(), turn) {
		if err != nil {
			writeEvent(w, flusher, "error", map[string]string{"detail": err.Error()}, h.logger)
			return
		}

		switch item.Kind {
		case orchestrator.ItemSources:
			writeEvent(w, flusher, "sources", map[string]any{
				"sources": sourceRefs(item.Sources),
			}, h.logger)
		case orchestrator.ItemDelta:
			writeEvent(w, flusher, "delta", map[string]string{"content": item.Delta}, h.logger)
		case orchestrator.ItemDone:
			final = item.Response
		}
	}
	if final == nil {
		// Consumer-side disconnect mid-stream; nothing to persist.
		return
	}

	// The client may be gone by now; persistence must still happen.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	messageID, err := h.persistTurn(ctx, chat, turn, final, true)
	if err != nil {
		h.logger.Error("persisting chat turn", "chat_id", chat.ID, "error", err)
		writeEvent(w, flusher, "error", map[string]string{"detail": "persisting the chat turn failed"}, h.logger)
		return
	}

	writeEvent(w, flusher, "done", map[string]any{
		"chat_id":    chat.ID,
		"message_id": messageID,
		"usage":      usageOf(final),
	}, h.logger)
}

// persistTurn stores the exchange and its usage event, returning the
// assistant message ID.
func (h *chatHandler) persistTurn(ctx context.Context, chat *store.Chat, turn orchestrator.Turn, resp *orchestrator.ChatResponse, isStream bool) (uuid.UUID, error) {
	contextChunks, err := json.Marshal(sourceRefs(resp.Retrieved))
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding context chunks: %w", err)
	}

	_, assistantMsgID, err := h.store.AppendTurn(ctx, store.AppendTurnParams{
		TenantID:         chat.TenantID,
		ChatID:           chat.ID,
		UserContent:      turn.UserMessage,
		AssistantContent: resp.Content,
		PromptTokens:     int(resp.PromptTokens),
		CompletionTokens: int(resp.CompletionTokens),
		ContextChunks:    string(contextChunks),
	})
	if err != nil {
		return uuid.Nil, err
	}

	event := &store.UsageEvent{
		TenantID:           chat.TenantID,
		ChatID:             &chat.ID,
		MessageID:          &assistantMsgID,
		BotProfileID:       &turn.Bot.ID,
		Model:              resp.Model,
		PromptTokens:       int(resp.PromptTokens),
		CompletionTokens:   int(resp.CompletionTokens),
		TotalTokens:        int(resp.TotalTokens),
		IsStream:           isStream,
		TimeToFirstTokenMS: resp.TimeToFirstTokenMS,
		StreamDurationMS:   resp.StreamDurationMS,
	}
	if err := h.store.InsertUsageEvent(ctx, event); err != nil {
		// The turn itself is saved; usage accounting failure is not
		// worth surfacing to the client.
		h.logger.Error("recording usage event", "chat_id", chat.ID, "error", err)
	}
	return assistantMsgID, nil
}

// listChats handles GET /api/v1/chats.
func (h *chatHandler) listChats(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	chats, err := h.store.ListChats(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("listing chats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	views := make([]map[string]any, 0, len(chats))
	for _, c := range chats {
		views = append(views, chatView(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": views}, h.logger)
}

// listMessages handles GET /api/v1/chats/{id}/messages.
func (h *chatHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_tenant", "tenant not resolved", h.logger)
		return
	}

	chatID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid chat id", h.logger)
		return
	}

	chat, err := h.store.GetChat(r.Context(), tenantID, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "chat not found", h.logger)
			return
		}
		h.logger.Error("loading chat", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	messages, err := h.store.ListMessages(r.Context(), tenantID, chatID)
	if err != nil {
		h.logger.Error("listing messages", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	views := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		views = append(views, map[string]any{
			"id":                m.ID,
			"role":              m.Role,
			"content":           m.Content,
			"prompt_tokens":     m.PromptTokens,
			"completion_tokens": m.CompletionTokens,
			"context_chunks":    json.RawMessage(m.ContextChunks),
			"created_at":        m.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"chat":     chatView(chat),
		"messages": views,
	}, h.logger)
}

func chatView(c *store.Chat) map[string]any {
	return map[string]any{
		"id":                      c.ID,
		"bot_profile_id":          c.BotProfileID,
		"title":                   c.Title,
		"message_count":           c.MessageCount,
		"total_prompt_tokens":     c.TotalPromptTokens,
		"total_completion_tokens": c.TotalCompletionTokens,
		"created_at":              c.CreatedAt,
		"updated_at":              c.UpdatedAt,
	}
}

// writeEvent writes one SSE event and flushes it to the client.
func writeEvent[T any](w http.ResponseWriter, flusher http.Flusher, event string, data T, logger log.Logger) {
	payload, err := json.Marshal(data)
	if err != nil {
		logger.Error("encoding SSE event", "event", event, "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		logger.Debug("writing SSE event", "event", event, "error", err)
		return
	}
	flusher.Flush()
}

func sourceRefs(retrieved []orchestrator.RetrievedChunk) []sourceRef {
	refs := make([]sourceRef, len(retrieved))
	for i, c := range retrieved {
		refs[i] = sourceRef{
			ChunkID:  c.ChunkID,
			SourceID: c.SourceID,
			Preview:  truncateRunes(c.Content, sourcePreviewLen),
			Score:    math.Round(c.Score*10000) / 10000,
		}
	}
	return refs
}

func usageOf(resp *orchestrator.ChatResponse) usageView {
	return usageView{
		PromptTokens:       resp.PromptTokens,
		CompletionTokens:   resp.CompletionTokens,
		TotalTokens:        resp.TotalTokens,
		TimeToFirstTokenMS: resp.TimeToFirstTokenMS,
		StreamDurationMS:   resp.StreamDurationMS,
	}
}

// chatTitle derives a title from the first message.
func chatTitle(message string) string {
	return truncateRunes(message, maxChatTitleLen)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
