package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const chatCols = `id, tenant_id, bot_profile_id, title, message_count,
	total_prompt_tokens, total_completion_tokens, created_at, updated_at`

// CreateChat starts a conversation with a bot profile.
func (s *Store) CreateChat(ctx context.Context, tenantID, botProfileID uuid.UUID, title string) (*Chat, error) {
	c := &Chat{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chats (tenant_id, bot_profile_id, title)
		 VALUES ($1, $2, $3)
		 RETURNING `+chatCols,
		tenantID, botProfileID, title,
	).Scan(&c.ID, &c.TenantID, &c.BotProfileID, &c.Title, &c.MessageCount,
		&c.TotalPromptTokens, &c.TotalCompletionTokens, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}
	return c, nil
}

// GetChat returns a chat scoped by tenant, or ErrNotFound.
func (s *Store) GetChat(ctx context.Context, tenantID, id uuid.UUID) (*Chat, error) {
	c := &Chat{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+chatCols+` FROM chats WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&c.ID, &c.TenantID, &c.BotProfileID, &c.Title, &c.MessageCount,
		&c.TotalPromptTokens, &c.TotalCompletionTokens, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting chat %s: %w", id, err)
	}
	return c, nil
}

// ListChats returns all chats for a tenant, most recently active first.
func (s *Store) ListChats(ctx context.Context, tenantID uuid.UUID) ([]*Chat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+chatCols+`
		 FROM chats
		 WHERE tenant_id = $1
		 ORDER BY updated_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c := &Chat{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.BotProfileID, &c.Title, &c.MessageCount,
			&c.TotalPromptTokens, &c.TotalCompletionTokens, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chats: %w", err)
	}
	return chats, nil
}

// ListMessages returns all messages of a chat, oldest first. Returns
// ErrNotFound when the chat does not belong to the tenant.
func (s *Store) ListMessages(ctx context.Context, tenantID, chatID uuid.UUID) ([]*Message, error) {
	if _, err := s.GetChat(ctx, tenantID, chatID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, chat_id, role, content, prompt_tokens,
		        completion_tokens, context_chunks, created_at
		 FROM messages
		 WHERE tenant_id = $1 AND chat_id = $2
		 ORDER BY created_at ASC`,
		tenantID, chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ChatID, &m.Role, &m.Content,
			&m.PromptTokens, &m.CompletionTokens, &m.ContextChunks, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// AppendTurnParams holds one completed user/assistant exchange.
type AppendTurnParams struct {
	TenantID         uuid.UUID
	ChatID           uuid.UUID
	UserContent      string
	AssistantContent string
	PromptTokens     int
	CompletionTokens int
	ContextChunks    string
}

// AppendTurn persists one exchange atomically: the user message, the
// assistant message with token counts and retrieved context, and the
// chat's running counters. Returns both message IDs.
func (s *Store) AppendTurn(ctx context.Context, params AppendTurnParams) (userMsgID, assistantMsgID uuid.UUID, err error) {
	if params.ContextChunks == "" {
		params.ContextChunks = "[]"
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (tenant_id, chat_id, role, content)
			 VALUES ($1, $2, 'user', $3)
			 RETURNING id`,
			params.TenantID, params.ChatID, params.UserContent,
		).Scan(&userMsgID); err != nil {
			return fmt.Errorf("inserting user message: %w", err)
		}

		if err := tx.QueryRow(ctx,
			`INSERT INTO messages
				(tenant_id, chat_id, role, content, prompt_tokens, completion_tokens, context_chunks)
			 VALUES ($1, $2, 'assistant', $3, $4, $5, $6)
			 RETURNING id`,
			params.TenantID, params.ChatID, params.AssistantContent,
			params.PromptTokens, params.CompletionTokens, params.ContextChunks,
		).Scan(&assistantMsgID); err != nil {
			return fmt.Errorf("inserting assistant message: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE chats SET
				message_count = message_count + 2,
				total_prompt_tokens = total_prompt_tokens + $3,
				total_completion_tokens = total_completion_tokens + $4,
				updated_at = now()
			 WHERE id = $1 AND tenant_id = $2`,
			params.ChatID, params.TenantID, params.PromptTokens, params.CompletionTokens,
		)
		if err != nil {
			return fmt.Errorf("updating chat counters: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("chat %s: %w", params.ChatID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return userMsgID, assistantMsgID, nil
}

// InsertUsageEvent records token consumption for one turn.
func (s *Store) InsertUsageEvent(ctx context.Context, e *UsageEvent) error {
	if e.TenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_events
			(tenant_id, chat_id, message_id, bot_profile_id, model,
			 prompt_tokens, completion_tokens, total_tokens, is_stream,
			 time_to_first_token_ms, stream_duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		e.TenantID, e.ChatID, e.MessageID, e.BotProfileID, e.Model,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.IsStream,
		e.TimeToFirstTokenMS, e.StreamDurationMS,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting usage event: %w", err)
	}
	return nil
}
