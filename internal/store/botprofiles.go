package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const botProfileCols = `id, tenant_id, name, model, system_prompt,
	temperature, max_tokens, is_active, created_at, updated_at`

// CreateBotProfile inserts a profile and fills in the generated fields.
func (s *Store) CreateBotProfile(ctx context.Context, p *BotProfile) error {
	if p.TenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO bot_profiles (tenant_id, name, model, system_prompt, temperature, max_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, is_active, created_at, updated_at`,
		p.TenantID, p.Name, p.Model, p.SystemPrompt, p.Temperature, p.MaxTokens,
	).Scan(&p.ID, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating bot profile: %w", err)
	}
	return nil
}

// GetBotProfile returns an active profile scoped by tenant, or ErrNotFound.
func (s *Store) GetBotProfile(ctx context.Context, tenantID, id uuid.UUID) (*BotProfile, error) {
	p := &BotProfile{}
	err := s.pool.QueryRow(ctx,
		`SELECT `+botProfileCols+`
		 FROM bot_profiles
		 WHERE id = $1 AND tenant_id = $2 AND is_active = true`,
		id, tenantID,
	).Scan(&p.ID, &p.TenantID, &p.Name, &p.Model, &p.SystemPrompt,
		&p.Temperature, &p.MaxTokens, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting bot profile %s: %w", id, err)
	}
	return p, nil
}

// ListBotProfiles returns all active profiles for a tenant, newest first.
func (s *Store) ListBotProfiles(ctx context.Context, tenantID uuid.UUID) ([]*BotProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+botProfileCols+`
		 FROM bot_profiles
		 WHERE tenant_id = $1 AND is_active = true
		 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bot profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*BotProfile
	for rows.Next() {
		p := &BotProfile{}
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Model, &p.SystemPrompt,
			&p.Temperature, &p.MaxTokens, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning bot profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bot profiles: %w", err)
	}
	return profiles, nil
}

// UpdateBotProfileParams holds the optional fields of a profile update.
// Nil fields are left unchanged.
type UpdateBotProfileParams struct {
	Name         *string
	Model        *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
}

// UpdateBotProfile applies a partial update and returns the stored row.
func (s *Store) UpdateBotProfile(ctx context.Context, tenantID, id uuid.UUID, params UpdateBotProfileParams) (*BotProfile, error) {
	p := &BotProfile{}
	err := s.pool.QueryRow(ctx,
		`UPDATE bot_profiles SET
			name = COALESCE($3, name),
			model = COALESCE($4, model),
			system_prompt = COALESCE($5, system_prompt),
			temperature = COALESCE($6, temperature),
			max_tokens = COALESCE($7, max_tokens),
			updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND is_active = true
		 RETURNING `+botProfileCols,
		id, tenantID,
		params.Name, params.Model, params.SystemPrompt, params.Temperature, params.MaxTokens,
	).Scan(&p.ID, &p.TenantID, &p.Name, &p.Model, &p.SystemPrompt,
		&p.Temperature, &p.MaxTokens, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating bot profile %s: %w", id, err)
	}
	return p, nil
}

// DeleteBotProfile soft-deletes a profile. Returns ErrNotFound if no
// active profile matches.
func (s *Store) DeleteBotProfile(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bot_profiles SET is_active = false, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND is_active = true`,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("deleting bot profile %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
