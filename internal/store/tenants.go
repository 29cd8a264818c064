package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateTenant inserts a tenant and returns the stored row.
func (s *Store) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	if name == "" {
		return nil, fmt.Errorf("tenant name is required")
	}

	t := &Tenant{}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tenants (name) VALUES ($1)
		 RETURNING id, name, created_at, updated_at`,
		name,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// GetTenant returns a tenant by ID, or ErrNotFound.
func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	t := &Tenant{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM tenants WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant %s: %w", id, err)
	}
	return t, nil
}

// CreateAPIToken stores a token hash for a tenant. The caller hashes
// the plaintext token; only the hash ever reaches the database.
func (s *Store) CreateAPIToken(ctx context.Context, tenantID uuid.UUID, tokenHash, name string) error {
	if tokenHash == "" {
		return fmt.Errorf("token hash is required")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_tokens (tenant_id, token_hash, name) VALUES ($1, $2, $3)`,
		tenantID, tokenHash, name,
	)
	if err != nil {
		return fmt.Errorf("creating API token: %w", err)
	}
	return nil
}

// TenantIDForToken resolves a token hash to its tenant, or ErrNotFound.
func (s *Store) TenantIDForToken(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var tenantID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id FROM api_tokens WHERE token_hash = $1`,
		tokenHash,
	).Scan(&tenantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving API token: %w", err)
	}
	return tenantID, nil
}
