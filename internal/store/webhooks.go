package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateWebhook registers a notification endpoint for a tenant.
// Events is a JSON array of event names; empty subscribes to all.
func (s *Store) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.TenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}
	if w.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if w.Events == "" {
		w.Events = "[]"
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO webhooks (tenant_id, url, secret, events)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, is_active, created_at`,
		w.TenantID, w.URL, w.Secret, w.Events,
	).Scan(&w.ID, &w.IsActive, &w.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating webhook: %w", err)
	}
	return nil
}

// ListActiveWebhooks returns all active endpoints for a tenant.
func (s *Store) ListActiveWebhooks(ctx context.Context, tenantID uuid.UUID) ([]*Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, url, secret, events, is_active, created_at
		 FROM webhooks
		 WHERE tenant_id = $1 AND is_active = true
		 ORDER BY created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks: %w", err)
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		if err := rows.Scan(&w.ID, &w.TenantID, &w.URL, &w.Secret,
			&w.Events, &w.IsActive, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning webhook: %w", err)
		}
		hooks = append(hooks, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating webhooks: %w", err)
	}
	return hooks, nil
}
