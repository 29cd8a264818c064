package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sourceCols = `id, tenant_id, bot_profile_id, parent_id, name, description,
	source_type, status, config, content, document_count, chunk_count,
	error_message, refresh_schedule, last_refreshed_at, is_active,
	created_at, updated_at`

// MaxErrorMessageLen bounds the stored ingestion error message.
const MaxErrorMessageLen = 2000

// CreateSource inserts a source and fills in the generated fields.
// A parent source may not itself have a parent; nesting is one level.
func (s *Store) CreateSource(ctx context.Context, src *Source) error {
	if src.TenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}
	if src.BotProfileID == uuid.Nil {
		return fmt.Errorf("bot profile ID is required")
	}
	if src.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if !src.SourceType.Valid() {
		return fmt.Errorf("invalid source type: %q", src.SourceType)
	}
	if src.RefreshSchedule == "" {
		src.RefreshSchedule = RefreshNone
	}
	if !src.RefreshSchedule.Valid() {
		return fmt.Errorf("invalid refresh schedule: %q", src.RefreshSchedule)
	}
	if src.Config == "" {
		src.Config = "{}"
	}

	if src.ParentID != nil {
		var parentOfParent *uuid.UUID
		err := s.pool.QueryRow(ctx,
			`SELECT parent_id FROM sources
			 WHERE id = $1 AND tenant_id = $2 AND is_active = true`,
			*src.ParentID, src.TenantID,
		).Scan(&parentOfParent)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("parent source %s: %w", *src.ParentID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("checking parent source: %w", err)
		}
		if parentOfParent != nil {
			return fmt.Errorf("parent source %s already has a parent: %w", *src.ParentID, ErrConflict)
		}
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO sources
			(tenant_id, bot_profile_id, parent_id, name, description,
			 source_type, config, content, refresh_schedule)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, status, document_count, chunk_count, is_active, created_at, updated_at`,
		src.TenantID, src.BotProfileID, src.ParentID, src.Name, src.Description,
		src.SourceType, src.Config, src.Content, src.RefreshSchedule,
	).Scan(&src.ID, &src.Status, &src.DocumentCount, &src.ChunkCount,
		&src.IsActive, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating source: %w", err)
	}
	return nil
}

// GetSource returns an active source scoped by tenant, or ErrNotFound.
func (s *Store) GetSource(ctx context.Context, tenantID, id uuid.UUID) (*Source, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sourceCols+`
		 FROM sources
		 WHERE id = $1 AND tenant_id = $2 AND is_active = true`,
		id, tenantID,
	)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting source %s: %w", id, err)
	}
	return src, nil
}

// ListTopLevelSources returns all active sources without a parent,
// newest first.
func (s *Store) ListTopLevelSources(ctx context.Context, tenantID uuid.UUID) ([]*Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceCols+`
		 FROM sources
		 WHERE tenant_id = $1 AND parent_id IS NULL AND is_active = true
		 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// ListChildSources returns all active children of a source, oldest first.
func (s *Store) ListChildSources(ctx context.Context, tenantID, parentID uuid.UUID) ([]*Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceCols+`
		 FROM sources
		 WHERE tenant_id = $1 AND parent_id = $2 AND is_active = true
		 ORDER BY created_at ASC`,
		tenantID, parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing child sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// UpdateSourceParams holds the caller-editable fields of a source.
// Nil fields are left unchanged. Status, counters and refresh bookkeeping
// are owned by the ingestion worker and cannot be set here.
type UpdateSourceParams struct {
	Name            *string
	Description     *string
	Content         *string
	Config          *string
	RefreshSchedule *RefreshSchedule
}

// UpdateSource applies a partial update and returns the stored row.
func (s *Store) UpdateSource(ctx context.Context, tenantID, id uuid.UUID, params UpdateSourceParams) (*Source, error) {
	if params.RefreshSchedule != nil && !params.RefreshSchedule.Valid() {
		return nil, fmt.Errorf("invalid refresh schedule: %q", *params.RefreshSchedule)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE sources SET
			name = COALESCE($3, name),
			description = COALESCE($4, description),
			content = COALESCE($5, content),
			config = COALESCE($6, config),
			refresh_schedule = COALESCE($7, refresh_schedule),
			updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND is_active = true
		 RETURNING `+sourceCols,
		id, tenantID,
		params.Name, params.Description, params.Content, params.Config, params.RefreshSchedule,
	)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating source %s: %w", id, err)
	}
	return src, nil
}

// SoftDeleteSource deactivates a source and all of its children.
// Returns ErrNotFound if no active source matches.
func (s *Store) SoftDeleteSource(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET is_active = false, updated_at = now()
		 WHERE tenant_id = $1 AND (id = $2 OR parent_id = $2) AND is_active = true`,
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("deleting source %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSourceProcessing transitions a source to processing in its own
// committed statement, so the state is visible even if the ingestion
// run later fails. Returns ErrNotFound if no active source matches.
func (s *Store) MarkSourceProcessing(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET status = 'processing', error_message = NULL, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND is_active = true`,
		id, tenantID,
	)
	if err != nil {
		return fmt.Errorf("marking source %s processing: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSourceError transitions a source to error with a bounded message.
// Runs as its own statement so a failure can be recorded after any
// enclosing transaction has rolled back.
func (s *Store) MarkSourceError(ctx context.Context, tenantID, id uuid.UUID, message string) error {
	msg := truncateRunes(message, MaxErrorMessageLen)
	_, err := s.pool.Exec(ctx,
		`UPDATE sources SET status = 'error', error_message = $3, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, msg,
	)
	if err != nil {
		return fmt.Errorf("marking source %s error: %w", id, err)
	}
	return nil
}

// CompleteIngestionParams holds everything written when an ingestion
// run succeeds.
type CompleteIngestionParams struct {
	TenantID   uuid.UUID
	SourceID   uuid.UUID
	DocumentID uuid.UUID
	Chunks     []Chunk
}

// CompleteIngestion finalizes a successful run atomically: prior
// documents for the source are garbage-collected (their chunk rows
// cascade), the new chunk rows are inserted, the document's chunk count
// is set, and the source becomes ready with fresh counters.
func (s *Store) CompleteIngestion(ctx context.Context, params CompleteIngestionParams) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM documents
			 WHERE tenant_id = $1 AND source_id = $2 AND id <> $3`,
			params.TenantID, params.SourceID, params.DocumentID,
		); err != nil {
			return fmt.Errorf("removing superseded documents: %w", err)
		}

		for _, c := range params.Chunks {
			if _, err := tx.Exec(ctx,
				`INSERT INTO chunks
					(id, tenant_id, document_id, source_id, chunk_index, content, char_count, point_id)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				c.ID, params.TenantID, params.DocumentID, params.SourceID,
				c.ChunkIndex, c.Content, c.CharCount, c.PointID,
			); err != nil {
				return fmt.Errorf("inserting chunk %d: %w", c.ChunkIndex, err)
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE documents SET chunk_count = $3
			 WHERE id = $1 AND tenant_id = $2`,
			params.DocumentID, params.TenantID, len(params.Chunks),
		); err != nil {
			return fmt.Errorf("updating document chunk count: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE sources SET
				status = 'ready',
				document_count = 1,
				chunk_count = $3,
				error_message = NULL,
				last_refreshed_at = now(),
				updated_at = now()
			 WHERE id = $1 AND tenant_id = $2`,
			params.SourceID, params.TenantID, len(params.Chunks),
		)
		if err != nil {
			return fmt.Errorf("finalizing source: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("finalizing source %s: %w", params.SourceID, ErrNotFound)
		}
		return nil
	})
}

// ListRefreshableSources returns active sources with a refresh schedule
// that are not currently being processed, across all tenants.
func (s *Store) ListRefreshableSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sourceCols+`
		 FROM sources
		 WHERE refresh_schedule <> 'none'
		   AND status <> 'processing'
		   AND is_active = true
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing refreshable sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// RevertStuckProcessing moves sources that have been processing longer
// than timeout to error, so they become triggerable again after a
// worker crash. Returns the number of sources reverted.
func (s *Store) RevertStuckProcessing(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, fmt.Errorf("timeout must be positive")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sources SET
			status = 'error',
			error_message = 'processing timed out',
			updated_at = now()
		 WHERE status = 'processing'
		   AND updated_at < now() - make_interval(secs => $1::float8)`,
		timeout.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("reverting stuck sources: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanSource reads one Source from a row.
func scanSource(row pgx.Row) (*Source, error) {
	src := &Source{}
	err := row.Scan(
		&src.ID, &src.TenantID, &src.BotProfileID, &src.ParentID,
		&src.Name, &src.Description, &src.SourceType, &src.Status,
		&src.Config, &src.Content, &src.DocumentCount, &src.ChunkCount,
		&src.ErrorMessage, &src.RefreshSchedule, &src.LastRefreshedAt,
		&src.IsActive, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// scanSources reads Source structs from pgx.Rows (standard column set).
func scanSources(rows pgx.Rows) ([]*Source, error) {
	var sources []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sources: %w", err)
	}
	return sources, nil
}

// truncateRunes bounds s to max runes without splitting a character.
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
