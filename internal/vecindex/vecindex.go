// Package vecindex is the vector index gateway backed by PostgreSQL and
// pgvector. All chunk vectors live in one shared table; tenant and bot
// profile columns on every row are the multi-tenancy boundary, and both
// are mandatory parameters on every read and delete.
package vecindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/minirag/minirag/internal/log"
)

// Payload is the metadata stored alongside every vector. All fields are
// written on every upsert; TenantID and BotProfileID make isolation
// filters possible, SourceID makes per-source replacement possible, and
// Content lets search results render without a relational join.
type Payload struct {
	TenantID     uuid.UUID
	SourceID     uuid.UUID
	BotProfileID uuid.UUID
	DocumentID   uuid.UUID
	ChunkIndex   int
	Content      string
}

// Point is one vector plus payload, identified by a stable ID so that
// repeated upserts of the same chunk replace rather than duplicate.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload Payload
}

// Result is a single search hit.
type Result struct {
	ID      uuid.UUID
	Score   float64
	Payload Payload
}

// Index provides vector storage and similarity search.
//
// Index is safe for concurrent use by multiple goroutines.
type Index struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New creates an Index.
func New(pool *pgxpool.Pool, logger log.Logger) (*Index, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Index{pool: pool, logger: logger}, nil
}

// EnsureCollection creates the vector table and its indexes if they do
// not exist. dimensions fixes the vector width at first creation;
// subsequent calls with the same width are no-ops.
func (ix *Index) EnsureCollection(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
			id uuid PRIMARY KEY,
			tenant_id uuid NOT NULL,
			source_id uuid NOT NULL,
			bot_profile_id uuid NOT NULL,
			document_id uuid NOT NULL,
			chunk_index int NOT NULL,
			content text NOT NULL,
			embedding vector(%d) NOT NULL
		)`, dimensions),
		`CREATE INDEX IF NOT EXISTS chunk_vectors_embedding_idx
			ON chunk_vectors USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS chunk_vectors_tenant_source_idx
			ON chunk_vectors (tenant_id, source_id)`,
		`CREATE INDEX IF NOT EXISTS chunk_vectors_tenant_bot_idx
			ON chunk_vectors (tenant_id, bot_profile_id)`,
	}

	for _, stmt := range stmts {
		if _, err := ix.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring vector collection: %w", err)
		}
	}

	ix.logger.Debug("vector collection ready", "dimensions", dimensions)
	return nil
}

const upsertPointSQL = `INSERT INTO chunk_vectors
	(id, tenant_id, source_id, bot_profile_id, document_id, chunk_index, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		tenant_id = EXCLUDED.tenant_id,
		source_id = EXCLUDED.source_id,
		bot_profile_id = EXCLUDED.bot_profile_id,
		document_id = EXCLUDED.document_id,
		chunk_index = EXCLUDED.chunk_index,
		content = EXCLUDED.content,
		embedding = EXCLUDED.embedding`

// Upsert writes points, replacing any existing point with the same ID.
// All points are written in a single transaction.
func (ix *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := ix.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, p := range points {
		if _, err := tx.Exec(ctx, upsertPointSQL,
			p.ID,
			p.Payload.TenantID,
			p.Payload.SourceID,
			p.Payload.BotProfileID,
			p.Payload.DocumentID,
			p.Payload.ChunkIndex,
			p.Payload.Content,
			pgvector.NewVector(p.Vector),
		); err != nil {
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing upsert of %d points: %w", len(points), err)
	}
	return nil
}

// Search returns the points nearest to vector by cosine similarity,
// restricted to one tenant and one bot profile. Both identifiers are
// required; similarity search never crosses either boundary. Results
// below scoreThreshold are dropped; results are ordered by descending
// score.
func (ix *Index) Search(ctx context.Context, vector []float32, tenantID, botProfileID uuid.UUID, limit int, scoreThreshold float64) ([]Result, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("tenant ID is required")
	}
	if botProfileID == uuid.Nil {
		return nil, fmt.Errorf("bot profile ID is required")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := ix.pool.Query(ctx,
		`SELECT id, tenant_id, source_id, bot_profile_id, document_id, chunk_index, content,
		        1 - (embedding <=> $1) AS score
		 FROM chunk_vectors
		 WHERE tenant_id = $2 AND bot_profile_id = $3
		   AND 1 - (embedding <=> $1) >= $4
		 ORDER BY embedding <=> $1
		 LIMIT $5`,
		pgvector.NewVector(vector), tenantID, botProfileID, scoreThreshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("searching vectors: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(
			&r.ID,
			&r.Payload.TenantID,
			&r.Payload.SourceID,
			&r.Payload.BotProfileID,
			&r.Payload.DocumentID,
			&r.Payload.ChunkIndex,
			&r.Payload.Content,
			&r.Score,
		); err != nil {
			return nil, fmt.Errorf("scanning search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search results: %w", err)
	}

	return results, nil
}

// DeleteBySource removes all points for one source within one tenant.
// Both identifiers are required so a delete can never reach across a
// tenant boundary. Deleting a source with no points is not an error.
func (ix *Index) DeleteBySource(ctx context.Context, tenantID, sourceID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}
	if sourceID == uuid.Nil {
		return fmt.Errorf("source ID is required")
	}

	tag, err := ix.pool.Exec(ctx,
		`DELETE FROM chunk_vectors WHERE tenant_id = $1 AND source_id = $2`,
		tenantID, sourceID,
	)
	if err != nil {
		return fmt.Errorf("deleting vectors for source %s: %w", sourceID, err)
	}

	ix.logger.Debug("deleted source vectors",
		"tenant_id", tenantID, "source_id", sourceID, "deleted", tag.RowsAffected())
	return nil
}

// Count returns the number of points stored for a tenant. Used by
// readiness checks and tests.
func (ix *Index) Count(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := ix.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunk_vectors WHERE tenant_id = $1`, tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return count, nil
}
