package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// InsertDocument stores the extracted text of one ingestion run and
// fills in the generated fields.
func (s *Store) InsertDocument(ctx context.Context, d *Document) error {
	if d.TenantID == uuid.Nil {
		return fmt.Errorf("tenant ID is required")
	}
	if d.SourceID == uuid.Nil {
		return fmt.Errorf("source ID is required")
	}

	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (tenant_id, source_id, title, raw_content, char_count)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		d.TenantID, d.SourceID, d.Title, d.RawContent, d.CharCount,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

// GetDocument returns a document scoped by tenant, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, tenantID, id uuid.UUID) (*Document, error) {
	d := &Document{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, source_id, title, raw_content, char_count, chunk_count, created_at
		 FROM documents
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	).Scan(&d.ID, &d.TenantID, &d.SourceID, &d.Title, &d.RawContent,
		&d.CharCount, &d.ChunkCount, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting document %s: %w", id, err)
	}
	return d, nil
}

// ListDocumentsBySource returns the documents of one source, newest first.
func (s *Store) ListDocumentsBySource(ctx context.Context, tenantID, sourceID uuid.UUID) ([]*Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, source_id, title, raw_content, char_count, chunk_count, created_at
		 FROM documents
		 WHERE tenant_id = $1 AND source_id = $2
		 ORDER BY created_at DESC`,
		tenantID, sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d := &Document{}
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SourceID, &d.Title, &d.RawContent,
			&d.CharCount, &d.ChunkCount, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// ListChunksBySource returns the chunk rows of one source in index order.
func (s *Store) ListChunksBySource(ctx context.Context, tenantID, sourceID uuid.UUID) ([]*Chunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, document_id, source_id, chunk_index, content, char_count, point_id, created_at
		 FROM chunks
		 WHERE tenant_id = $1 AND source_id = $2
		 ORDER BY chunk_index ASC`,
		tenantID, sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c := &Chunk{}
		if err := rows.Scan(&c.ID, &c.TenantID, &c.DocumentID, &c.SourceID,
			&c.ChunkIndex, &c.Content, &c.CharCount, &c.PointID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}
	return chunks, nil
}
