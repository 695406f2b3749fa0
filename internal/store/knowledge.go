package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// UpsertChunk stores a knowledge chunk and its embedding. Re-indexing the
// same (source_type, source_id, order_index) produces a fresh chunk ID, so
// callers that re-ingest a document should delete its chunks first via
// [Store.DeleteChunksBySource].
func (s *Store) UpsertChunk(ctx context.Context, c *KnowledgeChunk, embedding []float32) error {
	if c.Content == "" {
		return errors.New("store: upsert chunk: content must not be empty")
	}
	if len(embedding) == 0 {
		return errors.New("store: upsert chunk: embedding must not be empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.SourceType == "" {
		c.SourceType = "doc"
	}
	if c.Language == "" {
		c.Language = "en"
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO knowledge_chunks (id, source_type, source_id, content,
		                              order_index, language, event_ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content,
		                               event_ts = EXCLUDED.event_ts
		RETURNING created_at`,
		c.ID, c.SourceType, c.SourceID, c.Content, c.OrderIndex, c.Language, c.EventTS,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: upsert chunk: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO knowledge_embeddings (chunk_id, embedding)
		VALUES ($1, $2)
		ON CONFLICT (chunk_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		c.ID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("store: upsert embedding for chunk %q: %w", c.ID, err)
	}
	return nil
}

// DeleteChunksBySource removes every chunk (and, via cascade, embedding) for
// a source. Returns the number of chunks removed.
func (s *Store) DeleteChunksBySource(ctx context.Context, sourceType, sourceID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM knowledge_chunks
		WHERE source_type = $1 AND source_id = $2`,
		sourceType, sourceID)
	if err != nil {
		return 0, fmt.Errorf("store: delete chunks for %s/%s: %w", sourceType, sourceID, err)
	}
	return tag.RowsAffected(), nil
}

// ChunkSearch configures a vector search over the knowledge base.
type ChunkSearch struct {
	// Embedding is the query vector. Required.
	Embedding []float32

	// Limit caps the number of hits. Defaults to 8.
	Limit int

	// SourceType restricts hits to "doc" or "event" chunks when non-empty.
	SourceType string

	// EventsNotAfter excludes event chunks whose event_ts lies after the
	// given broadcast instant, keeping scripts from referencing fictional
	// events that have not happened yet. Zero disables the filter.
	EventsNotAfter time.Time
}

// SearchChunks runs a cosine nearest-neighbour search and returns hits with
// their distance (0 = identical, 2 = opposite).
func (s *Store) SearchChunks(ctx context.Context, q ChunkSearch) ([]ChunkResult, error) {
	if len(q.Embedding) == 0 {
		return nil, errors.New("store: search chunks: embedding must not be empty")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 8
	}

	query := `
		SELECT c.id, c.source_type, c.source_id, c.content, c.order_index,
		       c.language, c.event_ts, c.created_at,
		       e.embedding <=> $1 AS distance
		FROM knowledge_embeddings e
		JOIN knowledge_chunks c ON c.id = e.chunk_id
		WHERE 1=1`
	args := []any{pgvector.NewVector(q.Embedding)}

	if q.SourceType != "" {
		args = append(args, q.SourceType)
		query += fmt.Sprintf(" AND c.source_type = $%d", len(args))
	}
	if !q.EventsNotAfter.IsZero() {
		args = append(args, q.EventsNotAfter)
		query += fmt.Sprintf(" AND (c.event_ts IS NULL OR c.event_ts <= $%d)", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search chunks: %w", err)
	}
	defer rows.Close()

	var out []ChunkResult
	for rows.Next() {
		var r ChunkResult
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.SourceType, &r.Chunk.SourceID,
			&r.Chunk.Content, &r.Chunk.OrderIndex, &r.Chunk.Language,
			&r.Chunk.EventTS, &r.Chunk.CreatedAt, &r.Distance); err != nil {
			return nil, fmt.Errorf("store: scan chunk hit: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate chunk hits: %w", err)
	}
	return out, nil
}

// GetChunk retrieves a chunk by ID. Returns (nil, nil) when it does not
// exist.
func (s *Store) GetChunk(ctx context.Context, id string) (*KnowledgeChunk, error) {
	var c KnowledgeChunk
	err := s.db.QueryRow(ctx, `
		SELECT id, source_type, source_id, content, order_index, language,
		       event_ts, created_at
		FROM knowledge_chunks WHERE id = $1`, id,
	).Scan(&c.ID, &c.SourceType, &c.SourceID, &c.Content, &c.OrderIndex,
		&c.Language, &c.EventTS, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get chunk %q: %w", id, err)
	}
	return &c, nil
}
