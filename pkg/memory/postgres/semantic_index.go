package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/lectern/pkg/memory"
)

// SemanticIndex is backed by the chunks table with a pgvector HNSW index for
// approximate nearest-neighbour search under cosine distance.
//
// Obtain one via [Store.Index] rather than constructing directly.
type SemanticIndex struct {
	pool *pgxpool.Pool
}

// UpsertChunks implements [memory.SemanticIndex]. All rows of one call are
// written in a single transaction; rows whose ID already exists are replaced.
func (s *SemanticIndex) UpsertChunks(ctx context.Context, chunks []memory.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return []string{}, nil
	}

	const q = `
		INSERT INTO chunks
		    (id, scope_id, scope_type, source_id, title, seq, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO UPDATE SET
		    scope_id    = EXCLUDED.scope_id,
		    scope_type  = EXCLUDED.scope_type,
		    source_id   = EXCLUDED.source_id,
		    title       = EXCLUDED.title,
		    seq         = EXCLUDED.seq,
		    content     = EXCLUDED.content,
		    embedding   = EXCLUDED.embedding,
		    updated_at  = now()`

	batch := &pgx.Batch{}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return nil, fmt.Errorf("semantic index: upsert: chunk %d has no id", i)
		}
		ids[i] = c.ID
		batch.Queue(q,
			c.ID,
			c.ScopeID,
			string(c.ScopeType),
			c.SourceID,
			c.Title,
			c.Seq,
			c.Text,
			pgvector.NewVector(c.Embedding),
		)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		return br.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: upsert: %w", err)
	}
	return ids, nil
}

// Search implements [memory.SemanticIndex]. Score is 1 - cosine distance,
// clamped to [0,1]. Rows with equal distance come back in (source_id, seq)
// order so results are deterministic.
func (s *SemanticIndex) Search(ctx context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ScopeID != "" {
		conditions = append(conditions, "scope_id = "+next(filter.ScopeID))
	}
	if filter.ScopeType != "" {
		conditions = append(conditions, "scope_type = "+next(string(filter.ScopeType)))
	}
	if filter.SourceID != "" {
		conditions = append(conditions, "source_id = "+next(filter.SourceID))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, scope_id, scope_type, source_id, title, seq, content,
		       GREATEST(0, LEAST(1, 1 - (embedding <=> $1))) AS score
		FROM   chunks
		%s
		ORDER  BY embedding <=> $1, source_id, seq
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.ChunkResult, error) {
		var (
			cr        memory.ChunkResult
			scopeType string
		)
		if err := row.Scan(
			&cr.Chunk.ID,
			&cr.Chunk.ScopeID,
			&scopeType,
			&cr.Chunk.SourceID,
			&cr.Chunk.Title,
			&cr.Chunk.Seq,
			&cr.Chunk.Text,
			&cr.Score,
		); err != nil {
			return memory.ChunkResult{}, err
		}
		cr.Chunk.ScopeType = memory.ScopeType(scopeType)
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if results == nil {
		results = []memory.ChunkResult{}
	}
	return results, nil
}
