// Package postgres provides PostgreSQL-backed implementations of the Lectern
// storage ports: transcript segment log, pgvector semantic index,
// conversation store and course document store.
//
// All adapters share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Segments().AppendSegment(ctx, lectureID, seg)
//	ids, _ := store.Index().UpsertChunks(ctx, chunks)
//	turnID, _ := store.Conversations().InsertTurn(ctx, scope, memory.RoleUser, "hi")
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Transcript segment log
// ─────────────────────────────────────────────────────────────────────────────

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    seq           BIGSERIAL         PRIMARY KEY,
    lecture_id    TEXT              NOT NULL,
    start_offset  DOUBLE PRECISION  NOT NULL,
    text          TEXT              NOT NULL,
    created_at    TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_lecture
    ON transcript_segments (lecture_id, seq);
`

// ─────────────────────────────────────────────────────────────────────────────
// Conversations and documents
// ─────────────────────────────────────────────────────────────────────────────

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    scope_id    TEXT         NOT NULL,
    scope_type  TEXT         NOT NULL,
    role        TEXT         NOT NULL CHECK (role IN ('user', 'assistant')),
    content     TEXT         NOT NULL,
    incomplete  BOOLEAN      NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp()
);

ALTER TABLE conversation_turns
    ADD COLUMN IF NOT EXISTS scope_type TEXT NOT NULL DEFAULT '';

DROP INDEX IF EXISTS idx_conversation_turns_scope;
CREATE INDEX IF NOT EXISTS idx_conversation_turns_scope_type
    ON conversation_turns (scope_id, scope_type, seq);
`

const ddlDocuments = `
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT         PRIMARY KEY,
    scope_id    TEXT         NOT NULL,
    scope_type  TEXT         NOT NULL,
    title       TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT clock_timestamp()
);

CREATE INDEX IF NOT EXISTS idx_documents_scope
    ON documents (scope_type, scope_id, created_at);
`

// ddlChunks returns the semantic index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS chunks (
    id          TEXT         PRIMARY KEY,
    scope_id    TEXT         NOT NULL,
    scope_type  TEXT         NOT NULL,
    source_id   TEXT         NOT NULL,
    title       TEXT         NOT NULL DEFAULT '',
    seq         INTEGER      NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chunks_scope
    ON chunks (scope_type, scope_id);

CREATE INDEX IF NOT EXISTS idx_chunks_source
    ON chunks (source_id, seq);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment. Changing it after the first migration requires a manual schema
// update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	statements := []string{
		ddlSegments,
		ddlChunks(embeddingDimensions),
		ddlConversations,
		ddlDocuments,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
