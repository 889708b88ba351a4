package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.SegmentStore      = (*SegmentLog)(nil)
	_ memory.SemanticIndex     = (*SemanticIndex)(nil)
	_ memory.ConversationStore = (*ConversationStore)(nil)
	_ memory.DocumentStore     = (*DocumentStore)(nil)
)

// Store is the central PostgreSQL-backed store for Lectern. It holds a single
// [pgxpool.Pool] and hands out one adapter per storage port.
//
// All operations are safe for concurrent use.
type Store struct {
	pool          *pgxpool.Pool
	segments      *SegmentLog
	index         *SemanticIndex
	conversations *ConversationStore
	documents     *DocumentStore
}

// NewStore creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	pool, err := Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{
		pool:          pool,
		segments:      &SegmentLog{pool: pool},
		index:         &SemanticIndex{pool: pool},
		conversations: &ConversationStore{pool: pool},
		documents:     &DocumentStore{pool: pool},
	}, nil
}

// Connect opens and pings a pool with pgvector types registered on every
// connection. It does not migrate.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	return pool, nil
}

// Segments returns the transcript segment log.
func (s *Store) Segments() *SegmentLog { return s.segments }

// Index returns the pgvector semantic index.
func (s *Store) Index() *SemanticIndex { return s.index }

// Conversations returns the conversation store.
func (s *Store) Conversations() *ConversationStore { return s.conversations }

// Documents returns the course document store.
func (s *Store) Documents() *DocumentStore { return s.documents }

// Ping checks connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
