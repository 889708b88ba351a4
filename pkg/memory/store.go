// Package memory defines the storage ports used by the Lectern retrieval engine.
//
// The engine never talks to a database directly. Every collaborator is one of
// the interfaces below, injected at construction time:
//
//   - [SegmentStore]: append-only log of live transcript segments per lecture.
//   - [SemanticIndex]: vector store for embedding-based similarity search over
//     chunked lecture and course content.
//   - [ConversationStore]: the per-scope chat history.
//   - [DocumentStore]: course corpus documents used for full-text inclusion.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, in-memory, …) without depending on
// lectern internals.
//
// Every implementation must be safe for concurrent use.
package memory

import "context"

// SegmentStore persists transcript segments so a lecture's segmenter can be
// rebuilt after a restart.
type SegmentStore interface {
	// AppendSegment appends seg to the log of lectureID. Ordering is validated
	// by the caller; the store keeps arrival order.
	AppendSegment(ctx context.Context, lectureID string, seg Segment) error

	// ListSegments returns all segments of lectureID in arrival order.
	// Returns an empty (non-nil) slice when none exist.
	ListSegments(ctx context.Context, lectureID string) ([]Segment, error)
}

// SemanticIndex is a vector store for embedding-based similarity search.
//
// Callers are responsible for producing embeddings before calling
// UpsertChunks or Search.
type SemanticIndex interface {
	// UpsertChunks stores pre-embedded chunks. A chunk whose ID already exists
	// is replaced. The write of one call is atomic per row only; no
	// cross-call transaction is implied. Returns the stored IDs in input order.
	UpsertChunks(ctx context.Context, chunks []Chunk) ([]string, error)

	// Search finds the topK chunks most similar to embedding, filtered by
	// filter. Results are ordered by descending Score.
	// Returns an empty (non-nil) slice when no chunks match.
	Search(ctx context.Context, embedding []float32, topK int, filter ChunkFilter) ([]ChunkResult, error)
}

// ConversationStore persists chat turns.
type ConversationStore interface {
	// InsertTurn creates a new turn in scope and returns its ID. CreatedAt is
	// assigned by the store and is strictly increasing per scope. A lecture
	// and a course sharing an ID have separate histories.
	InsertTurn(ctx context.Context, scope Scope, role Role, content string, opts ...TurnOption) (string, error)

	// ListTurns returns all turns of scope ordered by creation.
	// Returns an empty (non-nil) slice when none exist.
	ListTurns(ctx context.Context, scope Scope) ([]Turn, error)
}

// DocumentStore holds course corpus documents.
type DocumentStore interface {
	// PutDocument inserts or replaces doc (keyed by ID).
	PutDocument(ctx context.Context, doc Document) error

	// ListDocuments returns the documents of a scope ordered by creation.
	ListDocuments(ctx context.Context, scope Scope) ([]Document, error)
}
