package memory

import (
	"fmt"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Scopes
// ─────────────────────────────────────────────────────────────────────────────

// ScopeType distinguishes the two units of conversation isolation.
type ScopeType string

const (
	// ScopeLecture is a single lecture with a (possibly live) transcript.
	ScopeLecture ScopeType = "lecture"

	// ScopeCourse aggregates the documents and finished lectures of a course.
	ScopeCourse ScopeType = "course"
)

// ParseScopeType converts s (case-insensitive) into a ScopeType.
func ParseScopeType(s string) (ScopeType, error) {
	switch ScopeType(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeLecture:
		return ScopeLecture, nil
	case ScopeCourse:
		return ScopeCourse, nil
	default:
		return "", fmt.Errorf("memory: unknown scope type %q", s)
	}
}

// Scope identifies one conversation: a lecture or a course.
type Scope struct {
	ID   string
	Type ScopeType
}

// Key returns a stable string key ("lecture:abc") for maps and locks.
func (s Scope) Key() string {
	return string(s.Type) + ":" + s.ID
}

// String implements fmt.Stringer.
func (s Scope) String() string { return s.Key() }

// ─────────────────────────────────────────────────────────────────────────────
// Transcript segments
// ─────────────────────────────────────────────────────────────────────────────

// Segment is one time-stamped piece of recognised speech.
type Segment struct {
	// StartOffset is the offset from the beginning of the lecture, in seconds.
	StartOffset float64

	// Text is the recognised speech.
	Text string
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index types
// ─────────────────────────────────────────────────────────────────────────────

// Chunk is a bounded-length slice of source text prepared for embedding.
// A Chunk carries its pre-computed embedding so the index does not need to
// re-embed on insertion.
type Chunk struct {
	// ID is assigned on persist. The indexer derives it from the chunk content
	// so that re-indexing the same text upserts the same rows.
	ID string

	ScopeID   string
	ScopeType ScopeType

	// SourceID identifies the lecture or document the chunk was cut from.
	SourceID string

	// Title is the human-readable title of the source, used for citations.
	Title string

	// Seq is the position of the chunk within its source, starting at 0.
	Seq int

	// Text is the chunk content.
	Text string

	// Embedding is the vector representation of Text. Its dimension must match
	// the index configuration (e.g., 1536 for text-embedding-3-small).
	Embedding []float32
}

// ChunkFilter narrows a semantic search. All non-zero fields are applied as
// AND conditions.
type ChunkFilter struct {
	ScopeID   string
	ScopeType ScopeType

	// SourceID restricts results to one source.
	SourceID string
}

// ChunkResult pairs a retrieved chunk with its cosine similarity to the query
// embedding. Score is in [0,1]; higher is more relevant.
type ChunkResult struct {
	Chunk Chunk
	Score float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Conversation types
// ─────────────────────────────────────────────────────────────────────────────

// Role is the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one persisted message within a scope's conversation. Turns are
// immutable after creation.
type Turn struct {
	ID        string
	ScopeID   string
	ScopeType ScopeType
	Role      Role
	Content   string

	// Incomplete marks an assistant reply that was aborted mid-stream and
	// stored as a cancellation marker rather than a final answer.
	Incomplete bool

	CreatedAt time.Time
}

// TurnOption customises a single InsertTurn call.
type TurnOption func(*TurnOptions)

// TurnOptions holds the resolved values of a slice of [TurnOption].
type TurnOptions struct {
	Incomplete bool
}

// AsIncomplete marks the inserted turn as an aborted partial reply.
func AsIncomplete() TurnOption {
	return func(o *TurnOptions) { o.Incomplete = true }
}

// ApplyTurnOptions resolves opts for storage backends.
func ApplyTurnOptions(opts []TurnOption) TurnOptions {
	var o TurnOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ─────────────────────────────────────────────────────────────────────────────
// Corpus documents
// ─────────────────────────────────────────────────────────────────────────────

// Document is a piece of course material (uploaded notes, slides, a finished
// lecture transcript) available to course-scoped chat.
type Document struct {
	ID        string
	ScopeID   string
	ScopeType ScopeType
	Title     string
	Text      string
	CreatedAt time.Time
}
