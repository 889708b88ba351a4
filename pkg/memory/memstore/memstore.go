// Package memstore is an in-process implementation of every memory port.
//
// It is used when no Postgres DSN is configured (local development, demos)
// and by end-to-end tests. Similarity search is a brute-force cosine scan,
// which is fine for a few thousand chunks and nothing more.
package memstore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.SegmentStore      = (*Store)(nil)
	_ memory.SemanticIndex     = (*Store)(nil)
	_ memory.ConversationStore = (*Store)(nil)
	_ memory.DocumentStore     = (*Store)(nil)
)

// ErrDimensionMismatch is returned by Search when the query embedding does
// not have the same dimension as the stored chunks.
var ErrDimensionMismatch = errors.New("memstore: embedding dimension mismatch")

// Store is a thread-safe in-memory store. The zero value is ready to use.
type Store struct {
	mu sync.RWMutex

	segments map[string][]memory.Segment

	chunks     []memory.Chunk
	chunkIndex map[string]int

	turns    []memory.Turn
	lastTime time.Time

	docs []memory.Document

	now func() time.Time
}

// New returns an initialised [Store].
func New() *Store {
	return &Store{now: time.Now}
}

// AppendSegment implements [memory.SegmentStore].
func (s *Store) AppendSegment(_ context.Context, lectureID string, seg memory.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.segments == nil {
		s.segments = make(map[string][]memory.Segment)
	}
	s.segments[lectureID] = append(s.segments[lectureID], seg)
	return nil
}

// ListSegments implements [memory.SegmentStore].
func (s *Store) ListSegments(_ context.Context, lectureID string) ([]memory.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.segments[lectureID])
	if out == nil {
		out = []memory.Segment{}
	}
	return out, nil
}

// UpsertChunks implements [memory.SemanticIndex].
func (s *Store) UpsertChunks(_ context.Context, chunks []memory.Chunk) ([]string, error) {
	for i, c := range chunks {
		if c.ID == "" {
			return nil, fmt.Errorf("memstore: upsert: chunk %d has no id", i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunkIndex == nil {
		s.chunkIndex = make(map[string]int)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		c.Embedding = slices.Clone(c.Embedding)
		if pos, ok := s.chunkIndex[c.ID]; ok {
			s.chunks[pos] = c
		} else {
			s.chunkIndex[c.ID] = len(s.chunks)
			s.chunks = append(s.chunks, c)
		}
		ids[i] = c.ID
	}
	return ids, nil
}

// Search implements [memory.SemanticIndex]. Chunks with equal scores keep
// their insertion order.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := []memory.ChunkResult{}
	for _, c := range s.chunks {
		if !matches(c, filter) {
			continue
		}
		score, err := cosine(embedding, c.Embedding)
		if err != nil {
			return nil, err
		}
		results = append(results, memory.ChunkResult{Chunk: c, Score: score})
	}
	slices.SortStableFunc(results, func(a, b memory.ChunkResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func matches(c memory.Chunk, f memory.ChunkFilter) bool {
	if f.ScopeID != "" && c.ScopeID != f.ScopeID {
		return false
	}
	if f.ScopeType != "" && c.ScopeType != f.ScopeType {
		return false
	}
	if f.SourceID != "" && c.SourceID != f.SourceID {
		return false
	}
	return true
}

// cosine returns the cosine similarity of a and b clamped to [0,1].
func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: query %d, stored %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return min(max(sim, 0), 1), nil
}

// InsertTurn implements [memory.ConversationStore].
func (s *Store) InsertTurn(_ context.Context, scope memory.Scope, role memory.Role, content string, opts ...memory.TurnOption) (string, error) {
	if scope.ID == "" {
		return "", fmt.Errorf("memstore: insert turn: empty scope id")
	}
	o := memory.ApplyTurnOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Microsecond)
	}
	s.lastTime = now

	t := memory.Turn{
		ID:         uuid.NewString(),
		ScopeID:    scope.ID,
		ScopeType:  scope.Type,
		Role:       role,
		Content:    content,
		Incomplete: o.Incomplete,
		CreatedAt:  now,
	}
	s.turns = append(s.turns, t)
	return t.ID, nil
}

// ListTurns implements [memory.ConversationStore].
func (s *Store) ListTurns(_ context.Context, scope memory.Scope) ([]memory.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []memory.Turn{}
	for _, t := range s.turns {
		if t.ScopeID == scope.ID && t.ScopeType == scope.Type {
			out = append(out, t)
		}
	}
	return out, nil
}

// PutDocument implements [memory.DocumentStore].
func (s *Store) PutDocument(_ context.Context, doc memory.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("memstore: put document: empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.docs {
		if d.ID == doc.ID {
			doc.CreatedAt = d.CreatedAt
			s.docs[i] = doc
			return nil
		}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = s.clock()
	}
	s.docs = append(s.docs, doc)
	return nil
}

// ListDocuments implements [memory.DocumentStore].
func (s *Store) ListDocuments(_ context.Context, scope memory.Scope) ([]memory.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []memory.Document{}
	for _, d := range s.docs {
		if d.ScopeID == scope.ID && d.ScopeType == scope.Type {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
