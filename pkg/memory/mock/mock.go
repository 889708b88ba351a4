// Package mock provides configurable test doubles for the memory ports.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	idx := &mock.SemanticIndex{SearchErr: errors.New("connection refused")}
//
//	// inject idx into the system under test …
//
//	if got := idx.CallCount("Search"); got != 1 {
//	    t.Errorf("expected 1 Search call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/lectern/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is embedded by every mock for call bookkeeping.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SegmentStore mock
// ─────────────────────────────────────────────────────────────────────────────

// SegmentStore is a test double for [memory.SegmentStore]. Appended segments
// are kept so ListSegments returns them unless ListResult is set.
type SegmentStore struct {
	recorder

	// AppendErr is returned by AppendSegment when non-nil; the segment is not kept.
	AppendErr error

	// ListResult overrides the kept segments when non-nil.
	ListResult []memory.Segment

	// ListErr is returned by ListSegments when non-nil.
	ListErr error

	segments map[string][]memory.Segment
}

// AppendSegment implements [memory.SegmentStore].
func (m *SegmentStore) AppendSegment(_ context.Context, lectureID string, seg memory.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AppendSegment", lectureID, seg)
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.segments == nil {
		m.segments = make(map[string][]memory.Segment)
	}
	m.segments[lectureID] = append(m.segments[lectureID], seg)
	return nil
}

// ListSegments implements [memory.SegmentStore].
func (m *SegmentStore) ListSegments(_ context.Context, lectureID string) ([]memory.Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListSegments", lectureID)
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	if m.ListResult != nil {
		return slices.Clone(m.ListResult), nil
	}
	out := slices.Clone(m.segments[lectureID])
	if out == nil {
		out = []memory.Segment{}
	}
	return out, nil
}

var _ memory.SegmentStore = (*SegmentStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// SemanticIndex mock
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is a test double for [memory.SemanticIndex].
type SemanticIndex struct {
	recorder

	// UpsertErr is returned by every UpsertChunks call when non-nil.
	UpsertErr error

	// FailUpsertCalls maps a 1-based UpsertChunks call number to the error
	// that call returns. Used to simulate a single failing batch.
	FailUpsertCalls map[int]error

	// SearchResult is returned by Search. When nil, Search returns an empty
	// non-nil slice.
	SearchResult []memory.ChunkResult

	// SearchErr is returned by Search when non-nil.
	SearchErr error

	// SearchDelay makes Search wait before answering. The wait is abandoned
	// with ctx.Err() when the context ends first.
	SearchDelay time.Duration

	upsertCalls int
	upserted    []memory.Chunk
}

// Upserted returns every chunk successfully passed to UpsertChunks.
func (m *SemanticIndex) Upserted() []memory.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.upserted)
}

// UpsertChunks implements [memory.SemanticIndex].
func (m *SemanticIndex) UpsertChunks(_ context.Context, chunks []memory.Chunk) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertCalls++
	m.record("UpsertChunks", slices.Clone(chunks))
	if err := m.FailUpsertCalls[m.upsertCalls]; err != nil {
		return nil, err
	}
	if m.UpsertErr != nil {
		return nil, m.UpsertErr
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		if c.ID == "" {
			return nil, fmt.Errorf("mock semantic index: chunk %d has no id", i)
		}
		ids[i] = c.ID
	}
	m.upserted = append(m.upserted, chunks...)
	return ids, nil
}

// Search implements [memory.SemanticIndex].
func (m *SemanticIndex) Search(ctx context.Context, embedding []float32, topK int, filter memory.ChunkFilter) ([]memory.ChunkResult, error) {
	m.mu.Lock()
	m.record("Search", embedding, topK, filter)
	delay := m.SearchDelay
	result, err := slices.Clone(m.SearchResult), m.SearchErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []memory.ChunkResult{}
	}
	return result, nil
}

var _ memory.SemanticIndex = (*SemanticIndex)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// ConversationStore mock
// ─────────────────────────────────────────────────────────────────────────────

// ConversationStore is a test double for [memory.ConversationStore]. Inserted
// turns are kept in memory so ListTurns reflects them.
type ConversationStore struct {
	recorder

	// InsertErr is returned by InsertTurn when non-nil; nothing is stored.
	InsertErr error

	// InsertErrForRole limits InsertErr to turns of this role when set.
	InsertErrForRole memory.Role

	// ListErr is returned by ListTurns when non-nil.
	ListErr error

	turns []memory.Turn
	seq   int
}

// Turns returns all stored turns across scopes in insertion order.
func (m *ConversationStore) Turns() []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.turns)
}

// InsertTurn implements [memory.ConversationStore].
func (m *ConversationStore) InsertTurn(_ context.Context, scope memory.Scope, role memory.Role, content string, opts ...memory.TurnOption) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := memory.ApplyTurnOptions(opts)
	m.record("InsertTurn", scope, role, content, o.Incomplete)
	if m.InsertErr != nil && (m.InsertErrForRole == "" || m.InsertErrForRole == role) {
		return "", m.InsertErr
	}
	m.seq++
	t := memory.Turn{
		ID:         fmt.Sprintf("turn-%d", m.seq),
		ScopeID:    scope.ID,
		ScopeType:  scope.Type,
		Role:       role,
		Content:    content,
		Incomplete: o.Incomplete,
		CreatedAt:  time.Unix(0, int64(m.seq)),
	}
	m.turns = append(m.turns, t)
	return t.ID, nil
}

// ListTurns implements [memory.ConversationStore].
func (m *ConversationStore) ListTurns(_ context.Context, scope memory.Scope) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListTurns", scope)
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := []memory.Turn{}
	for _, t := range m.turns {
		if t.ScopeID == scope.ID && t.ScopeType == scope.Type {
			out = append(out, t)
		}
	}
	return out, nil
}

var _ memory.ConversationStore = (*ConversationStore)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// DocumentStore mock
// ─────────────────────────────────────────────────────────────────────────────

// DocumentStore is a test double for [memory.DocumentStore].
type DocumentStore struct {
	recorder

	// PutErr is returned by PutDocument when non-nil.
	PutErr error

	// ListErr is returned by ListDocuments when non-nil.
	ListErr error

	docs []memory.Document
}

// PutDocument implements [memory.DocumentStore].
func (m *DocumentStore) PutDocument(_ context.Context, doc memory.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PutDocument", doc)
	if m.PutErr != nil {
		return m.PutErr
	}
	for i, d := range m.docs {
		if d.ID == doc.ID {
			m.docs[i] = doc
			return nil
		}
	}
	m.docs = append(m.docs, doc)
	return nil
}

// ListDocuments implements [memory.DocumentStore].
func (m *DocumentStore) ListDocuments(_ context.Context, scope memory.Scope) ([]memory.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListDocuments", scope)
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	out := []memory.Document{}
	for _, d := range m.docs {
		if d.ScopeID == scope.ID && d.ScopeType == scope.Type {
			out = append(out, d)
		}
	}
	return out, nil
}

var _ memory.DocumentStore = (*DocumentStore)(nil)
