package memstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/memstore"
)

func TestSearch_ScoresFilterAndOrder(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()

	_, err := s.UpsertChunks(ctx, []memory.Chunk{
		{ID: "a", ScopeID: "l1", ScopeType: memory.ScopeLecture, Text: "a", Embedding: []float32{1, 0}},
		{ID: "b", ScopeID: "l1", ScopeType: memory.ScopeLecture, Text: "b", Embedding: []float32{0, 1}},
		{ID: "c", ScopeID: "l1", ScopeType: memory.ScopeLecture, Text: "c", Embedding: []float32{2, 0}},
		{ID: "d", ScopeID: "c1", ScopeType: memory.ScopeCourse, Text: "d", Embedding: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}

	got, err := s.Search(ctx, []float32{1, 0}, 10, memory.ChunkFilter{ScopeID: "l1", ScopeType: memory.ScopeLecture})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want 3 results, got %d", len(got))
	}
	// a and c tie at 1.0 and keep insertion order.
	wantIDs := []string{"a", "c", "b"}
	for i, id := range wantIDs {
		if got[i].Chunk.ID != id {
			t.Errorf("result %d: want %s, got %s", i, id, got[i].Chunk.ID)
		}
	}
	if got[2].Score != 0 {
		t.Errorf("orthogonal score: want 0, got %v", got[2].Score)
	}

	top, _ := s.Search(ctx, []float32{1, 0}, 1, memory.ChunkFilter{})
	if len(top) != 1 {
		t.Errorf("topK=1: want 1 result, got %d", len(top))
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	if _, err := s.UpsertChunks(ctx, []memory.Chunk{{ID: "a", Embedding: []float32{1, 0, 0}}}); err != nil {
		t.Fatalf("UpsertChunks: %v", err)
	}
	_, err := s.Search(ctx, []float32{1, 0}, 5, memory.ChunkFilter{})
	if !errors.Is(err, memstore.ErrDimensionMismatch) {
		t.Errorf("want ErrDimensionMismatch, got %v", err)
	}
}

func TestUpsert_ReplacesByID(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	for _, text := range []string{"first", "second"} {
		if _, err := s.UpsertChunks(ctx, []memory.Chunk{{ID: "x", Text: text, Embedding: []float32{1}}}); err != nil {
			t.Fatalf("UpsertChunks: %v", err)
		}
	}
	got, _ := s.Search(ctx, []float32{1}, 10, memory.ChunkFilter{})
	if len(got) != 1 || got[0].Chunk.Text != "second" {
		t.Errorf("want single replaced chunk, got %+v", got)
	}
}

func TestTurns_OrderedPerScope(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	lecture := memory.Scope{ID: "l1", Type: memory.ScopeLecture}

	for i, role := range []memory.Role{memory.RoleUser, memory.RoleAssistant, memory.RoleUser} {
		if _, err := s.InsertTurn(ctx, lecture, role, string(rune('a'+i))); err != nil {
			t.Fatalf("InsertTurn: %v", err)
		}
	}
	for _, other := range []memory.Scope{
		{ID: "other", Type: memory.ScopeLecture},
		{ID: "l1", Type: memory.ScopeCourse},
	} {
		if _, err := s.InsertTurn(ctx, other, memory.RoleUser, "z"); err != nil {
			t.Fatalf("InsertTurn: %v", err)
		}
	}

	turns, err := s.ListTurns(ctx, lecture)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("want 3 turns, got %d", len(turns))
	}
	for i := 1; i < len(turns); i++ {
		if !turns[i].CreatedAt.After(turns[i-1].CreatedAt) {
			t.Errorf("turn %d CreatedAt not strictly increasing", i)
		}
	}
	if turns[0].ScopeType != memory.ScopeLecture {
		t.Errorf("ScopeType = %q", turns[0].ScopeType)
	}
	if _, err := s.InsertTurn(ctx, memory.Scope{Type: memory.ScopeLecture}, memory.RoleUser, "x"); err == nil {
		t.Error("empty scope id: want error")
	}
}

func TestDocuments_PutReplacesAndKeepsOrder(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	scope := memory.Scope{ID: "c1", Type: memory.ScopeCourse}

	_ = s.PutDocument(ctx, memory.Document{ID: "d1", ScopeID: "c1", ScopeType: memory.ScopeCourse, Title: "one"})
	_ = s.PutDocument(ctx, memory.Document{ID: "d2", ScopeID: "c1", ScopeType: memory.ScopeCourse, Title: "two"})
	_ = s.PutDocument(ctx, memory.Document{ID: "d1", ScopeID: "c1", ScopeType: memory.ScopeCourse, Title: "one v2"})

	docs, err := s.ListDocuments(ctx, scope)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].Title != "one v2" || docs[1].ID != "d2" {
		t.Errorf("unexpected documents: %+v", docs)
	}
}

func TestSegments_AppendList(t *testing.T) {
	t.Parallel()
	var s memstore.Store
	ctx := context.Background()
	_ = s.AppendSegment(ctx, "l1", memory.Segment{StartOffset: 1, Text: "a"})
	_ = s.AppendSegment(ctx, "l1", memory.Segment{StartOffset: 2, Text: "b"})
	got, _ := s.ListSegments(ctx, "l1")
	if len(got) != 2 || got[1].Text != "b" {
		t.Errorf("unexpected segments: %+v", got)
	}
	none, _ := s.ListSegments(ctx, "missing")
	if none == nil {
		t.Error("missing lecture: want non-nil empty slice")
	}
}
