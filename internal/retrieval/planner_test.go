package retrieval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/pkg/memory"
	memmock "github.com/MrWong99/lectern/pkg/memory/mock"
	embmock "github.com/MrWong99/lectern/pkg/provider/embeddings/mock"
)

var course = memory.Scope{ID: "course-7", Type: memory.ScopeCourse}

func hit(id string, score float64) memory.ChunkResult {
	return memory.ChunkResult{Chunk: memory.Chunk{ID: id, SourceID: "src-" + id}, Score: score}
}

func embedder() *embmock.Provider {
	return &embmock.Provider{DimensionsValue: 2, EmbedResult: []float32{0.6, 0.8}}
}

func ids(rs []memory.ChunkResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestSearch_FiltersSortsAndTruncates(t *testing.T) {
	idx := &memmock.SemanticIndex{SearchResult: []memory.ChunkResult{
		hit("a", 0.81), hit("b", 0.95), hit("c", 0.79), hit("d", 0.8), hit("e", 0.99),
	}}
	p := retrieval.New(embedder(), idx)

	got, err := p.Search(context.Background(), "what is entropy", course, retrieval.K(3))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"e", "b", "a"}
	if g := ids(got); len(g) != 3 || g[0] != want[0] || g[1] != want[1] || g[2] != want[2] {
		t.Errorf("want %v, got %v", want, g)
	}
	for i, r := range got {
		if r.Score < retrieval.DefaultMinScore {
			t.Errorf("result %d below min score: %v", i, r.Score)
		}
		if i > 0 && r.Score > got[i-1].Score {
			t.Errorf("results not sorted non-increasing at %d", i)
		}
	}
}

func TestSearch_MinScoreIsInclusive(t *testing.T) {
	idx := &memmock.SemanticIndex{SearchResult: []memory.ChunkResult{hit("a", 0.8), hit("b", 0.7999)}}
	got, err := retrieval.New(embedder(), idx).Search(context.Background(), "q", course)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if g := ids(got); len(g) != 1 || g[0] != "a" {
		t.Errorf("want [a], got %v", g)
	}
}

func TestSearch_EqualScoresKeepIndexOrder(t *testing.T) {
	idx := &memmock.SemanticIndex{SearchResult: []memory.ChunkResult{
		hit("x", 0.9), hit("y", 0.9), hit("top", 0.95), hit("z", 0.9),
	}}
	got, err := retrieval.New(embedder(), idx).Search(context.Background(), "q", course)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []string{"top", "x", "y", "z"}
	g := ids(got)
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("want %v, got %v", want, g)
		}
	}
}

func TestSearch_PassesScopeFilterAndK(t *testing.T) {
	idx := &memmock.SemanticIndex{}
	emb := embedder()
	p := retrieval.New(emb, idx, retrieval.WithDefaults(4, 0.5))

	got, err := p.Search(context.Background(), "entropy", course)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("want empty non-nil result, got %v", got)
	}
	calls := idx.Calls()
	if len(calls) != 1 || calls[0].Method != "Search" {
		t.Fatalf("want one Search call, got %+v", calls)
	}
	if k := calls[0].Args[1].(int); k != 4 {
		t.Errorf("k: want 4, got %d", k)
	}
	f := calls[0].Args[2].(memory.ChunkFilter)
	if f.ScopeID != "course-7" || f.ScopeType != memory.ScopeCourse {
		t.Errorf("filter: %+v", f)
	}
	if len(emb.EmbedCalls) != 1 || emb.EmbedCalls[0].Text != "entropy" {
		t.Errorf("query not embedded: %+v", emb.EmbedCalls)
	}
}

func TestSearch_Unavailable(t *testing.T) {
	storeDown := errors.New("connection refused")
	tests := []struct {
		name string
		emb  *embmock.Provider
		idx  *memmock.SemanticIndex
	}{
		{"store error", embedder(), &memmock.SemanticIndex{SearchErr: storeDown}},
		{"embed error", &embmock.Provider{EmbedErr: storeDown}, &memmock.SemanticIndex{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := retrieval.New(tc.emb, tc.idx).Search(context.Background(), "q", course)
			if !errors.Is(err, retrieval.ErrRetrievalUnavailable) {
				t.Fatalf("want ErrRetrievalUnavailable, got %v", err)
			}
			if !errors.Is(err, storeDown) {
				t.Error("cause must be preserved")
			}
			if errors.Is(err, retrieval.ErrRetrievalTimeout) {
				t.Error("unavailable must not be reported as timeout")
			}
		})
	}
}

func TestSearch_Timeout(t *testing.T) {
	idx := &memmock.SemanticIndex{SearchDelay: time.Second}
	p := retrieval.New(embedder(), idx, retrieval.WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := p.Search(context.Background(), "q", course)
	if !errors.Is(err, retrieval.ErrRetrievalTimeout) {
		t.Fatalf("want ErrRetrievalTimeout, got %v", err)
	}
	if errors.Is(err, retrieval.ErrRetrievalUnavailable) {
		t.Error("timeout must not be reported as unavailable")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("search did not honour its timeout")
	}
}

func TestSearch_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	idx := &memmock.SemanticIndex{SearchDelay: time.Second}

	_, err := retrieval.New(embedder(), idx).Search(ctx, "q", course)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if errors.Is(err, retrieval.ErrRetrievalUnavailable) || errors.Is(err, retrieval.ErrRetrievalTimeout) {
		t.Errorf("caller cancellation must not be classified: %v", err)
	}
}

func TestSearch_CircuitBreakerFailsFast(t *testing.T) {
	idx := &memmock.SemanticIndex{SearchErr: errors.New("down")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "vector-store",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	p := retrieval.New(embedder(), idx, retrieval.WithCircuitBreaker(cb))

	for range 2 {
		if _, err := p.Search(context.Background(), "q", course); !errors.Is(err, retrieval.ErrRetrievalUnavailable) {
			t.Fatalf("want unavailable, got %v", err)
		}
	}
	_, err := p.Search(context.Background(), "q", course)
	if !errors.Is(err, retrieval.ErrRetrievalUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("want unavailable via open circuit, got %v", err)
	}
	if n := idx.CallCount("Search"); n != 2 {
		t.Errorf("open breaker must not reach the store: %d calls", n)
	}
}

func TestSearch_EmptyScope(t *testing.T) {
	_, err := retrieval.New(embedder(), &memmock.SemanticIndex{}).Search(context.Background(), "q", memory.Scope{})
	if err == nil {
		t.Fatal("expected error for empty scope")
	}
}
