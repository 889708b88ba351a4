// Package retrieval fetches the chunks of a scope most relevant to a chat
// query.
//
// The [Planner] embeds the query, runs a similarity search filtered to the
// scope, drops results below the relevance threshold and returns the best k
// in descending score order. Equal scores keep the order the index returned
// them in. Chunks from the same source stay distinct; citation grouping is
// the assembler's job.
//
// Failures are classified so the caller can react: a store or embedding
// failure wraps [ErrRetrievalUnavailable] and may be degraded around, while
// running out of time wraps [ErrRetrievalTimeout] and fails the turn.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/resilience"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/provider/embeddings"
)

// Search defaults.
const (
	DefaultK        = 10
	DefaultMinScore = 0.8
	DefaultTimeout  = 30 * time.Second
)

var (
	// ErrRetrievalUnavailable reports that the embedding backend or the
	// vector store could not serve the search.
	ErrRetrievalUnavailable = errors.New("retrieval: unavailable")

	// ErrRetrievalTimeout reports that the search did not finish within the
	// planner's timeout.
	ErrRetrievalTimeout = errors.New("retrieval: timeout")
)

// errDeadline is the cause attached to the planner's own deadline, so it can
// be told apart from a deadline set by the caller.
var errDeadline = errors.New("retrieval: search deadline exceeded")

// Option is a functional option for [New].
type Option func(*Planner)

// WithDefaults sets the k and minimum score used when a search does not
// override them.
func WithDefaults(k int, minScore float64) Option {
	return func(p *Planner) {
		if k > 0 {
			p.k = k
		}
		p.minScore = clampScore(minScore)
	}
}

// WithTimeout bounds each search. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithCircuitBreaker guards vector store calls with cb. A tripped breaker
// fails searches immediately with [ErrRetrievalUnavailable].
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Planner) {
		p.breaker = cb
	}
}

// WithMetrics records search outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Planner) {
		p.metrics = m
	}
}

// SearchOption overrides planner defaults for one search.
type SearchOption func(*searchParams)

type searchParams struct {
	k        int
	minScore float64
}

// K sets the number of results to return.
func K(k int) SearchOption {
	return func(s *searchParams) {
		if k > 0 {
			s.k = k
		}
	}
}

// MinScore sets the relevance threshold. Results scoring below it are
// dropped.
func MinScore(score float64) SearchOption {
	return func(s *searchParams) {
		s.minScore = clampScore(score)
	}
}

// Planner runs scoped similarity searches. It is safe for concurrent use.
type Planner struct {
	embedder embeddings.Provider
	index    memory.SemanticIndex
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics

	k        int
	minScore float64
	timeout  time.Duration
}

// New creates a Planner embedding queries with embedder and searching index.
func New(embedder embeddings.Provider, index memory.SemanticIndex, opts ...Option) *Planner {
	p := &Planner{
		embedder: embedder,
		index:    index,
		k:        DefaultK,
		minScore: DefaultMinScore,
		timeout:  DefaultTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Search returns at most k chunks of scope scoring at least minScore against
// query, sorted by descending score.
//
// A cancelled ctx returns the context error unwrapped by either sentinel.
func (p *Planner) Search(ctx context.Context, query string, scope memory.Scope, opts ...SearchOption) (results []memory.ChunkResult, err error) {
	params := searchParams{k: p.k, minScore: p.minScore}
	for _, o := range opts {
		o(&params)
	}

	ctx, span := observe.StartSpan(ctx, "retrieval.search")
	span.SetAttributes(
		attribute.String("scope", scope.Key()),
		attribute.Int("k", params.k),
		attribute.Float64("min_score", params.minScore),
	)
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("results", len(results)))
		observe.EndSpan(span, err)
		p.record(ctx, err, time.Since(start))
	}()

	if scope.ID == "" {
		return nil, errors.New("retrieval: search: empty scope id")
	}

	sctx, cancel := context.WithTimeoutCause(ctx, p.timeout, errDeadline)
	defer cancel()

	vec, err := p.embedder.Embed(sctx, query)
	if err != nil {
		return nil, p.classify(ctx, sctx, "embed query", err)
	}

	var hits []memory.ChunkResult
	search := func() error {
		var err error
		hits, err = p.index.Search(sctx, vec, params.k, memory.ChunkFilter{
			ScopeID:   scope.ID,
			ScopeType: scope.Type,
		})
		return err
	}
	if p.breaker != nil {
		err = p.breaker.Execute(search)
	} else {
		err = search()
	}
	if err != nil {
		return nil, p.classify(ctx, sctx, "search index", err)
	}

	return rank(hits, params.k, params.minScore), nil
}

// rank filters hits below minScore, stable-sorts by descending score and
// truncates to k.
func rank(hits []memory.ChunkResult, k int, minScore float64) []memory.ChunkResult {
	out := make([]memory.ChunkResult, 0, min(len(hits), k))
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(a, b memory.ChunkResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// classify maps a failed stage to the package sentinels.
func (p *Planner) classify(parent, sctx context.Context, stage string, err error) error {
	switch {
	case context.Cause(sctx) == errDeadline:
		return fmt.Errorf("retrieval: %s: %w after %s", stage, ErrRetrievalTimeout, p.timeout)
	case parent.Err() != nil:
		return fmt.Errorf("retrieval: %s: %w", stage, parent.Err())
	default:
		return fmt.Errorf("retrieval: %s: %w: %w", stage, ErrRetrievalUnavailable, err)
	}
}

func (p *Planner) record(ctx context.Context, err error, d time.Duration) {
	if p.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case errors.Is(err, ErrRetrievalTimeout):
		status = "timeout"
	case errors.Is(err, ErrRetrievalUnavailable):
		status = "unavailable"
	case err != nil:
		status = "canceled"
	}
	p.metrics.RecordRetrieval(ctx, status, d)
}

func clampScore(s float64) float64 {
	return max(0, min(s, 1))
}
