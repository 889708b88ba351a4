// Package chatctx assembles the bounded prompt context for one chat turn.
//
// The [Assembler] asks the budget accountant whether a scope's material fits
// verbatim. If it does, the full lecture transcript or course corpus is
// included. Otherwise the most relevant excerpts are retrieved and placed
// before the live transcript tail, so the freshest dialogue always comes
// last. Prior turns are loaded concurrently with retrieval and trimmed to the
// history budget.
//
// When the vector store is unavailable the assembler degrades to the tail
// alone and flags the result. A retrieval timeout is not degraded around; it
// fails the turn.
package chatctx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lectern/internal/budget"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/pkg/memory"
)

// Defaults.
const (
	DefaultTailSize      = 20
	DefaultHistoryBudget = 16_000
)

// ErrUnknownLecture is returned when a lecture scope has no transcript.
var ErrUnknownLecture = errors.New("chatctx: unknown lecture")

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// SourceRef is citation metadata for one source included in a context.
type SourceRef struct {
	ID        string           `json:"id"`
	Title     string           `json:"title,omitempty"`
	ScopeID   string           `json:"scope_id"`
	ScopeType memory.ScopeType `json:"scope_type"`
}

// Context is the assembled prompt context of one turn.
type Context struct {
	// Text is the formatted scope material: the full transcript or corpus, or
	// numbered excerpts followed by the transcript tail.
	Text string

	// Sources lists each source included in Text once, in citation order.
	// Excerpt numbers in Text are 1-based indexes into Sources.
	Sources []SourceRef

	Strategy budget.Strategy

	// Degraded is set when retrieval was unavailable and Text holds only the
	// transcript tail.
	Degraded bool

	// Candidate is the coarse budget the strategy was decided on.
	Candidate budget.Budget

	// Budget is the prompt budget: the context ceiling against the estimate
	// of Text plus History.
	Budget budget.Budget

	// History holds the prior turns of the scope that fit the history budget,
	// oldest first.
	History []memory.Turn

	AssemblyDuration time.Duration
}

// Transcript is the read side of a lecture's segmenter.
type Transcript interface {
	FullText() string
	Tail(n int) string
}

// Lecture pairs a lecture's transcript with its display metadata.
type Lecture struct {
	ID         string
	Title      string
	Transcript Transcript
}

// Lectures resolves lecture IDs. Implementations return an error wrapping
// [ErrUnknownLecture] for lectures they do not know.
type Lectures interface {
	Lecture(ctx context.Context, id string) (*Lecture, error)
}

// Retriever runs scoped similarity searches.
type Retriever interface {
	Search(ctx context.Context, query string, scope memory.Scope, opts ...retrieval.SearchOption) ([]memory.ChunkResult, error)
}

// Request describes what to assemble.
type Request struct {
	Scope memory.Scope

	// Query is the user message driving the turn.
	Query string

	// SkipTurnID excludes one turn from History, normally the just-persisted
	// user turn of this request.
	SkipTurnID string
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembler
// ─────────────────────────────────────────────────────────────────────────────

// Assembler builds a [Context] per turn. It is safe for concurrent use.
type Assembler struct {
	accountant *budget.Accountant
	lectures   Lectures
	documents  memory.DocumentStore
	turns      memory.ConversationStore
	retriever  Retriever
	metrics    *observe.Metrics

	tailSize      int
	historyBudget int
}

// Option is a functional option for [NewAssembler].
type Option func(*Assembler)

// WithTailSize sets how many transcript segments follow the excerpts of a
// retrieved context. Defaults to 20.
func WithTailSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.tailSize = n
		}
	}
}

// WithHistoryBudget caps the estimated tokens of prior turns. Zero disables
// history entirely.
func WithHistoryBudget(tokens int) Option {
	return func(a *Assembler) {
		a.historyBudget = max(0, tokens)
	}
}

// WithMetrics records strategies and degraded contexts to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assembler) { a.metrics = m }
}

// Deps are the collaborators of an [Assembler]. Documents may be nil when
// only lecture scopes are served.
type Deps struct {
	Accountant *budget.Accountant
	Lectures   Lectures
	Documents  memory.DocumentStore
	Turns      memory.ConversationStore
	Retriever  Retriever
}

// NewAssembler creates an Assembler over deps.
func NewAssembler(deps Deps, opts ...Option) *Assembler {
	a := &Assembler{
		accountant:    deps.Accountant,
		lectures:      deps.Lectures,
		documents:     deps.Documents,
		turns:         deps.Turns,
		retriever:     deps.Retriever,
		tailSize:      DefaultTailSize,
		historyBudget: DefaultHistoryBudget,
	}
	if a.accountant == nil {
		a.accountant = budget.NewAccountant(budget.DefaultConfig())
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// material is the scope content a context is built from.
type material struct {
	lecture *Lecture
	docs    []memory.Document

	full     string
	estimate int
}

// Assemble builds the context for req.
//
// Errors from the stores and a retrieval timeout are returned. Retrieval
// that fails with [retrieval.ErrRetrievalUnavailable] is absorbed: the
// context is built from the transcript tail and flagged Degraded.
func (a *Assembler) Assemble(ctx context.Context, req Request) (out *Context, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "chatctx.assemble")
	span.SetAttributes(attribute.String("scope", req.Scope.Key()))
	defer func() { observe.EndSpan(span, err) }()

	mat, err := a.loadMaterial(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	decision := a.accountant.DecideEstimate(mat.estimate)
	span.SetAttributes(attribute.String("strategy", string(decision.Strategy)))

	var (
		history  []memory.Turn
		hits     []memory.ChunkResult
		degraded bool
	)

	eg, egCtx := errgroup.WithContext(ctx)

	// ── goroutine 1: prior turns ─────────────────────────────────────────────
	eg.Go(func() error {
		turns, err := a.turns.ListTurns(egCtx, req.Scope)
		if err != nil {
			return fmt.Errorf("chatctx: list turns for %s: %w", req.Scope, err)
		}
		history = priorTurns(turns, req.SkipTurnID)
		return nil
	})

	// ── goroutine 2: retrieval ───────────────────────────────────────────────
	if decision.Strategy == budget.StrategyRetrieve {
		eg.Go(func() error {
			var (
				res []memory.ChunkResult
				err error
			)
			if a.retriever == nil {
				err = fmt.Errorf("chatctx: no retriever configured: %w", retrieval.ErrRetrievalUnavailable)
			} else {
				res, err = a.retriever.Search(egCtx, req.Query, req.Scope)
			}
			switch {
			case errors.Is(err, retrieval.ErrRetrievalUnavailable):
				observe.Logger(ctx).Warn("chatctx: retrieval unavailable, degrading to transcript tail",
					"scope", req.Scope.Key(), "err", err)
				degraded = true
				return nil
			case err != nil:
				return fmt.Errorf("chatctx: retrieve for %s: %w", req.Scope, err)
			}
			hits = res
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	out = &Context{
		Strategy:  decision.Strategy,
		Degraded:  degraded,
		Candidate: decision.Budget,
	}
	ceiling := a.accountant.Ceiling()

	if decision.Strategy == budget.StrategyFull {
		out.Text = mat.full
		out.Sources = mat.sources(req.Scope)
	} else {
		tail := a.tail(mat)
		// Excerpts share what the tail leaves of the ceiling.
		room := ceiling.MaxTokens - budget.EstimateTokens(tail)
		kept, _ := budget.KeepTop(hits, room, func(h memory.ChunkResult) int {
			return budget.EstimateTokens(h.Chunk.Text)
		})
		out.Text, out.Sources = formatRetrieved(kept, tail)
	}

	used := budget.EstimateTokens(out.Text)
	historyRoom := min(a.historyBudget, max(0, ceiling.MaxTokens-used))
	out.History, _ = budget.KeepNewest(history, historyRoom, func(t memory.Turn) int {
		return budget.EstimateTokens(t.Content)
	})
	for _, t := range out.History {
		used += budget.EstimateTokens(t.Content)
	}
	out.Budget = budget.Budget{MaxTokens: ceiling.MaxTokens, EstimatedTokens: used}
	out.AssemblyDuration = time.Since(start)

	a.record(ctx, req.Scope, out)
	observe.Logger(ctx).Debug("chatctx: context assembled",
		"scope", req.Scope.Key(),
		"strategy", out.Strategy,
		"degraded", out.Degraded,
		"sources", len(out.Sources),
		"history", len(out.History),
		"estimated_tokens", used,
		"duration", out.AssemblyDuration,
	)
	return out, nil
}

// loadMaterial fetches the scope's full material and its token estimate.
func (a *Assembler) loadMaterial(ctx context.Context, scope memory.Scope) (*material, error) {
	switch scope.Type {
	case memory.ScopeLecture:
		if a.lectures == nil {
			return nil, fmt.Errorf("chatctx: %w: %s", ErrUnknownLecture, scope.ID)
		}
		lec, err := a.lectures.Lecture(ctx, scope.ID)
		if err != nil {
			return nil, fmt.Errorf("chatctx: load lecture %q: %w", scope.ID, err)
		}
		full := lec.Transcript.FullText()
		return &material{lecture: lec, full: formatTranscript(full), estimate: budget.EstimateTokens(full)}, nil

	case memory.ScopeCourse:
		if a.documents == nil {
			return &material{}, nil
		}
		docs, err := a.documents.ListDocuments(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("chatctx: list documents for %s: %w", scope, err)
		}
		m := &material{docs: docs}
		for _, d := range docs {
			m.estimate += budget.EstimateTokens(d.Title) + budget.EstimateTokens(d.Text)
		}
		m.full = formatDocuments(docs)
		return m, nil

	default:
		return nil, fmt.Errorf("chatctx: unsupported scope type %q", scope.Type)
	}
}

// tail returns the formatted transcript tail, empty for course scopes.
func (a *Assembler) tail(m *material) string {
	if m.lecture == nil {
		return ""
	}
	return m.lecture.Transcript.Tail(a.tailSize)
}

// sources returns the citations of a full-material context.
func (m *material) sources(scope memory.Scope) []SourceRef {
	if m.lecture != nil {
		return []SourceRef{{ID: m.lecture.ID, Title: m.lecture.Title, ScopeID: scope.ID, ScopeType: scope.Type}}
	}
	refs := make([]SourceRef, 0, len(m.docs))
	for _, d := range m.docs {
		refs = append(refs, SourceRef{ID: d.ID, Title: d.Title, ScopeID: d.ScopeID, ScopeType: d.ScopeType})
	}
	return refs
}

func (a *Assembler) record(ctx context.Context, scope memory.Scope, c *Context) {
	if a.metrics == nil {
		return
	}
	a.metrics.RecordStrategy(ctx, string(scope.Type), string(c.Strategy))
	if c.Degraded {
		a.metrics.RecordDegradedContext(ctx, string(scope.Type))
	}
}

// priorTurns drops skipID and aborted partial replies.
func priorTurns(turns []memory.Turn, skipID string) []memory.Turn {
	out := make([]memory.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID == skipID || t.Incomplete {
			continue
		}
		out = append(out, t)
	}
	return out
}

// LogValue implements slog.LogValuer.
func (c *Context) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("strategy", string(c.Strategy)),
		slog.Bool("degraded", c.Degraded),
		slog.Int("sources", len(c.Sources)),
		slog.Int("estimated_tokens", c.Budget.EstimatedTokens),
	)
}

// String renders a short description for logs and errors.
func (c *Context) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s context, %d sources, ~%d tokens", c.Strategy, len(c.Sources), c.Budget.EstimatedTokens)
	if c.Degraded {
		b.WriteString(" (degraded)")
	}
	return b.String()
}
