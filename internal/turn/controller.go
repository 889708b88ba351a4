// Package turn drives chat turns end to end.
//
// A turn moves through ASSEMBLING, GENERATING and COMMITTING to DONE, or ends
// ABORTED (caller stop during generation, or a queued turn withdrawn before
// it started) or FAILED (any error, including timeouts and a stop during
// assembly). The user's message is persisted before anything else happens,
// and the assistant reply is committed exactly once, after it.
//
// At most one turn per scope is non-terminal at any time. What happens to a
// second submission is a per-scope-type [Policy]: live lecture chat rejects
// it with an [*InProgressError] carrying a retry hint, course chat queues it
// behind the running turn. An optional [ScopeLock] extends the invariant
// across server replicas.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/lectern/internal/chatctx"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/provider/llm"
)

// Defaults.
const (
	DefaultGenerationTimeout = 120 * time.Second
	DefaultCommitTimeout     = 10 * time.Second
	DefaultQueueDepth        = 8
	DefaultRetryAfter        = 5 * time.Second

	// deltaBuffer absorbs short consumer stalls without blocking the model
	// stream.
	deltaBuffer = 32
)

// DefaultSystemPrompt is used when Config.SystemPrompt is empty.
const DefaultSystemPrompt = "You are a teaching assistant helping a student with a lecture. " +
	"Answer from the material below. If the material does not cover the question, say so."

// ─────────────────────────────────────────────────────────────────────────────
// Policy
// ─────────────────────────────────────────────────────────────────────────────

// Policy decides what happens to a submission while its scope is busy.
type Policy string

const (
	// PolicyReject fails the submission with an [*InProgressError].
	PolicyReject Policy = "reject"

	// PolicyQueue runs the submission after the running turn, first in
	// first out.
	PolicyQueue Policy = "queue"
)

// ParsePolicy converts s into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyReject, PolicyQueue:
		return p, nil
	default:
		return "", fmt.Errorf("turn: unknown policy %q", s)
	}
}

// DefaultPolicies rejects for lectures and queues for courses.
func DefaultPolicies() map[memory.ScopeType]Policy {
	return map[memory.ScopeType]Policy{
		memory.ScopeLecture: PolicyReject,
		memory.ScopeCourse:  PolicyQueue,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Collaborators
// ─────────────────────────────────────────────────────────────────────────────

// Assembler builds the prompt context of a turn.
type Assembler interface {
	Assemble(ctx context.Context, req chatctx.Request) (*chatctx.Context, error)
}

// ScopeLock is a lease shared between server replicas. Acquire reports
// ok=false when another holder has the key; err is reserved for lock
// backend failures.
type ScopeLock interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, ok bool, err error)
}

// Config tunes a Controller.
type Config struct {
	// SystemPrompt is the base instruction placed before the assembled
	// context. Empty uses DefaultSystemPrompt.
	SystemPrompt string

	// GenerationTimeout bounds the streaming phase. Zero uses the default.
	GenerationTimeout time.Duration

	// CommitTimeout bounds each turn write made after generation stopped.
	CommitTimeout time.Duration

	// PersistPartialOnAbort stores the text streamed before an abort as an
	// assistant turn flagged Incomplete.
	PersistPartialOnAbort bool

	// Policies maps scope types to their busy-scope policy. Missing types
	// are rejected.
	Policies map[memory.ScopeType]Policy

	// QueueDepth caps waiting submissions per queued scope.
	QueueDepth int

	// RetryAfter is the hint carried by InProgressError.
	RetryAfter time.Duration

	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.GenerationTimeout <= 0 {
		c.GenerationTimeout = DefaultGenerationTimeout
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if c.Policies == nil {
		c.Policies = DefaultPolicies()
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = DefaultRetryAfter
	}
	return c
}

// Deps are the collaborators of a Controller. Lock and Metrics are optional.
type Deps struct {
	Assembler Assembler
	LLM       llm.Provider
	Turns     memory.ConversationStore
	Lock      ScopeLock
	Metrics   *observe.Metrics
}

// ─────────────────────────────────────────────────────────────────────────────
// Controller
// ─────────────────────────────────────────────────────────────────────────────

// scopeState tracks the running turn and the waiting ones of a scope.
type scopeState struct {
	active *Handle
	queue  []*Handle
}

// Controller runs turns. It is safe for concurrent use.
type Controller struct {
	cfg       Config
	assembler Assembler
	llm       llm.Provider
	turns     memory.ConversationStore
	lock      ScopeLock
	metrics   *observe.Metrics

	mu     sync.Mutex
	scopes map[string]*scopeState
	closed bool
	wg     sync.WaitGroup
}

// NewController creates a Controller.
func NewController(deps Deps, cfg Config) *Controller {
	return &Controller{
		cfg:       cfg.withDefaults(),
		assembler: deps.Assembler,
		llm:       deps.LLM,
		turns:     deps.Turns,
		lock:      deps.Lock,
		metrics:   deps.Metrics,
		scopes:    make(map[string]*scopeState),
	}
}

// Submit starts a turn for req.
//
// When the scope is idle the user turn is persisted before Submit returns,
// and persistence errors are returned directly. When the scope is busy the
// scope type's policy applies: reject returns an [*InProgressError]; queue
// returns a QUEUED handle whose user turn is persisted once it reaches the
// front.
//
// Cancelling ctx aborts the turn.
func (c *Controller) Submit(ctx context.Context, req Request) (*Handle, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if req.Scope.ID == "" {
		return nil, errors.New("turn: submit: empty scope id")
	}

	h := c.newHandle(ctx, req)
	key := req.Scope.Key()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		h.cancel(ErrClosed)
		return nil, ErrClosed
	}
	st := c.scopes[key]
	if st == nil {
		st = &scopeState{}
		c.scopes[key] = st
	}
	if st.active != nil {
		busy := &InProgressError{Scope: req.Scope, SessionID: st.active.id, RetryAfter: c.cfg.RetryAfter}
		if c.cfg.Policies[req.Scope.Type] != PolicyQueue {
			c.mu.Unlock()
			h.cancel(ErrTurnInProgress)
			c.recordRejected(ctx, req.Scope)
			return nil, busy
		}
		if len(st.queue) >= c.cfg.QueueDepth {
			c.mu.Unlock()
			h.cancel(ErrQueueFull)
			c.recordRejected(ctx, req.Scope)
			return nil, fmt.Errorf("%w: %w", ErrQueueFull, busy)
		}
		st.queue = append(st.queue, h)
		c.wg.Add(1)
		c.mu.Unlock()

		c.addQueued(ctx, 1)
		go c.runQueued(h)
		return h, nil
	}
	st.active = h
	h.status = StatusAssembling
	c.wg.Add(1)
	c.mu.Unlock()

	if err := c.begin(h); err != nil {
		c.finish(h, StatusFailed, err)
		return nil, err
	}
	go c.run(h)
	return h, nil
}

// Active returns the running turn of scope, if any.
func (c *Controller) Active(scope memory.Scope) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.scopes[scope.Key()]; st != nil && st.active != nil {
		return st.active, true
	}
	return nil, false
}

// Close aborts every running and queued turn and waits for them to settle.
// Submit fails with [ErrClosed] afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	for _, st := range c.scopes {
		if st.active != nil {
			st.active.cancel(ErrClosed)
		}
		for _, q := range st.queue {
			q.cancel(ErrClosed)
		}
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Controller) newHandle(ctx context.Context, req Request) *Handle {
	hctx, cancel := context.WithCancelCause(ctx)
	return &Handle{
		id:      uuid.NewString(),
		req:     req,
		ctx:     hctx,
		cancel:  cancel,
		created: time.Now(),
		deltas:  make(chan string, deltaBuffer),
		start:   make(chan struct{}),
		done:    make(chan struct{}),
		status:  StatusQueued,
	}
}

// runQueued waits for h to reach the front of its scope queue.
func (c *Controller) runQueued(h *Handle) {
	select {
	case <-h.start:
	case <-h.ctx.Done():
		if c.dequeue(h) {
			c.settle(h, StatusAborted, abortErr(h.ctx))
			return
		}
		// Promoted concurrently with the cancellation; start is closed.
		<-h.start
	}
	if h.ctx.Err() != nil {
		c.finish(h, StatusAborted, abortErr(h.ctx))
		return
	}
	if err := c.begin(h); err != nil {
		c.finish(h, StatusFailed, err)
		return
	}
	c.run(h)
}

// begin takes the cross-replica lock and persists the user turn.
func (c *Controller) begin(h *Handle) error {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveTurns.Add(h.ctx, 1)
	}

	if c.lock != nil {
		release, ok, err := c.lock.Acquire(h.ctx, h.req.Scope.Key())
		if err != nil {
			return fmt.Errorf("turn: acquire scope lock: %w", err)
		}
		if !ok {
			return &InProgressError{Scope: h.req.Scope, RetryAfter: c.cfg.RetryAfter}
		}
		h.release = release
	}

	id, err := c.turns.InsertTurn(h.ctx, h.req.Scope, memory.RoleUser, h.req.Message)
	if err != nil {
		return fmt.Errorf("turn: persist user turn: %w", err)
	}
	h.mu.Lock()
	h.userTurnID = id
	h.mu.Unlock()
	return nil
}

// run drives an admitted turn from ASSEMBLING to a terminal status.
func (c *Controller) run(h *Handle) {
	ctx, span := observe.StartSpan(h.ctx, "turn.run")
	span.SetAttributes(
		attribute.String("scope", h.req.Scope.Key()),
		attribute.String("session_id", h.id),
	)

	status, err := c.drive(ctx, h)
	observe.EndSpan(span, err)
	c.finish(h, status, err)
}

func (c *Controller) drive(ctx context.Context, h *Handle) (Status, error) {
	// ── ASSEMBLING ───────────────────────────────────────────────────────────
	actx, err := c.assembler.Assemble(ctx, chatctx.Request{
		Scope:      h.req.Scope,
		Query:      h.req.Message,
		SkipTurnID: h.Session().UserTurnID,
	})
	if err != nil {
		// Only a streaming turn can be aborted; earlier stops are failures.
		if ctx.Err() != nil {
			return StatusFailed, fmt.Errorf("turn: assemble context: %w", abortErr(ctx))
		}
		return StatusFailed, fmt.Errorf("turn: assemble context: %w", err)
	}
	h.setContext(actx)

	// ── GENERATING ───────────────────────────────────────────────────────────
	h.setStatus(StatusGenerating)
	text, reason, err := c.generate(ctx, h, actx)
	if err != nil {
		if errors.Is(err, ErrAborted) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
			return StatusAborted, err
		}
		return StatusFailed, err
	}

	// ── COMMITTING ───────────────────────────────────────────────────────────
	h.setStatus(StatusCommitting)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CommitTimeout)
	defer cancel()
	id, err := c.turns.InsertTurn(cctx, h.req.Scope, memory.RoleAssistant, text)
	if err != nil {
		return StatusFailed, fmt.Errorf("turn: commit assistant turn: %w", err)
	}
	h.mu.Lock()
	h.result.AssistantTurnID = id
	h.result.FinishReason = reason
	h.mu.Unlock()
	return StatusDone, nil
}

// generate streams the reply into h.deltas and returns the full text.
func (c *Controller) generate(ctx context.Context, h *Handle, actx *chatctx.Context) (text, reason string, err error) {
	gctx, cancel := context.WithTimeoutCause(ctx, c.cfg.GenerationTimeout, ErrGenerationTimeout)
	defer cancel()
	gctx, span := observe.StartSpan(gctx, "turn.generate")
	start := time.Now()
	defer func() {
		observe.EndSpan(span, err)
		if c.metrics != nil {
			status := "ok"
			if err != nil {
				status = "error"
			}
			c.metrics.GenerationDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("status", status)))
		}
	}()

	stream, err := c.llm.StreamCompletion(gctx, llm.CompletionRequest{
		SystemPrompt: chatctx.FormatSystemPrompt(c.cfg.SystemPrompt, actx),
		Messages:     chatctx.Messages(actx, h.req.Message),
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	})
	if err != nil {
		if gctx.Err() != nil {
			return "", "", c.stopErr(gctx)
		}
		return "", "", fmt.Errorf("turn: start generation: %w", err)
	}
	defer func() { go drain(stream) }()

	for {
		select {
		case <-gctx.Done():
			return "", "", c.stopErr(gctx)
		case chunk, ok := <-stream:
			if !ok {
				if gctx.Err() != nil {
					return "", "", c.stopErr(gctx)
				}
				return h.partialText(), "stop", nil
			}
			if chunk.FinishReason == llm.FinishReasonError {
				return "", "", fmt.Errorf("turn: generation: %s", chunk.Text)
			}
			if chunk.Text != "" {
				h.appendPartial(chunk.Text)
				select {
				case h.deltas <- chunk.Text:
				case <-gctx.Done():
					return "", "", c.stopErr(gctx)
				}
			}
			if chunk.FinishReason != "" {
				return h.partialText(), chunk.FinishReason, nil
			}
		}
	}
}

// stopErr explains why gctx ended.
func (c *Controller) stopErr(gctx context.Context) error {
	cause := context.Cause(gctx)
	if errors.Is(cause, ErrGenerationTimeout) {
		return fmt.Errorf("turn: generate: %w after %s", ErrGenerationTimeout, c.cfg.GenerationTimeout)
	}
	return fmt.Errorf("turn: generate: %w", cause)
}

// finish settles h and hands the scope to the next queued turn.
func (c *Controller) finish(h *Handle, status Status, err error) {
	c.settle(h, status, err)

	c.mu.Lock()
	key := h.req.Scope.Key()
	st := c.scopes[key]
	if st == nil || st.active != h {
		c.mu.Unlock()
		return
	}
	st.active = nil
	var next *Handle
	if len(st.queue) > 0 && !c.closed {
		next, st.queue = st.queue[0], st.queue[1:]
		st.active = next
		next.setStatus(StatusAssembling)
		close(next.start)
	}
	if st.active == nil && len(st.queue) == 0 {
		delete(c.scopes, key)
	}
	c.mu.Unlock()

	if next != nil {
		c.addQueued(next.ctx, -1)
	}
}

// settle moves h to its terminal status, stores the result and releases
// everything h holds. It runs exactly once per handle.
func (c *Controller) settle(h *Handle, status Status, err error) {
	ctx := context.WithoutCancel(h.ctx)

	if status == StatusAborted && err == nil {
		err = ErrAborted
	}
	if status == StatusAborted && !errors.Is(err, ErrAborted) {
		err = fmt.Errorf("%w: %w", ErrAborted, err)
	}

	h.mu.Lock()
	userTurnID, partial, started := h.userTurnID, h.partial.String(), h.started
	h.mu.Unlock()

	var incompleteID string
	if status == StatusAborted && c.cfg.PersistPartialOnAbort && userTurnID != "" && partial != "" {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CommitTimeout)
		id, perr := c.turns.InsertTurn(cctx, h.req.Scope, memory.RoleAssistant, partial, memory.AsIncomplete())
		cancel()
		if perr != nil {
			observe.Logger(ctx).Warn("turn: persist partial reply failed", "session_id", h.id, "err", perr)
		} else {
			incompleteID = id
		}
	}

	if h.release != nil {
		if rerr := h.release(ctx); rerr != nil {
			observe.Logger(ctx).Warn("turn: release scope lock failed", "scope", h.req.Scope.Key(), "err", rerr)
		}
	}

	h.mu.Lock()
	h.status = status
	h.err = err
	h.result.SessionID = h.id
	h.result.Status = status
	h.result.UserTurnID = userTurnID
	h.result.Text = partial
	h.result.Context = h.actx
	h.result.Duration = time.Since(h.created)
	if incompleteID != "" {
		h.result.AssistantTurnID = incompleteID
	}
	if status != StatusDone {
		h.result.FinishReason = ""
	}
	h.mu.Unlock()

	close(h.deltas)
	close(h.done)
	h.cancel(context.Canceled)

	c.recordFinished(ctx, h, status, started, err)
	c.wg.Done()
}

// dequeue removes a waiting h from its scope queue. It reports false when h
// was already promoted.
func (c *Controller) dequeue(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.scopes[h.req.Scope.Key()]
	if st == nil {
		return false
	}
	for i, q := range st.queue {
		if q == h {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			c.addQueued(h.ctx, -1)
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Metrics and logging
// ─────────────────────────────────────────────────────────────────────────────

func (c *Controller) recordRejected(ctx context.Context, scope memory.Scope) {
	observe.Logger(ctx).Info("turn: submission rejected, scope busy", "scope", scope.Key())
	if c.metrics != nil {
		c.metrics.RecordTurn(ctx, string(scope.Type), "rejected", 0)
	}
}

func (c *Controller) recordFinished(ctx context.Context, h *Handle, status Status, started bool, err error) {
	log := observe.Logger(ctx).With(
		"scope", h.req.Scope.Key(),
		"session_id", h.id,
		"status", status.String(),
		"duration", time.Since(h.created),
	)
	switch status {
	case StatusFailed:
		log.Error("turn: failed", "err", err)
	case StatusAborted:
		log.Info("turn: aborted", "reason", err)
	default:
		log.Info("turn: done")
	}
	if c.metrics == nil {
		return
	}
	if started {
		c.metrics.ActiveTurns.Add(ctx, -1)
	}
	c.metrics.RecordTurn(ctx, string(h.req.Scope.Type), strings.ToLower(status.String()), time.Since(h.created))
}

func (c *Controller) addQueued(ctx context.Context, n int64) {
	if c.metrics != nil {
		c.metrics.QueuedTurns.Add(ctx, n)
	}
}

// abortErr returns the cancellation cause of ctx as an abort error.
func abortErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return ErrAborted
	}
	return cause
}

// drain empties an abandoned stream so the provider goroutine can exit.
func drain(ch <-chan llm.Chunk) {
	for range ch {
	}
}
