package turn

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lectern/internal/chatctx"
	"github.com/MrWong99/lectern/pkg/memory"
)

// ─────────────────────────────────────────────────────────────────────────────
// Status
// ─────────────────────────────────────────────────────────────────────────────

// Status is the lifecycle state of a turn.
type Status int

const (
	// StatusQueued marks a submission waiting behind another turn of its
	// scope. It has no session state and no persisted user turn yet.
	StatusQueued Status = iota
	StatusAssembling
	StatusGenerating
	StatusCommitting
	StatusDone
	StatusAborted
	StatusFailed
)

var statusNames = [...]string{
	StatusQueued:     "QUEUED",
	StatusAssembling: "ASSEMBLING",
	StatusGenerating: "GENERATING",
	StatusCommitting: "COMMITTING",
	StatusDone:       "DONE",
	StatusAborted:    "ABORTED",
	StatusFailed:     "FAILED",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Terminal reports whether s is DONE, ABORTED or FAILED.
func (s Status) Terminal() bool {
	return s >= StatusDone
}

// ─────────────────────────────────────────────────────────────────────────────
// Session and result snapshots
// ─────────────────────────────────────────────────────────────────────────────

// Session is a point-in-time view of one turn.
type Session struct {
	ID         string
	Scope      memory.Scope
	Message    string
	UserTurnID string

	// Partial is the reply text streamed so far.
	Partial string
	Status  Status
}

// Result is the outcome of a finished turn.
type Result struct {
	SessionID string
	Status    Status

	UserTurnID string

	// AssistantTurnID is set for DONE turns, and for ABORTED turns whose
	// partial reply was stored as an incomplete marker.
	AssistantTurnID string

	// Text is the full reply of a DONE turn, or what was streamed before an
	// abort or failure.
	Text string

	// FinishReason is the model's stop reason for DONE turns.
	FinishReason string

	// Context is the assembled context, nil when assembly did not finish.
	Context *chatctx.Context

	Duration time.Duration
}

// Request is one user message submitted to a scope.
type Request struct {
	Scope   memory.Scope
	Message string
}

// ─────────────────────────────────────────────────────────────────────────────
// Handle
// ─────────────────────────────────────────────────────────────────────────────

// Handle is the caller's side of a submitted turn.
//
// Deltas delivers reply text as it is generated. The channel is closed when
// generation ends for any reason. The controller blocks on an undrained
// channel, so callers must either range over Deltas, call Wait, or Abort.
type Handle struct {
	id      string
	req     Request
	ctx     context.Context
	cancel  context.CancelCauseFunc
	created time.Time

	deltas chan string
	start  chan struct{}
	done   chan struct{}

	// release frees the cross-replica scope lock, if one was taken.
	release func(context.Context) error

	mu         sync.Mutex
	status     Status
	started    bool
	userTurnID string
	partial    strings.Builder
	actx       *chatctx.Context
	result     Result
	err        error
}

// ID returns the session ID.
func (h *Handle) ID() string { return h.id }

// Scope returns the scope the turn was submitted to.
func (h *Handle) Scope() memory.Scope { return h.req.Scope }

// Deltas returns the stream of reply fragments.
func (h *Handle) Deltas() <-chan string { return h.deltas }

// Done is closed when the turn has reached a terminal status.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Abort stops the turn. A queued turn is withdrawn without persisting
// anything. A turn still assembling its context fails. A generating turn
// stops streaming and commits no final assistant turn. Abort after the turn
// finished is a no-op.
func (h *Handle) Abort() { h.cancel(ErrAborted) }

// Wait blocks until the turn is terminal and returns its result. Deltas not
// yet received are discarded, so callers that want the stream should range
// over Deltas before calling Wait.
//
// The error is nil for DONE, wraps [ErrAborted] for ABORTED and describes the
// failure for FAILED turns.
func (h *Handle) Wait() (Result, error) {
	for range h.deltas {
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Context returns the assembled context. It is set before the first delta
// is sent and nil until then.
func (h *Handle) Context() *chatctx.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.actx
}

// Session returns a snapshot of the turn.
func (h *Handle) Session() Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Session{
		ID:         h.id,
		Scope:      h.req.Scope,
		Message:    h.req.Message,
		UserTurnID: h.userTurnID,
		Partial:    h.partial.String(),
		Status:     h.status,
	}
}

func (h *Handle) setStatus(s Status) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *Handle) setContext(c *chatctx.Context) {
	h.mu.Lock()
	h.actx = c
	h.mu.Unlock()
}

func (h *Handle) appendPartial(s string) {
	h.mu.Lock()
	h.partial.WriteString(s)
	h.mu.Unlock()
}

func (h *Handle) partialText() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.partial.String()
}
