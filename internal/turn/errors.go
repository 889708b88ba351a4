package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lectern/pkg/memory"
)

var (
	// ErrTurnInProgress is matched by every rejection caused by another
	// turn of the same scope still running.
	ErrTurnInProgress = errors.New("turn: turn in progress")

	// ErrQueueFull is returned for queued scopes whose wait queue is at
	// capacity. It is always joined with an [*InProgressError].
	ErrQueueFull = errors.New("turn: queue full")

	// ErrGenerationTimeout reports that the model did not finish its reply
	// within the generation timeout.
	ErrGenerationTimeout = errors.New("turn: generation timeout")

	// ErrAborted is returned by [Handle.Wait] for turns stopped through
	// [Handle.Abort] or by cancelling the submit context.
	ErrAborted = errors.New("turn: aborted")

	// ErrClosed is returned once the controller is shutting down.
	ErrClosed = errors.New("turn: controller closed")

	// ErrEmptyMessage rejects blank user messages.
	ErrEmptyMessage = errors.New("turn: empty message")
)

// InProgressError rejects a submission because its scope already has a turn
// in flight. It unwraps to [ErrTurnInProgress].
type InProgressError struct {
	Scope memory.Scope

	// SessionID identifies the running session. It is empty when the turn
	// runs on another server replica.
	SessionID string

	// RetryAfter is a hint for when resubmitting is likely to succeed.
	RetryAfter time.Duration
}

func (e *InProgressError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("turn: scope %s has a turn in progress on another replica, retry after %s", e.Scope, e.RetryAfter)
	}
	return fmt.Sprintf("turn: scope %s has a turn in progress (session %s), retry after %s", e.Scope, e.SessionID, e.RetryAfter)
}

func (e *InProgressError) Unwrap() error { return ErrTurnInProgress }
