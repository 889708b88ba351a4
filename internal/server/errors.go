package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/chatctx"
	"github.com/MrWong99/lectern/internal/indexer"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/retrieval"
	"github.com/MrWong99/lectern/internal/transcript"
	"github.com/MrWong99/lectern/internal/turn"
)

// badRequestError reports a malformed request.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

// errorBody is the JSON shape of every error response and error frame.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// RetryAfter is set for busy scopes, in seconds.
	RetryAfter float64 `json:"retry_after,omitempty"`

	// SessionID names the running turn of a busy scope when it runs on this
	// replica.
	SessionID string `json:"session_id,omitempty"`
}

// classify maps an error to an HTTP status and a stable error code.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var busy *turn.InProgressError
	var bad *badRequestError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &bad):
		body.Code = "bad_request"
		return http.StatusBadRequest, body
	case errors.As(err, &tooLarge):
		body.Code = "too_large"
		return http.StatusRequestEntityTooLarge, body
	case errors.Is(err, turn.ErrEmptyMessage):
		body.Code = "empty_message"
		return http.StatusBadRequest, body
	case errors.As(err, &busy):
		body.Code = "turn_in_progress"
		if errors.Is(err, turn.ErrQueueFull) {
			body.Code = "queue_full"
		}
		body.RetryAfter = busy.RetryAfter.Seconds()
		body.SessionID = busy.SessionID
		return http.StatusConflict, body
	case errors.Is(err, transcript.ErrOrderingViolation), errors.Is(err, transcript.ErrInvalidOffset):
		body.Code = "ordering_violation"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, turn.ErrGenerationTimeout):
		body.Code = "generation_timeout"
		return http.StatusGatewayTimeout, body
	case errors.Is(err, retrieval.ErrRetrievalTimeout):
		body.Code = "retrieval_timeout"
		return http.StatusGatewayTimeout, body
	case errors.Is(err, chatctx.ErrUnknownLecture):
		body.Code = "unknown_lecture"
		return http.StatusNotFound, body
	case errors.Is(err, app.ErrLectureExists):
		body.Code = "lecture_exists"
		return http.StatusConflict, body
	case errors.Is(err, app.ErrLectureEnded):
		body.Code = "lecture_ended"
		return http.StatusConflict, body
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		body.Code = "unsupported_format"
		return http.StatusUnsupportedMediaType, body
	case errors.Is(err, ingest.ErrEmptyDocument), errors.Is(err, ingest.ErrNotUTF8):
		body.Code = "invalid_document"
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, indexer.ErrEmbeddingBatchFailure):
		body.Code = "embedding_failure"
		return http.StatusBadGateway, body
	case errors.Is(err, turn.ErrAborted):
		body.Code = "aborted"
		return http.StatusConflict, body
	case errors.Is(err, turn.ErrClosed):
		body.Code = "shutting_down"
		return http.StatusServiceUnavailable, body
	default:
		body.Code = "internal"
		return http.StatusInternalServerError, body
	}
}

// writeError writes err as a JSON error response. Busy scopes get a
// Retry-After header in whole seconds.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(body.RetryAfter))))
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}
