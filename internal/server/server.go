// Package server exposes the engine over HTTP and WebSocket.
//
// Routes:
//
//	GET  /healthz, /readyz, /metrics
//	POST /v1/lectures                       start a lecture
//	GET  /v1/lectures, /v1/lectures/{id}    lecture metadata
//	POST /v1/lectures/{id}/segments         append transcript segments
//	POST /v1/lectures/{id}/end              end and index a lecture
//	POST /v1/courses/{id}/documents         upload course material
//	GET  /v1/{lectures|courses}/{id}/turns     conversation history
//	POST /v1/{lectures|courses}/{id}/messages  one chat turn (JSON or NDJSON stream)
//	GET  /v1/{lectures|courses}/{id}/chat      chat over WebSocket
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/turn"
	"github.com/MrWong99/lectern/pkg/memory"
)

// DefaultMaxUploadBytes caps document uploads.
const DefaultMaxUploadBytes = 32 << 20

// maxJSONBytes caps every JSON request body.
const maxJSONBytes = 4 << 20

// Turns submits chat turns. [*turn.Controller] satisfies it.
type Turns interface {
	Submit(ctx context.Context, req turn.Request) (*turn.Handle, error)
}

// Lectures drives the lecture lifecycle. [*app.Lectures] satisfies it.
type Lectures interface {
	Start(ctx context.Context, id, title, courseID string) (app.LectureInfo, error)
	Append(ctx context.Context, id string, seg memory.Segment) error
	End(ctx context.Context, id string) (app.EndResult, error)
	Info(id string) (app.LectureInfo, error)
	List() []app.LectureInfo
}

// Documents ingests uploads. [*ingest.Service] satisfies it.
type Documents interface {
	Ingest(ctx context.Context, up ingest.Upload) (ingest.Result, error)
}

// Deps are the collaborators of a [Server].
type Deps struct {
	Turns     Turns
	Lectures  Lectures
	Documents Documents
	History   memory.ConversationStore

	// Checkers back /readyz.
	Checkers []health.Checker

	Metrics *observe.Metrics

	// MetricsHandler serves /metrics. Default: [observe.MetricsHandler].
	MetricsHandler http.Handler
}

// Option is a functional option for New.
type Option func(*Server)

// WithMaxUploadBytes caps the size of document uploads.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients whose Origin host
// matches one of patterns (see [websocket.AcceptOptions]).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.accept.OriginPatterns = append(s.accept.OriginPatterns, patterns...)
	}
}

// Server routes requests to the engine. It implements [http.Handler].
type Server struct {
	deps      Deps
	maxUpload int64
	accept    websocket.AcceptOptions
	handler   http.Handler
}

// New creates a Server over deps.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:      deps,
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.deps.Metrics == nil {
		s.deps.Metrics = observe.DefaultMetrics()
	}
	if s.deps.MetricsHandler == nil {
		s.deps.MetricsHandler = observe.MetricsHandler()
	}

	mux := http.NewServeMux()
	health.New(deps.Checkers).Register(mux)
	mux.Handle("GET /metrics", s.deps.MetricsHandler)

	mux.HandleFunc("POST /v1/lectures", s.startLecture)
	mux.HandleFunc("GET /v1/lectures", s.listLectures)
	mux.HandleFunc("GET /v1/lectures/{id}", s.getLecture)
	mux.HandleFunc("POST /v1/lectures/{id}/segments", s.appendSegments)
	mux.HandleFunc("POST /v1/lectures/{id}/end", s.endLecture)
	mux.HandleFunc("POST /v1/courses/{id}/documents", s.uploadDocument)

	for path, st := range map[string]memory.ScopeType{
		"lectures": memory.ScopeLecture,
		"courses":  memory.ScopeCourse,
	} {
		mux.HandleFunc("GET /v1/"+path+"/{id}/turns", s.listTurns(st))
		mux.HandleFunc("POST /v1/"+path+"/{id}/messages", s.postMessage(st))
		mux.HandleFunc("GET /v1/"+path+"/{id}/chat", s.chat(st))
	}

	s.handler = observe.Middleware(s.deps.Metrics)(mux)
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ─── History ─────────────────────────────────────────────────────────────────

type turnView struct {
	ID         string      `json:"id"`
	Role       memory.Role `json:"role"`
	Content    string      `json:"content"`
	Incomplete bool        `json:"incomplete,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (s *Server) listTurns(st memory.ScopeType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := memory.Scope{ID: r.PathValue("id"), Type: st}
		turns, err := s.deps.History.ListTurns(r.Context(), scope)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := make([]turnView, len(turns))
		for i, t := range turns {
			out[i] = turnView{
				ID:         t.ID,
				Role:       t.Role,
				Content:    t.Content,
				Incomplete: t.Incomplete,
				CreatedAt:  t.CreatedAt.UTC(),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"scope": scope.Key(), "turns": out})
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a size-capped JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{msg: "invalid JSON body: " + err.Error()}
	}
	return nil
}
