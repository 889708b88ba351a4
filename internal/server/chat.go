package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/lectern/internal/chatctx"
	"github.com/MrWong99/lectern/internal/observe"
	"github.com/MrWong99/lectern/internal/turn"
	"github.com/MrWong99/lectern/pkg/memory"
)

// Frame types.
const (
	frameMessage = "message"
	frameAbort   = "abort"
	frameSources = "sources"
	frameDelta   = "delta"
	frameDone    = "done"
	frameError   = "error"
)

// clientFrame is sent by chat clients.
type clientFrame struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`

	// SessionID selects the turn an abort applies to. Empty aborts every
	// turn of the connection.
	SessionID string `json:"session_id,omitempty"`
}

// frame is sent to chat clients. Every frame of a turn carries its session
// ID; admission errors carry none.
type frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// delta
	Text string `json:"text,omitempty"`

	// sources
	Strategy string              `json:"strategy,omitempty"`
	Degraded bool                `json:"degraded,omitempty"`
	Sources  []chatctx.SourceRef `json:"sources,omitempty"`

	// done and error
	Status          string `json:"status,omitempty"`
	UserTurnID      string `json:"user_turn_id,omitempty"`
	AssistantTurnID string `json:"assistant_turn_id,omitempty"`
	FinishReason    string `json:"finish_reason,omitempty"`

	Error *errorBody `json:"error,omitempty"`
}

func sourcesFrame(id string, c *chatctx.Context) frame {
	return frame{
		Type:      frameSources,
		SessionID: id,
		Strategy:  string(c.Strategy),
		Degraded:  c.Degraded,
		Sources:   c.Sources,
	}
}

func resultFrame(res turn.Result, err error) frame {
	f := frame{
		Type:            frameDone,
		SessionID:       res.SessionID,
		Status:          res.Status.String(),
		UserTurnID:      res.UserTurnID,
		AssistantTurnID: res.AssistantTurnID,
		FinishReason:    res.FinishReason,
	}
	if err != nil {
		_, body := classify(err)
		f.Type = frameError
		f.Error = &body
	}
	return f
}

func admissionFrame(err error) frame {
	_, body := classify(err)
	return frame{Type: frameError, Error: &body}
}

// relay forwards a turn to emit: its sources once the context is assembled,
// each delta, then a done or error frame. A failing emit aborts the turn.
// relay returns once the turn is terminal.
func relay(h *turn.Handle, emit func(frame) error) error {
	sent := false
	sources := func(c *chatctx.Context) error {
		if sent || c == nil {
			return nil
		}
		sent = true
		return emit(sourcesFrame(h.ID(), c))
	}

	for d := range h.Deltas() {
		err := sources(h.Context())
		if err == nil {
			err = emit(frame{Type: frameDelta, SessionID: h.ID(), Text: d})
		}
		if err != nil {
			h.Abort()
			_, _ = h.Wait()
			return err
		}
	}

	res, werr := h.Wait()
	if res.SessionID == "" {
		res.SessionID = h.ID()
	}
	if err := sources(res.Context); err != nil {
		return err
	}
	return emit(resultFrame(res, werr))
}

// ─── HTTP messages ───────────────────────────────────────────────────────────

type messageRequest struct {
	Text string `json:"text"`
}

type messageResponse struct {
	SessionID       string              `json:"session_id"`
	Status          string              `json:"status"`
	Text            string              `json:"text"`
	UserTurnID      string              `json:"user_turn_id,omitempty"`
	AssistantTurnID string              `json:"assistant_turn_id,omitempty"`
	FinishReason    string              `json:"finish_reason,omitempty"`
	Strategy        string              `json:"strategy,omitempty"`
	Degraded        bool                `json:"degraded,omitempty"`
	Sources         []chatctx.SourceRef `json:"sources,omitempty"`
}

// postMessage runs one turn. Clients accepting application/x-ndjson get the
// chat frames streamed one per line; everyone else gets the finished reply.
// Disconnecting aborts the turn.
func (s *Server) postMessage(st memory.ScopeType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req messageRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		scope := memory.Scope{ID: r.PathValue("id"), Type: st}
		h, err := s.deps.Turns.Submit(r.Context(), turn.Request{Scope: scope, Message: req.Text})
		if err != nil {
			writeError(w, r, err)
			return
		}

		if strings.Contains(r.Header.Get("Accept"), "application/x-ndjson") {
			streamNDJSON(w, r, h)
			return
		}

		res, err := h.Wait()
		if err != nil {
			writeError(w, r, err)
			return
		}
		out := messageResponse{
			SessionID:       h.ID(),
			Status:          res.Status.String(),
			Text:            res.Text,
			UserTurnID:      res.UserTurnID,
			AssistantTurnID: res.AssistantTurnID,
			FinishReason:    res.FinishReason,
		}
		if c := res.Context; c != nil {
			out.Strategy = string(c.Strategy)
			out.Degraded = c.Degraded
			out.Sources = c.Sources
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func streamNDJSON(w http.ResponseWriter, r *http.Request, h *turn.Handle) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	err := relay(h, func(f frame) error {
		if err := enc.Encode(f); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil {
		observe.Logger(r.Context()).Debug("chat stream ended early", "session_id", h.ID(), "err", err)
	}
}

// ─── WebSocket chat ──────────────────────────────────────────────────────────

// chatConn is one WebSocket chat connection. Several turns may stream over
// it at once; frames are told apart by session ID.
type chatConn struct {
	conn  *websocket.Conn
	scope memory.Scope
	turns Turns

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]*turn.Handle
}

// chat upgrades to a WebSocket and serves chat frames until the client goes
// away. Closing the socket aborts every turn still running on it.
func (s *Server) chat(st memory.ScopeType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := memory.Scope{ID: r.PathValue("id"), Type: st}
		conn, err := websocket.Accept(w, r, &s.accept)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithCancel(r.Context())
		c := &chatConn{conn: conn, scope: scope, turns: s.deps.Turns, active: make(map[string]*turn.Handle)}
		err = c.serve(ctx)
		cancel()
		c.wg.Wait()

		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			conn.Close(websocket.StatusNormalClosure, "")
		default:
			if !errors.Is(err, context.Canceled) {
				observe.Logger(r.Context()).Debug("chat connection closed", "scope", scope.Key(), "err", err)
			}
		}
	}
}

// serve reads client frames until the connection fails. Turns are submitted
// with ctx, so cancelling it aborts them.
func (c *chatConn) serve(ctx context.Context) error {
	for {
		var in clientFrame
		if err := wsjson.Read(ctx, c.conn, &in); err != nil {
			return err
		}
		switch in.Type {
		case frameMessage:
			h, err := c.turns.Submit(ctx, turn.Request{Scope: c.scope, Message: in.Text})
			if err != nil {
				if werr := c.write(ctx, admissionFrame(err)); werr != nil {
					return werr
				}
				continue
			}
			c.track(h)
			c.wg.Go(func() {
				defer c.untrack(h)
				_ = relay(h, func(f frame) error { return c.write(ctx, f) })
			})
		case frameAbort:
			c.abort(in.SessionID)
		default:
			body := errorBody{Code: "bad_frame", Message: "unknown frame type " + in.Type}
			if err := c.write(ctx, frame{Type: frameError, Error: &body}); err != nil {
				return err
			}
		}
	}
}

func (c *chatConn) write(ctx context.Context, f frame) error {
	return wsjson.Write(ctx, c.conn, f)
}

func (c *chatConn) track(h *turn.Handle) {
	c.mu.Lock()
	c.active[h.ID()] = h
	c.mu.Unlock()
}

func (c *chatConn) untrack(h *turn.Handle) {
	c.mu.Lock()
	delete(c.active, h.ID())
	c.mu.Unlock()
}

func (c *chatConn) abort(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range c.active {
		if sessionID == "" || id == sessionID {
			h.Abort()
		}
	}
}
