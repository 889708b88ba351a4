package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/config"
	"github.com/MrWong99/lectern/internal/health"
	"github.com/MrWong99/lectern/internal/server"
	"github.com/MrWong99/lectern/internal/turn"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/memstore"
	embmock "github.com/MrWong99/lectern/pkg/provider/embeddings/mock"
	"github.com/MrWong99/lectern/pkg/provider/llm"
	llmmock "github.com/MrWong99/lectern/pkg/provider/llm/mock"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	app   *app.App
	srv   *httptest.Server
	store *memstore.Store
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(`
providers:
  llm: {name: openai, model: gpt-4o-mini}
  embeddings: {name: openai, model: text-embedding-3-small}
engine:
  chunk_size: 100
  chunk_overlap: 10
  index_every: -1
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func answering() *llmmock.Provider {
	return &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "Entropy "}, {Text: "grows.", FinishReason: "stop"}},
	}
}

func newFixture(t *testing.T, model *llmmock.Provider, tune func(*config.Config), opts ...server.Option) *fixture {
	t.Helper()
	cfg := testConfig(t)
	if tune != nil {
		tune(cfg)
	}
	store := memstore.New()
	a, err := app.New(context.Background(), cfg, &app.Providers{
		LLM: model,
		Embeddings: &embmock.Provider{
			DimensionsValue: 3,
			EmbedFunc:       func(string) []float32 { return []float32{1, 0, 0} },
		},
	}, app.WithMemory(store))
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	s := server.New(server.Deps{
		Turns:     a.Controller(),
		Lectures:  a.Lectures(),
		Documents: a.Ingest(),
		History:   a.Conversations(),
		Checkers:  a.Checkers(),
		Metrics:   a.Metrics(),
	}, opts...)
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return &fixture{app: a, srv: srv, store: store}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body []byte, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) postJSON(t *testing.T, path string, v any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(v)
	return f.do(t, http.MethodPost, path, "application/json", body)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

type errorEnvelope struct {
	Error struct {
		Code       string  `json:"code"`
		Message    string  `json:"message"`
		RetryAfter float64 `json:"retry_after"`
		SessionID  string  `json:"session_id"`
	} `json:"error"`
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		t.Fatalf("status: want %d, got %d: %s", want, resp.StatusCode, buf.String())
	}
}

func (f *fixture) startLecture(t *testing.T, id string, segs ...string) {
	t.Helper()
	wantStatus(t, f.postJSON(t, "/v1/lectures", map[string]string{"id": id, "title": "Thermodynamics"}), http.StatusCreated)
	if len(segs) == 0 {
		return
	}
	var list []map[string]any
	for i, s := range segs {
		list = append(list, map[string]any{"start_offset": float64(i * 30), "text": s})
	}
	wantStatus(t, f.postJSON(t, "/v1/lectures/"+id+"/segments", map[string]any{"segments": list}), http.StatusOK)
}

// ─── Lectures ────────────────────────────────────────────────────────────────

func TestLectureLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)

	resp := f.postJSON(t, "/v1/lectures", map[string]string{"id": "lec-1", "title": "Thermodynamics", "course_id": "thermo-101"})
	wantStatus(t, resp, http.StatusCreated)
	info := decode[app.LectureInfo](t, resp)
	if info.ID != "lec-1" || !info.Live || info.CourseID != "thermo-101" {
		t.Errorf("info: %+v", info)
	}

	resp = f.postJSON(t, "/v1/lectures", map[string]string{"id": "lec-1"})
	wantStatus(t, resp, http.StatusConflict)
	if e := decode[errorEnvelope](t, resp); e.Error.Code != "lecture_exists" {
		t.Errorf("code: %q", e.Error.Code)
	}

	resp = f.postJSON(t, "/v1/lectures/lec-1/segments", map[string]any{"segments": []map[string]any{
		{"start_offset": 0, "text": strings.Repeat("The first law conserves energy. ", 3)},
		{"start_offset": 12.5, "text": strings.Repeat("The second law says entropy grows. ", 3)},
	}})
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string]int](t, resp); got["accepted"] != 2 {
		t.Errorf("accepted: %v", got)
	}

	resp = f.postJSON(t, "/v1/lectures/lec-1/segments", map[string]any{"segments": []map[string]any{
		{"start_offset": 60, "text": "fine"},
		{"start_offset": 5, "text": "late"},
	}})
	wantStatus(t, resp, http.StatusUnprocessableEntity)
	var partial struct {
		Accepted int `json:"accepted"`
		Error    struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&partial); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if partial.Accepted != 1 || partial.Error.Code != "ordering_violation" {
		t.Errorf("partial append: %+v", partial)
	}

	resp = f.do(t, http.MethodGet, "/v1/lectures/lec-1", "", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[app.LectureInfo](t, resp); got.Segments != 3 {
		t.Errorf("segments: want 3, got %d", got.Segments)
	}

	resp = f.do(t, http.MethodPost, "/v1/lectures/lec-1/end", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var ended struct {
		Lecture          app.LectureInfo `json:"lecture"`
		Chunks           int             `json:"chunks"`
		CourseDocumentID string          `json:"course_document_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ended); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ended.Lecture.Live || ended.Chunks == 0 || ended.CourseDocumentID != "lecture-lec-1" {
		t.Errorf("end response: %+v", ended)
	}

	resp = f.postJSON(t, "/v1/lectures/lec-1/segments", map[string]any{"segments": []map[string]any{{"start_offset": 900, "text": "x"}}})
	wantStatus(t, resp, http.StatusConflict)

	resp = f.do(t, http.MethodGet, "/v1/lectures", "", nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[map[string][]app.LectureInfo](t, resp); len(got["lectures"]) != 1 {
		t.Errorf("list: %+v", got)
	}
}

func TestUnknownLecture(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)

	wantStatus(t, f.do(t, http.MethodGet, "/v1/lectures/nope", "", nil), http.StatusNotFound)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/lectures/nope/end", "", nil), http.StatusNotFound)
	resp := f.postJSON(t, "/v1/lectures/nope/messages", map[string]string{"text": "hello?"})
	wantStatus(t, resp, http.StatusNotFound)
}

func TestBadJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)

	resp := f.do(t, http.MethodPost, "/v1/lectures", "application/json", []byte(`{"id": "x", "bogus": 1}`))
	wantStatus(t, resp, http.StatusBadRequest)
	resp = f.postJSON(t, "/v1/lectures", map[string]string{"title": "no id"})
	wantStatus(t, resp, http.StatusBadRequest)
}

// ─── Messages ────────────────────────────────────────────────────────────────

func TestPostMessage_FullContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)
	f.startLecture(t, "lec-1", "Entropy never decreases in an isolated system.")

	resp := f.postJSON(t, "/v1/lectures/lec-1/messages", map[string]string{"text": "What about entropy?"})
	wantStatus(t, resp, http.StatusOK)
	var got struct {
		SessionID string `json:"session_id"`
		Status    string `json:"status"`
		Text      string `json:"text"`
		Strategy  string `json:"strategy"`
		Sources   []struct {
			ID string `json:"id"`
		} `json:"sources"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "Entropy grows." || got.Status != "DONE" || got.Strategy != "FULL" || got.SessionID == "" {
		t.Errorf("response: %+v", got)
	}
	if len(got.Sources) != 1 || got.Sources[0].ID != "lec-1" {
		t.Errorf("sources: %+v", got.Sources)
	}

	resp = f.do(t, http.MethodGet, "/v1/lectures/lec-1/turns", "", nil)
	wantStatus(t, resp, http.StatusOK)
	var history struct {
		Scope string `json:"scope"`
		Turns []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"turns"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.Scope != "lecture:lec-1" || len(history.Turns) != 2 ||
		history.Turns[0].Content != "What about entropy?" || history.Turns[1].Content != "Entropy grows." {
		t.Errorf("history: %+v", history)
	}
}

func TestPostMessage_EmptyMessage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)
	f.startLecture(t, "lec-1")

	resp := f.postJSON(t, "/v1/lectures/lec-1/messages", map[string]string{"text": "   "})
	wantStatus(t, resp, http.StatusBadRequest)
	if e := decode[errorEnvelope](t, resp); e.Error.Code != "empty_message" {
		t.Errorf("code: %q", e.Error.Code)
	}
}

func TestPostMessage_BusyLectureRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "thinking"}}, HoldOpen: true}, nil)
	f.startLecture(t, "lec-1", "Heat flows from hot to cold.")

	scope := memory.Scope{ID: "lec-1", Type: memory.ScopeLecture}
	h, err := f.app.Controller().Submit(context.Background(), turn.Request{Scope: scope, Message: "first"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	defer h.Abort()

	resp := f.postJSON(t, "/v1/lectures/lec-1/messages", map[string]string{"text": "second"})
	wantStatus(t, resp, http.StatusConflict)
	if ra := resp.Header.Get("Retry-After"); ra != "5" {
		t.Errorf("Retry-After: %q", ra)
	}
	e := decode[errorEnvelope](t, resp)
	if e.Error.Code != "turn_in_progress" || e.Error.SessionID != h.ID() || e.Error.RetryAfter != 5 {
		t.Errorf("error body: %+v", e.Error)
	}
}

func TestPostMessage_GenerationTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &llmmock.Provider{HoldOpen: true}, func(c *config.Config) {
		c.Engine.GenerationTimeout = 50 * time.Millisecond
	})
	f.startLecture(t, "lec-1", "Heat flows from hot to cold.")

	resp := f.postJSON(t, "/v1/lectures/lec-1/messages", map[string]string{"text": "why?"})
	wantStatus(t, resp, http.StatusGatewayTimeout)
	if e := decode[errorEnvelope](t, resp); e.Error.Code != "generation_timeout" {
		t.Errorf("code: %q", e.Error.Code)
	}

	turns, _ := f.store.ListTurns(context.Background(), memory.Scope{ID: "lec-1", Type: memory.ScopeLecture})
	if len(turns) != 1 || turns[0].Role != memory.RoleUser {
		t.Errorf("only the user turn may be persisted, got %+v", turns)
	}
}

func TestPostMessage_NDJSONStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)
	f.startLecture(t, "lec-1", "Entropy never decreases.")

	body, _ := json.Marshal(map[string]string{"text": "Explain"})
	resp := f.do(t, http.MethodPost, "/v1/lectures/lec-1/messages", "application/json", body, "Accept", "application/x-ndjson")
	wantStatus(t, resp, http.StatusOK)

	var types []string
	var text strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var fr map[string]any
		if err := dec.Decode(&fr); err != nil {
			break
		}
		typ, _ := fr["type"].(string)
		types = append(types, typ)
		if typ == "delta" {
			s, _ := fr["text"].(string)
			text.WriteString(s)
		}
	}
	want := []string{"sources", "delta", "delta", "done"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("frames: want %v, got %v", want, types)
	}
	if text.String() != "Entropy grows." {
		t.Errorf("streamed text: %q", text.String())
	}
}

// ─── Documents ───────────────────────────────────────────────────────────────

func TestUploadDocument_Raw(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)

	md := "# Carnot cycle\n" + strings.Repeat("An idealised reversible heat engine. ", 5)
	resp := f.do(t, http.MethodPost, "/v1/courses/thermo-101/documents?name=carnot.md", "text/markdown", []byte(md))
	wantStatus(t, resp, http.StatusCreated)
	var got struct {
		DocumentID string `json:"document_id"`
		Title      string `json:"title"`
		Format     string `json:"format"`
		Chunks     int    `json:"chunks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != "Carnot cycle" || got.Format != "markdown" || got.Chunks == 0 || got.DocumentID == "" {
		t.Errorf("response: %+v", got)
	}

	docs, _ := f.store.ListDocuments(context.Background(), memory.Scope{ID: "thermo-101", Type: memory.ScopeCourse})
	if len(docs) != 1 {
		t.Errorf("want 1 stored document, got %d", len(docs))
	}
}

func TestUploadDocument_Multipart(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "week1.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("Temperature is a measure of average kinetic energy."))
	_ = mw.Close()

	resp := f.do(t, http.MethodPost, "/v1/courses/thermo-101/documents", mw.FormDataContentType(), buf.Bytes())
	wantStatus(t, resp, http.StatusCreated)
	if got := decode[map[string]any](t, resp); got["title"] != "week1" {
		t.Errorf("title: %v", got["title"])
	}
}

func TestUploadDocument_Errors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, answering(), nil, server.WithMaxUploadBytes(64))

	wantStatus(t, f.do(t, http.MethodPost, "/v1/courses/c/documents", "text/plain", []byte("x")), http.StatusBadRequest)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/courses/c/documents?name=photo.png", "image/png", []byte("x")), http.StatusUnsupportedMediaType)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/courses/c/documents?name=a.txt", "text/plain", []byte("  ")), http.StatusUnprocessableEntity)
	wantStatus(t, f.do(t, http.MethodPost, "/v1/courses/c/documents?name=a.txt", "text/plain", bytes.Repeat([]byte("a"), 100)), http.StatusRequestEntityTooLarge)
}

// ─── Health ──────────────────────────────────────────────────────────────────

func TestHealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()

	s := server.New(server.Deps{
		Checkers: []health.Checker{{Name: "postgres", Check: func(context.Context) error { return errors.New("down") }}},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
	})

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusServiceUnavailable,
		"/metrics": http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: want %d, got %d", path, want, rec.Code)
		}
	}
}
