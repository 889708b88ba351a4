package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/MrWong99/lectern/internal/app"
	"github.com/MrWong99/lectern/internal/indexer"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/pkg/memory"
)

// ─── Lectures ────────────────────────────────────────────────────────────────

type startLectureRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	CourseID string `json:"course_id"`
}

func (s *Server) startLecture(w http.ResponseWriter, r *http.Request) {
	var req startLectureRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, r, &badRequestError{msg: "id is required"})
		return
	}
	info, err := s.deps.Lectures.Start(r.Context(), req.ID, req.Title, req.CourseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) listLectures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]app.LectureInfo{"lectures": s.deps.Lectures.List()})
}

func (s *Server) getLecture(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Lectures.Info(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type segmentView struct {
	StartOffset float64 `json:"start_offset"`
	Text        string  `json:"text"`
}

type appendSegmentsRequest struct {
	Segments []segmentView `json:"segments"`
}

// appendSegments applies segments in order and stops at the first rejected
// one. The response reports how many were accepted either way.
func (s *Server) appendSegments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req appendSegmentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	for i, seg := range req.Segments {
		err := s.deps.Lectures.Append(r.Context(), id, memory.Segment{StartOffset: seg.StartOffset, Text: seg.Text})
		if err != nil {
			status, body := classify(err)
			writeJSON(w, status, map[string]any{"accepted": i, "error": body})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Segments)})
}

type endLectureResponse struct {
	Lecture          app.LectureInfo `json:"lecture"`
	Chunks           int             `json:"chunks"`
	Skipped          bool            `json:"skipped,omitempty"`
	CourseDocumentID string          `json:"course_document_id,omitempty"`

	// IndexError reports an indexing failure. The lecture is ended
	// regardless.
	IndexError string `json:"index_error,omitempty"`
}

func (s *Server) endLecture(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Lectures.End(r.Context(), r.PathValue("id"))
	if err != nil && res.Lecture.ID == "" {
		writeError(w, r, err)
		return
	}
	out := endLectureResponse{
		Lecture: res.Lecture,
		Chunks:  res.Index.Chunks,
		Skipped: res.Index.Skipped,
	}
	if res.Course != nil {
		out.CourseDocumentID = res.Course.DocumentID
	}
	if err != nil {
		out.IndexError = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Documents ───────────────────────────────────────────────────────────────

type documentResponse struct {
	DocumentID string        `json:"document_id"`
	Title      string        `json:"title"`
	Format     ingest.Format `json:"format"`
	Chunks     int           `json:"chunks"`
	Skipped    bool          `json:"skipped,omitempty"`

	// IndexError is set when the document was stored but not fully
	// indexed.
	IndexError string `json:"index_error,omitempty"`
}

// uploadDocument accepts either a multipart form with a "file" part or a raw
// body named by the "name" query parameter.
func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	up.Scope = memory.Scope{ID: r.PathValue("id"), Type: memory.ScopeCourse}

	res, err := s.deps.Documents.Ingest(r.Context(), up)
	out := documentResponse{
		DocumentID: res.DocumentID,
		Title:      res.Title,
		Format:     res.Format,
		Chunks:     res.Index.Chunks,
		Skipped:    res.Index.Skipped,
	}
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, out)
	case errors.Is(err, indexer.ErrEmbeddingBatchFailure) && res.DocumentID != "":
		out.IndexError = err.Error()
		writeJSON(w, http.StatusAccepted, out)
	default:
		writeError(w, r, err)
	}
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (ingest.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(s.maxUpload); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return ingest.Upload{}, err
			}
			return ingest.Upload{}, &badRequestError{msg: "invalid multipart form: " + err.Error()}
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return ingest.Upload{}, &badRequestError{msg: "missing file part"}
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return ingest.Upload{}, err
		}
		return ingest.Upload{Name: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Data: data}, nil
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		return ingest.Upload{}, &badRequestError{msg: "name query parameter is required for raw uploads"}
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return ingest.Upload{}, err
	}
	return ingest.Upload{Name: name, ContentType: r.Header.Get("Content-Type"), Data: data}, nil
}
