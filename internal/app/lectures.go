package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/lectern/internal/chatctx"
	"github.com/MrWong99/lectern/internal/indexer"
	"github.com/MrWong99/lectern/internal/ingest"
	"github.com/MrWong99/lectern/internal/transcript"
	"github.com/MrWong99/lectern/pkg/memory"
)

var (
	// ErrLectureExists is returned by Start for an ID that is already live
	// or was ended during this process lifetime.
	ErrLectureExists = errors.New("app: lecture already exists")

	// ErrLectureEnded rejects segments and End calls for ended lectures.
	ErrLectureEnded = errors.New("app: lecture has ended")
)

// LectureInfo holds metadata about a lecture.
type LectureInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`

	// CourseID is the course the finished transcript is filed under. Empty
	// for stand-alone lectures.
	CourseID string `json:"course_id,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	// Segments is the number of transcript segments received so far.
	Segments int  `json:"segments"`
	Live     bool `json:"live"`
}

// EndResult reports how a finished lecture was indexed.
type EndResult struct {
	Lecture LectureInfo
	Index   indexer.Result

	// Course is set when the transcript was filed as a course document.
	Course *ingest.Result
}

// LecturesConfig holds all dependencies for a [Lectures] manager.
type LecturesConfig struct {
	// Segments persists transcript segments. Optional.
	Segments memory.SegmentStore

	Indexer *indexer.Indexer
	Ingest  *ingest.Service

	// TailSize is the default transcript tail length in segments.
	TailSize int

	// IndexEvery re-indexes a live transcript after this many new segments.
	// Zero or negative disables live indexing.
	IndexEvery int
}

// lecture is one entry of the registry. mu serialises Append and End so no
// segment slips in after the final indexing snapshot.
type lecture struct {
	seg *transcript.Segmenter

	mu         sync.Mutex
	info       LectureInfo
	sinceIndex int
	indexing   bool
}

func (l *lecture) snapshot() LectureInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// Lectures manages the lecture lifecycle: starting a lecture, appending
// transcript segments, and ending it. It implements [chatctx.Lectures] so
// both live and ended lectures can be chatted with.
// All exported methods are safe for concurrent use.
type Lectures struct {
	cfg LecturesConfig

	mu       sync.Mutex
	lectures map[string]*lecture

	// bg scopes live indexing runs. Close cancels it and waits on wg.
	bg     context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewLectures creates an empty lecture registry.
func NewLectures(cfg LecturesConfig) *Lectures {
	bg, stop := context.WithCancel(context.Background())
	return &Lectures{
		cfg:      cfg,
		lectures: make(map[string]*lecture),
		bg:       bg,
		stop:     stop,
	}
}

// Start registers a new lecture. Segments already persisted for id (from an
// earlier process) are restored so the transcript continues where it left
// off. An empty title defaults to the ID.
func (m *Lectures) Start(ctx context.Context, id, title, courseID string) (LectureInfo, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return LectureInfo{}, fmt.Errorf("app: start lecture: id must not be empty")
	}
	if title == "" {
		title = id
	}

	m.mu.Lock()
	_, exists := m.lectures[id]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return LectureInfo{}, fmt.Errorf("app: start lecture %q: manager closed", id)
	}
	if exists {
		return LectureInfo{}, fmt.Errorf("app: start lecture %q: %w", id, ErrLectureExists)
	}

	opts := []transcript.Option{transcript.WithTailSize(m.cfg.TailSize)}
	if m.cfg.Segments != nil {
		opts = append(opts, transcript.WithSegmentLog(m.cfg.Segments))
	}
	seg := transcript.New(id, opts...)

	if m.cfg.Segments != nil {
		prior, err := m.cfg.Segments.ListSegments(ctx, id)
		if err != nil {
			return LectureInfo{}, fmt.Errorf("app: start lecture %q: load segments: %w", id, err)
		}
		if err := seg.Restore(prior); err != nil {
			return LectureInfo{}, fmt.Errorf("app: start lecture %q: %w", id, err)
		}
	}

	l := &lecture{
		seg: seg,
		info: LectureInfo{
			ID:        id,
			Title:     title,
			CourseID:  courseID,
			StartedAt: time.Now().UTC(),
			Segments:  seg.Len(),
			Live:      true,
		},
	}

	m.mu.Lock()
	if _, ok := m.lectures[id]; ok {
		m.mu.Unlock()
		return LectureInfo{}, fmt.Errorf("app: start lecture %q: %w", id, ErrLectureExists)
	}
	m.lectures[id] = l
	m.mu.Unlock()

	slog.Info("lecture started", "lecture_id", id, "course_id", courseID, "restored_segments", l.info.Segments)
	return l.info, nil
}

// Append adds one transcript segment to a live lecture. Ordering violations
// are returned unchanged from the segmenter and leave the transcript as it
// was.
func (m *Lectures) Append(ctx context.Context, id string, seg memory.Segment) error {
	l, err := m.get(id)
	if err != nil {
		return fmt.Errorf("app: append segment: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.info.Live {
		return fmt.Errorf("app: append segment to %q: %w", id, ErrLectureEnded)
	}
	if err := l.seg.Append(ctx, seg); err != nil {
		return fmt.Errorf("app: append segment to %q: %w", id, err)
	}
	l.info.Segments++
	l.sinceIndex++

	if m.cfg.IndexEvery > 0 && m.cfg.Indexer != nil && l.sinceIndex >= m.cfg.IndexEvery && !l.indexing {
		l.sinceIndex = 0
		l.indexing = true
		m.spawn(func() { m.indexLive(l) })
	}
	return nil
}

// End marks a lecture as finished and indexes its full transcript under the
// lecture scope. When the lecture belongs to a course the transcript is also
// stored and indexed as a course document. The lecture stays available for
// chat after it ended.
func (m *Lectures) End(ctx context.Context, id string) (EndResult, error) {
	l, err := m.get(id)
	if err != nil {
		return EndResult{}, fmt.Errorf("app: end lecture: %w", err)
	}

	l.mu.Lock()
	if !l.info.Live {
		l.mu.Unlock()
		return EndResult{}, fmt.Errorf("app: end lecture %q: %w", id, ErrLectureEnded)
	}
	l.info.Live = false
	l.info.EndedAt = time.Now().UTC()
	info := l.info
	l.mu.Unlock()

	res := EndResult{Lecture: info}
	text := l.seg.FullText()
	if m.cfg.Indexer == nil || text == "" {
		slog.Info("lecture ended", "lecture_id", id, "segments", info.Segments)
		return res, nil
	}

	var errs []error
	res.Index, err = m.cfg.Indexer.IndexText(ctx, text, indexer.Source{
		Scope: memory.Scope{ID: id, Type: memory.ScopeLecture},
		ID:    id,
		Title: info.Title,
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("app: end lecture %q: index transcript: %w", id, err))
	}

	if info.CourseID != "" && m.cfg.Ingest != nil {
		course := memory.Scope{ID: info.CourseID, Type: memory.ScopeCourse}
		cr, err := m.cfg.Ingest.IngestText(ctx, course, courseDocumentID(id), info.Title, text)
		if err != nil {
			errs = append(errs, fmt.Errorf("app: end lecture %q: file under course %q: %w", id, info.CourseID, err))
		} else {
			res.Course = &cr
		}
	}

	slog.Info("lecture ended",
		"lecture_id", id,
		"segments", info.Segments,
		"chunks", res.Index.Chunks,
		"course_id", info.CourseID,
	)
	return res, errors.Join(errs...)
}

// Lecture implements [chatctx.Lectures].
func (m *Lectures) Lecture(_ context.Context, id string) (*chatctx.Lecture, error) {
	l, err := m.get(id)
	if err != nil {
		return nil, err
	}
	info := l.snapshot()
	return &chatctx.Lecture{ID: info.ID, Title: info.Title, Transcript: l.seg}, nil
}

// Info returns metadata about one lecture.
func (m *Lectures) Info(id string) (LectureInfo, error) {
	l, err := m.get(id)
	if err != nil {
		return LectureInfo{}, err
	}
	return l.snapshot(), nil
}

// List returns all known lectures, oldest first.
func (m *Lectures) List() []LectureInfo {
	m.mu.Lock()
	all := make([]*lecture, 0, len(m.lectures))
	for _, l := range m.lectures {
		all = append(all, l)
	}
	m.mu.Unlock()

	out := make([]LectureInfo, 0, len(all))
	for _, l := range all {
		out = append(out, l.snapshot())
	}
	slices.SortFunc(out, func(a, b LectureInfo) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}

// Close cancels live indexing runs and waits for them to return. Lectures
// can no longer be started afterwards.
func (m *Lectures) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()
	m.wg.Wait()
	return nil
}

func (m *Lectures) get(id string) (*lecture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lectures[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", chatctx.ErrUnknownLecture, id)
	}
	return l, nil
}

func (m *Lectures) spawn(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.wg.Go(fn)
}

// indexLive indexes the transcript as it stands. Chunk IDs are positional,
// so an earlier run's rows, including its shorter tail chunk, are replaced
// in place.
func (m *Lectures) indexLive(l *lecture) {
	defer func() {
		l.mu.Lock()
		l.indexing = false
		l.mu.Unlock()
	}()

	info := l.snapshot()
	res, err := m.cfg.Indexer.IndexText(m.bg, l.seg.FullText(), indexer.Source{
		Scope: memory.Scope{ID: info.ID, Type: memory.ScopeLecture},
		ID:    info.ID,
		Title: info.Title,
	})
	if err != nil {
		slog.Warn("lecture: live indexing failed", "lecture_id", info.ID, "err", err)
		return
	}
	slog.Debug("lecture: live transcript indexed", "lecture_id", info.ID, "chunks", res.Chunks)
}

// courseDocumentID names the course document a lecture transcript is filed
// under.
func courseDocumentID(lectureID string) string {
	return "lecture-" + lectureID
}

var _ chatctx.Lectures = (*Lectures)(nil)
