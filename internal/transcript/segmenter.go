// Package transcript holds the live transcript of a lecture.
//
// A [Segmenter] is the append-only, ordered log of speech segments for one
// lecture. It exposes two text views: the full transcript ([Segmenter.Lines],
// [Segmenter.FullText]) used when the whole lecture fits the model context, and
// the recent tail ([Segmenter.Tail]) that is always included when older
// content has to come from the semantic index instead.
//
// Every rendered line carries the segment's start offset as [HH:MM:SS].
package transcript

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/lectern/pkg/memory"
)

// DefaultTailSize is the number of segments returned by Tail when n <= 0.
const DefaultTailSize = 20

var (
	// ErrOrderingViolation is returned by Append when a segment does not start
	// strictly after the previously appended one. The segmenter is unchanged.
	ErrOrderingViolation = errors.New("transcript: ordering violation")

	// ErrInvalidOffset is returned for negative, NaN or infinite offsets.
	ErrInvalidOffset = errors.New("transcript: invalid segment offset")
)

// SegmentLog receives every accepted segment before it becomes visible.
// [memory.SegmentStore] satisfies it.
type SegmentLog interface {
	AppendSegment(ctx context.Context, lectureID string, seg memory.Segment) error
}

// Option is a functional option for New.
type Option func(*Segmenter)

// WithSegmentLog persists each accepted segment to log. A write failure
// rejects the append.
func WithSegmentLog(log SegmentLog) Option {
	return func(s *Segmenter) {
		s.log = log
	}
}

// WithTailSize changes the default tail length used by Tail(0).
func WithTailSize(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.tailSize = n
		}
	}
}

// Segmenter is the ordered segment log of one lecture. It is safe for
// concurrent use; appends are serialised, readers never block on the
// write-through log.
type Segmenter struct {
	lectureID string
	log       SegmentLog
	tailSize  int

	appendMu sync.Mutex // serialises Append, held across the log write

	mu   sync.RWMutex
	segs []memory.Segment
}

// New creates an empty Segmenter for lectureID.
func New(lectureID string, opts ...Option) *Segmenter {
	s := &Segmenter{
		lectureID: lectureID,
		tailSize:  DefaultTailSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// LectureID returns the lecture this segmenter belongs to.
func (s *Segmenter) LectureID() string { return s.lectureID }

// Append adds seg to the end of the log. The first segment may start at any
// non-negative offset; every later one must start strictly after its
// predecessor.
func (s *Segmenter) Append(ctx context.Context, seg memory.Segment) error {
	if !validOffset(seg.StartOffset) {
		return fmt.Errorf("%w: %v", ErrInvalidOffset, seg.StartOffset)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	s.mu.RLock()
	n := len(s.segs)
	var last float64
	if n > 0 {
		last = s.segs[n-1].StartOffset
	}
	s.mu.RUnlock()

	if n > 0 && seg.StartOffset <= last {
		return fmt.Errorf("%w: offset %s is not after %s",
			ErrOrderingViolation, FormatTimestamp(seg.StartOffset), FormatTimestamp(last))
	}

	if s.log != nil {
		if err := s.log.AppendSegment(ctx, s.lectureID, seg); err != nil {
			return fmt.Errorf("transcript: append: persist segment: %w", err)
		}
	}

	s.mu.Lock()
	s.segs = append(s.segs, seg)
	s.mu.Unlock()
	return nil
}

// Restore replaces the log with segs, typically read back from the segment
// store after a restart. segs must be strictly ordered. Nothing is written to
// the segment log.
func (s *Segmenter) Restore(segs []memory.Segment) error {
	for i, seg := range segs {
		if !validOffset(seg.StartOffset) {
			return fmt.Errorf("transcript: restore: segment %d: %w", i, ErrInvalidOffset)
		}
		if i > 0 && seg.StartOffset <= segs[i-1].StartOffset {
			return fmt.Errorf("transcript: restore: segment %d: %w", i, ErrOrderingViolation)
		}
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	s.mu.Lock()
	s.segs = append([]memory.Segment(nil), segs...)
	s.mu.Unlock()
	return nil
}

// Len returns the number of segments.
func (s *Segmenter) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segs)
}

// Segments returns a copy of all segments in append order.
func (s *Segmenter) Segments() []memory.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]memory.Segment(nil), s.segs...)
}

// Lines yields every segment as a timestamped line, in append order. Lines
// are formatted on demand and each range over the sequence starts from the
// first segment again. Segments appended while ranging are not included.
func (s *Segmenter) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, seg := range s.snapshot() {
			if !yield(FormatLine(seg)) {
				return
			}
		}
	}
}

// FullText returns the whole transcript, one timestamped line per segment.
func (s *Segmenter) FullText() string {
	var b strings.Builder
	first := true
	for line := range s.Lines() {
		if !first {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		first = false
	}
	return b.String()
}

// Tail returns the last n segments in the same format as FullText. n <= 0
// uses the configured tail size.
func (s *Segmenter) Tail(n int) string {
	if n <= 0 {
		n = s.tailSize
	}
	segs := s.snapshot()
	if len(segs) > n {
		segs = segs[len(segs)-n:]
	}
	lines := make([]string, len(segs))
	for i, seg := range segs {
		lines[i] = FormatLine(seg)
	}
	return strings.Join(lines, "\n")
}

// snapshot returns the current segments without copying. Appends never touch
// elements below the captured length, so the slice stays valid.
func (s *Segmenter) snapshot() []memory.Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segs[:len(s.segs):len(s.segs)]
}

// FormatLine renders seg as "[HH:MM:SS] text".
func FormatLine(seg memory.Segment) string {
	return "[" + FormatTimestamp(seg.StartOffset) + "] " + seg.Text
}

// FormatTimestamp renders an offset in seconds as HH:MM:SS, truncating
// fractions. Hours are not wrapped at 24.
func FormatTimestamp(seconds float64) string {
	if !validOffset(seconds) {
		seconds = 0
	}
	total := int64(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}

func validOffset(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
