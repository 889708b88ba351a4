package transcript_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/lectern/internal/transcript"
	"github.com/MrWong99/lectern/pkg/memory"
	"github.com/MrWong99/lectern/pkg/memory/mock"
)

func appendAll(t *testing.T, s *transcript.Segmenter, segs ...memory.Segment) {
	t.Helper()
	for _, seg := range segs {
		if err := s.Append(context.Background(), seg); err != nil {
			t.Fatalf("Append(%v): %v", seg, err)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "00:00:00"},
		{59.9, "00:00:59"},
		{65, "00:01:05"},
		{3600, "01:00:00"},
		{3725.5, "01:02:05"},
		{90000, "25:00:00"},
		{-4, "00:00:00"},
		{math.NaN(), "00:00:00"},
	}
	for _, tc := range tests {
		if got := transcript.FormatTimestamp(tc.in); got != tc.want {
			t.Errorf("FormatTimestamp(%v): want %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestAppend_PreservesOrder(t *testing.T) {
	s := transcript.New("lec-1")
	appendAll(t, s,
		memory.Segment{StartOffset: 0, Text: "Welcome to thermodynamics."},
		memory.Segment{StartOffset: 12.5, Text: "Today we cover entropy."},
		memory.Segment{StartOffset: 3601, Text: "Any questions?"},
	)

	want := "[00:00:00] Welcome to thermodynamics.\n" +
		"[00:00:12] Today we cover entropy.\n" +
		"[01:00:01] Any questions?"
	if got := s.FullText(); got != want {
		t.Errorf("FullText:\nwant %q\ngot  %q", want, got)
	}
	if s.Len() != 3 {
		t.Errorf("Len: want 3, got %d", s.Len())
	}
}

func TestAppend_RejectsNonIncreasingOffsets(t *testing.T) {
	tests := []struct {
		name   string
		offset float64
	}{
		{"equal", 10},
		{"earlier", 9.99},
		{"zero", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := transcript.New("lec-1")
			appendAll(t, s, memory.Segment{StartOffset: 5, Text: "a"}, memory.Segment{StartOffset: 10, Text: "b"})
			before := s.FullText()

			err := s.Append(context.Background(), memory.Segment{StartOffset: tc.offset, Text: "late"})
			if !errors.Is(err, transcript.ErrOrderingViolation) {
				t.Fatalf("want ErrOrderingViolation, got %v", err)
			}
			if s.Len() != 2 || s.FullText() != before {
				t.Error("rejected append must not change state")
			}

			// The caller may retry with a corrected offset.
			if err := s.Append(context.Background(), memory.Segment{StartOffset: 11, Text: "late"}); err != nil {
				t.Fatalf("corrected append: %v", err)
			}
		})
	}
}

func TestAppend_InvalidOffset(t *testing.T) {
	s := transcript.New("lec-1")
	for _, off := range []float64{-1, math.NaN(), math.Inf(1)} {
		if err := s.Append(context.Background(), memory.Segment{StartOffset: off}); !errors.Is(err, transcript.ErrInvalidOffset) {
			t.Errorf("offset %v: want ErrInvalidOffset, got %v", off, err)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len: want 0, got %d", s.Len())
	}
}

func TestTail(t *testing.T) {
	s := transcript.New("lec-1")
	for i := range 30 {
		appendAll(t, s, memory.Segment{StartOffset: float64(i * 10), Text: fmt.Sprintf("line %d", i)})
	}

	lines := strings.Split(s.Tail(0), "\n")
	if len(lines) != transcript.DefaultTailSize {
		t.Fatalf("Tail(0): want %d lines, got %d", transcript.DefaultTailSize, len(lines))
	}
	if lines[0] != "[00:01:40] line 10" || lines[19] != "[00:04:50] line 29" {
		t.Errorf("Tail(0) bounds: first %q, last %q", lines[0], lines[19])
	}

	if got := s.Tail(2); got != "[00:04:40] line 28\n[00:04:50] line 29" {
		t.Errorf("Tail(2): got %q", got)
	}
	if got := strings.Count(s.Tail(100), "\n") + 1; got != 30 {
		t.Errorf("Tail(100): want all 30 lines, got %d", got)
	}
}

func TestTail_ConfiguredSizeAndEmpty(t *testing.T) {
	s := transcript.New("lec-1", transcript.WithTailSize(1))
	if s.Tail(0) != "" {
		t.Error("empty segmenter should have empty tail")
	}
	appendAll(t, s, memory.Segment{StartOffset: 1, Text: "a"}, memory.Segment{StartOffset: 2, Text: "b"})
	if got := s.Tail(0); got != "[00:00:02] b" {
		t.Errorf("Tail(0) with size 1: got %q", got)
	}
}

func TestLines_Restartable(t *testing.T) {
	s := transcript.New("lec-1")
	appendAll(t, s,
		memory.Segment{StartOffset: 1, Text: "one"},
		memory.Segment{StartOffset: 2, Text: "two"},
		memory.Segment{StartOffset: 3, Text: "three"},
	)

	var first []string
	for line := range s.Lines() {
		first = append(first, line)
		if len(first) == 2 {
			break
		}
	}
	var second []string
	for line := range s.Lines() {
		second = append(second, line)
	}
	if len(first) != 2 || len(second) != 3 {
		t.Fatalf("want 2 then 3 lines, got %d and %d", len(first), len(second))
	}
	if first[0] != second[0] {
		t.Errorf("restart should begin at the first segment: %q vs %q", first[0], second[0])
	}
}

func TestSegmentLog_WriteThrough(t *testing.T) {
	store := &mock.SegmentStore{}
	s := transcript.New("lec-7", transcript.WithSegmentLog(store))
	appendAll(t, s, memory.Segment{StartOffset: 1, Text: "persisted"})

	segs, err := store.ListSegments(context.Background(), "lec-7")
	if err != nil || len(segs) != 1 || segs[0].Text != "persisted" {
		t.Fatalf("store: %v, %v", segs, err)
	}

	store.AppendErr = errors.New("db down")
	if err := s.Append(context.Background(), memory.Segment{StartOffset: 2, Text: "lost"}); err == nil {
		t.Fatal("expected error when the segment log fails")
	}
	if s.Len() != 1 {
		t.Errorf("failed write-through must not append, Len=%d", s.Len())
	}
	if store.CallCount("AppendSegment") != 2 {
		t.Errorf("AppendSegment calls: want 2, got %d", store.CallCount("AppendSegment"))
	}
}

func TestSegmentLog_NotCalledOnOrderingViolation(t *testing.T) {
	store := &mock.SegmentStore{}
	s := transcript.New("lec-7", transcript.WithSegmentLog(store))
	appendAll(t, s, memory.Segment{StartOffset: 5, Text: "a"})
	_ = s.Append(context.Background(), memory.Segment{StartOffset: 4, Text: "b"})
	if store.CallCount("AppendSegment") != 1 {
		t.Errorf("want 1 persisted segment, got %d", store.CallCount("AppendSegment"))
	}
}

func TestRestore(t *testing.T) {
	store := &mock.SegmentStore{}
	s := transcript.New("lec-1", transcript.WithSegmentLog(store))
	err := s.Restore([]memory.Segment{{StartOffset: 1, Text: "a"}, {StartOffset: 2, Text: "b"}})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if s.Len() != 2 || store.CallCount("AppendSegment") != 0 {
		t.Errorf("Restore: Len=%d, persisted=%d", s.Len(), store.CallCount("AppendSegment"))
	}
	if err := s.Append(context.Background(), memory.Segment{StartOffset: 2, Text: "dup"}); !errors.Is(err, transcript.ErrOrderingViolation) {
		t.Errorf("append after restore: want ErrOrderingViolation, got %v", err)
	}

	if err := s.Restore([]memory.Segment{{StartOffset: 3}, {StartOffset: 3}}); !errors.Is(err, transcript.ErrOrderingViolation) {
		t.Errorf("unordered restore: want ErrOrderingViolation, got %v", err)
	}
	if s.Len() != 2 {
		t.Error("failed restore must keep previous state")
	}
}

func TestSegments_ReturnsCopy(t *testing.T) {
	s := transcript.New("lec-1")
	appendAll(t, s, memory.Segment{StartOffset: 1, Text: "original"})
	segs := s.Segments()
	segs[0].Text = "mutated"
	if s.Segments()[0].Text != "original" {
		t.Error("Segments must return a copy")
	}
}

func TestAppend_Concurrent(t *testing.T) {
	s := transcript.New("lec-1")
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			_ = s.Append(context.Background(), memory.Segment{StartOffset: float64(i), Text: "x"})
			_ = s.FullText()
		})
	}
	wg.Wait()

	segs := s.Segments()
	for i := 1; i < len(segs); i++ {
		if segs[i].StartOffset <= segs[i-1].StartOffset {
			t.Fatalf("segments out of order at %d: %v then %v", i, segs[i-1].StartOffset, segs[i].StartOffset)
		}
	}
}
