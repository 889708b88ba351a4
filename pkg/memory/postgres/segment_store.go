package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/lectern/pkg/memory"
)

// SegmentLog is the append-only transcript_segments table.
type SegmentLog struct {
	pool *pgxpool.Pool
}

// AppendSegment implements [memory.SegmentStore].
func (s *SegmentLog) AppendSegment(ctx context.Context, lectureID string, seg memory.Segment) error {
	const q = `
		INSERT INTO transcript_segments (lecture_id, start_offset, text)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, lectureID, seg.StartOffset, seg.Text); err != nil {
		return fmt.Errorf("segment log: append: %w", err)
	}
	return nil
}

// ListSegments implements [memory.SegmentStore].
func (s *SegmentLog) ListSegments(ctx context.Context, lectureID string) ([]memory.Segment, error) {
	const q = `
		SELECT start_offset, text
		FROM   transcript_segments
		WHERE  lecture_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, lectureID)
	if err != nil {
		return nil, fmt.Errorf("segment log: list: %w", err)
	}
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Segment, error) {
		var seg memory.Segment
		err := row.Scan(&seg.StartOffset, &seg.Text)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("segment log: scan rows: %w", err)
	}
	if segs == nil {
		segs = []memory.Segment{}
	}
	return segs, nil
}
