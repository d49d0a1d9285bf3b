// Package reader implements the Segment Reader: reconstruction of a
// logical segment's byte stream from a chain of persisted value-file
// slices recorded in the node-local database. Pure per-node component,
// no network.
//
// Grounded in internal/streamer/segments.go's layout-building and
// lazy-file-open shape, re-pointed at the segment/segment_sequence
// schema instead of NZB import tables.
package reader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nimbusio/nimbusfront/internal/nodedb"
)

var (
	ErrNotFound = errors.New("reader: not found")
	ErrIO       = errors.New("reader: io error")
)

// SegmentRow mirrors one row of the segment table.
type SegmentRow struct {
	ID            int64
	CollectionID  int64
	Key           string
	UnifiedID     int64
	ConjoinedPart int
	SegmentNum    int
	Timestamp     time.Time
	Status        string
	HandoffNodeID *int64
}

// SequenceRow mirrors one row of the segment_sequence table.
type SequenceRow struct {
	SegmentID       int64
	SequenceNum     int
	ValueFileID     int64
	ValueFileOffset int64
	Size            int64
	Adler32         uint32
	MD5             []byte
}

// Preamble is the first item of a GenerateAllSequenceRows stream: the
// block-offset accounting spec 4.1 requires be computed before any
// payload is yielded.
type Preamble struct {
	RemainingSequenceCount int
	SkippedSequenceCount   int
	OffsetResidue          int
}

type Reader struct {
	db             *nodedb.DB
	repositoryRoot string
	blockSize      int
}

func New(db *nodedb.DB, repositoryRoot string, encodedBlockSliceSize int) *Reader {
	return &Reader{db: db, repositoryRoot: repositoryRoot, blockSize: encodedBlockSliceSize}
}

// GetAllSegmentRowsForKey returns every segment row for (collection_id,
// key), ordered timestamp desc, segment_num asc. Duplicates across
// versions and handoffs are not deduplicated; that is the caller's job.
func (r *Reader) GetAllSegmentRowsForKey(ctx context.Context, collectionID int64, key string) ([]SegmentRow, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, collection_id, key, unified_id, conjoined_part, segment_num, timestamp, status, handoff_node_id
		FROM segment
		WHERE collection_id = ? AND key = ?
		ORDER BY timestamp DESC, segment_num ASC
	`, collectionID, key)
	if err != nil {
		return nil, fmt.Errorf("reader: query segment rows: %w", err)
	}
	defer rows.Close()

	var out []SegmentRow
	for rows.Next() {
		var s SegmentRow
		var ts int64
		var handoff sql.NullInt64
		if err := rows.Scan(&s.ID, &s.CollectionID, &s.Key, &s.UnifiedID, &s.ConjoinedPart, &s.SegmentNum, &ts, &s.Status, &handoff); err != nil {
			return nil, fmt.Errorf("reader: scan segment row: %w", err)
		}
		s.Timestamp = time.Unix(ts, 0)
		if handoff.Valid {
			v := handoff.Int64
			s.HandoffNodeID = &v
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// segmentIDFor locates the unique segment row for a (collection, key)
// pair at the given (unified_id, conjoined_part, segment_num)
// coordinates. collectionID and key are required scoping, not just
// unified_id: unified_id alone distinguishes versions of one key, but
// nothing stops two different keys (or collections) from colliding on
// it, and an unscoped lookup would silently hand back the wrong
// version's sequences.
func (r *Reader) segmentIDFor(ctx context.Context, collectionID int64, key string, unifiedID int64, conjoinedPart, segmentNum int, handoffNodeID *int64) (int64, error) {
	var id int64
	var err error
	if handoffNodeID == nil {
		err = r.db.SQL.QueryRowContext(ctx, `
			SELECT id FROM segment
			WHERE collection_id = ? AND key = ? AND unified_id = ? AND conjoined_part = ? AND segment_num = ?
			AND handoff_node_id IS NULL AND status = 'F'
		`, collectionID, key, unifiedID, conjoinedPart, segmentNum).Scan(&id)
	} else {
		err = r.db.SQL.QueryRowContext(ctx, `
			SELECT id FROM segment
			WHERE collection_id = ? AND key = ? AND unified_id = ? AND conjoined_part = ? AND segment_num = ?
			AND handoff_node_id = ? AND status = 'F'
		`, collectionID, key, unifiedID, conjoinedPart, segmentNum, *handoffNodeID).Scan(&id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reader: lookup segment id: %w", err)
	}
	return id, nil
}

// RetrieveOneSequence locates the unique sequence for a non-handoff,
// finalized segment at the given coordinates and reads its bytes.
func (r *Reader) RetrieveOneSequence(ctx context.Context, collectionID int64, key string, unifiedID int64, conjoinedPart, segmentNum, sequenceNum int) (SequenceRow, []byte, error) {
	segmentID, err := r.segmentIDFor(ctx, collectionID, key, unifiedID, conjoinedPart, segmentNum, nil)
	if err != nil {
		return SequenceRow{}, nil, err
	}

	var row SequenceRow
	var adler sql.NullInt64
	var md5 []byte
	err = r.db.SQL.QueryRowContext(ctx, `
		SELECT segment_id, sequence_num, value_file_id, value_file_offset, size, adler32, md5
		FROM segment_sequence
		WHERE segment_id = ? AND sequence_num = ?
	`, segmentID, sequenceNum).Scan(&row.SegmentID, &row.SequenceNum, &row.ValueFileID, &row.ValueFileOffset, &row.Size, &adler, &md5)
	if errors.Is(err, sql.ErrNoRows) {
		return SequenceRow{}, nil, ErrNotFound
	}
	if err != nil {
		return SequenceRow{}, nil, fmt.Errorf("reader: lookup sequence row: %w", err)
	}
	if adler.Valid {
		row.Adler32 = uint32(adler.Int64)
	}
	row.MD5 = md5

	path := nodedb.ValueFilePath(r.repositoryRoot, row.ValueFileID)
	f, err := os.Open(path)
	if err != nil {
		return SequenceRow{}, nil, fmt.Errorf("%w: open value file: %v", ErrIO, err)
	}
	defer f.Close()

	if _, err := f.Seek(row.ValueFileOffset, io.SeekStart); err != nil {
		return SequenceRow{}, nil, fmt.Errorf("%w: seek value file: %v", ErrIO, err)
	}
	buf := make([]byte, row.Size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return SequenceRow{}, nil, fmt.Errorf("%w: short read: %v", ErrIO, err)
	}
	return row, buf, nil
}

func blocksIn(size int64, blockSize int) int {
	if blockSize <= 0 {
		return 0
	}
	n := int(size / int64(blockSize))
	if size%int64(blockSize) != 0 {
		n++
	}
	return n
}

// GenerateAllSequenceRows opens a restartable-once stream of sequence
// payloads for a segment, selecting the handoff or non-handoff query
// depending on whether handoffNodeID is non-nil. The returned stream's
// Preamble describes the block-offset bookkeeping (spec 4.1 step 1-4);
// call Next repeatedly afterward to drain ordered (row, bytes) pairs.
func (r *Reader) GenerateAllSequenceRows(ctx context.Context, collectionID int64, key string, unifiedID int64, conjoinedPart, segmentNum int, handoffNodeID *int64, blockOffset int) (*SequenceStream, error) {
	segmentID, err := r.segmentIDFor(ctx, collectionID, key, unifiedID, conjoinedPart, segmentNum, handoffNodeID)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT segment_id, sequence_num, value_file_id, value_file_offset, size, adler32, md5
		FROM segment_sequence
		WHERE segment_id = ?
		ORDER BY sequence_num ASC
	`, segmentID)
	if err != nil {
		return nil, fmt.Errorf("reader: query sequence rows: %w", err)
	}
	defer rows.Close()

	var all []SequenceRow
	for rows.Next() {
		var row SequenceRow
		var adler sql.NullInt64
		var md5 []byte
		if err := rows.Scan(&row.SegmentID, &row.SequenceNum, &row.ValueFileID, &row.ValueFileOffset, &row.Size, &adler, &md5); err != nil {
			return nil, fmt.Errorf("reader: scan sequence row: %w", err)
		}
		if adler.Valid {
			row.Adler32 = uint32(adler.Int64)
		}
		row.MD5 = md5
		all = append(all, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	blockCount := 0
	skip := 0
	residue := 0
	for _, row := range all {
		rowBlocks := blocksIn(row.Size, r.blockSize)
		blockCount += rowBlocks
		if blockCount < blockOffset {
			skip++
			continue
		}
		if blockOffset > 0 {
			if skip == 0 {
				residue = blockOffset
			} else {
				residue = blockOffset - (blockCount - rowBlocks)
			}
		}
		break
	}

	return &SequenceStream{
		preamble: Preamble{
			RemainingSequenceCount: len(all) - skip,
			SkippedSequenceCount:   skip,
			OffsetResidue:          residue,
		},
		rows:           all[skip:],
		repositoryRoot: r.repositoryRoot,
		openFiles:      make(map[int64]*os.File),
	}, nil
}

// SequenceStream is a finite, restartable-once sequence of payloads.
// The first thing a caller reads off it is the Preamble; Next then
// yields (row, bytes) pairs in ascending sequence_num order. Close
// releases every value file this generation opened, even on abnormal
// termination (scoped acquisition with guaranteed release per spec 5).
type SequenceStream struct {
	preamble       Preamble
	rows           []SequenceRow
	idx            int
	repositoryRoot string
	openFiles      map[int64]*os.File
	closed         bool
}

func (s *SequenceStream) Preamble() Preamble { return s.preamble }

// Next returns the next (row, bytes) pair, or ok=false once the stream
// is exhausted. len(bytes) == row.Size is asserted strictly per spec.
func (s *SequenceStream) Next() (row SequenceRow, payload []byte, ok bool, err error) {
	if s.closed || s.idx >= len(s.rows) {
		return SequenceRow{}, nil, false, nil
	}
	row = s.rows[s.idx]
	s.idx++

	f, open := s.openFiles[row.ValueFileID]
	if !open {
		path := nodedb.ValueFilePath(s.repositoryRoot, row.ValueFileID)
		f, err = os.Open(path)
		if err != nil {
			_ = s.Close()
			return SequenceRow{}, nil, false, fmt.Errorf("%w: open value file: %v", ErrIO, err)
		}
		s.openFiles[row.ValueFileID] = f
	}

	if _, err = f.Seek(row.ValueFileOffset, io.SeekStart); err != nil {
		_ = s.Close()
		return SequenceRow{}, nil, false, fmt.Errorf("%w: seek value file: %v", ErrIO, err)
	}
	buf := make([]byte, row.Size)
	if _, err = io.ReadFull(f, buf); err != nil {
		_ = s.Close()
		return SequenceRow{}, nil, false, fmt.Errorf("%w: short read: %v", ErrIO, err)
	}
	if int64(len(buf)) != row.Size {
		_ = s.Close()
		return SequenceRow{}, nil, false, fmt.Errorf("%w: payload length %d != row size %d", ErrIO, len(buf), row.Size)
	}
	return row, buf, true, nil
}

// Close releases every value file opened during this generation. Safe
// to call more than once, and from a deferred abort path.
func (s *SequenceStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, f := range s.openFiles {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
