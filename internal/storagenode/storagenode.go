// Package storagenode wires internal/reader, internal/nodedb and the
// archive-receiving side of internal/bus into one per-node service: it
// appends incoming segment payloads to a value file, records the
// segment/segment_sequence rows that let internal/reader find them
// again, answers archive requests over the bus, and streams whole
// segments back for the HTTP retrieval path.
//
// Grounded in original_source/diyapi_web_server/amqp_archiver.py's
// node-side counterpart (the receiving half of the archive protocol
// archiver.go implements the sending half of) and in
// internal/db/db.go's single-writer, mutex-guarded append shape.
package storagenode

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/adler32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/nimbusio/nimbusfront/internal/archiver"
	"github.com/nimbusio/nimbusfront/internal/bus"
	"github.com/nimbusio/nimbusfront/internal/nodedb"
	"github.com/nimbusio/nimbusfront/internal/reader"
)

// MaxValueFileSize bounds how large a single value file is allowed to
// grow before a new one is opened, keeping any one file (and its
// rebuild cost on recovery) bounded.
const MaxValueFileSize = 1 << 30 // 1 GiB

// Store is the node-local home for archived segment data: one active
// append-only value file, guarded by a single mutex so writes never
// interleave, plus the node database that indexes it.
type Store struct {
	mu             sync.Mutex
	db             *nodedb.DB
	reader         *reader.Reader
	repositoryRoot string

	valueFileID int64
	valueFile   *os.File
	offset      int64
}

func New(db *nodedb.DB, repositoryRoot string, encodedBlockSliceSize int) (*Store, error) {
	s := &Store{
		db:             db,
		reader:         reader.New(db, repositoryRoot, encodedBlockSliceSize),
		repositoryRoot: repositoryRoot,
	}
	if err := s.resumeValueFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// resumeValueFile picks up the highest value_file_id this node has
// ever written and reopens it for append, so a restart doesn't
// orphan an in-progress file or collide IDs with one already on disk.
func (s *Store) resumeValueFile() error {
	var maxID sql.NullInt64
	err := s.db.SQL.QueryRow(`SELECT MAX(value_file_id) FROM segment_sequence`).Scan(&maxID)
	if err != nil {
		return fmt.Errorf("storagenode: query max value file id: %w", err)
	}
	id := int64(1)
	if maxID.Valid {
		id = maxID.Int64
	}
	return s.openValueFile(id)
}

func (s *Store) openValueFile(id int64) error {
	path := nodedb.ValueFilePath(s.repositoryRoot, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storagenode: mkdir value file dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("storagenode: open value file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("storagenode: stat value file: %w", err)
	}
	if s.valueFile != nil {
		_ = s.valueFile.Close()
	}
	s.valueFile = f
	s.valueFileID = id
	s.offset = info.Size()
	return nil
}

// append writes payload to the active value file, rolling to a new
// one first if it would exceed MaxValueFileSize, and returns where it
// landed. Caller must hold s.mu.
func (s *Store) append(payload []byte) (valueFileID, offset int64, err error) {
	if s.offset+int64(len(payload)) > MaxValueFileSize {
		if err := s.openValueFile(s.valueFileID + 1); err != nil {
			return 0, 0, err
		}
	}
	n, err := s.valueFile.Write(payload)
	if err != nil {
		return 0, 0, fmt.Errorf("storagenode: write value file: %w", err)
	}
	valueFileID, offset = s.valueFileID, s.offset
	s.offset += int64(n)
	return valueFileID, offset, nil
}

// HandleArchive implements bus.Handler for the per-segment
// ArchiveKeyEntire message: it persists the segment's single sequence
// and replies with the size of the most recent earlier version recorded
// for the same (collection, key, segment_num), used by the caller for
// quota accounting.
func (s *Store) HandleArchive(ctx context.Context, req bus.Message) (bus.Message, error) {
	b, err := json.Marshal(req.Control)
	if err != nil {
		return bus.Message{}, fmt.Errorf("storagenode: re-marshal control: %w", err)
	}
	var msg archiver.ArchiveKeyEntire
	if err := json.Unmarshal(b, &msg); err != nil {
		return bus.Message{}, fmt.Errorf("%w: decode archive message: %v", bus.ErrProtocol, err)
	}

	sum32 := adler32.Checksum(req.Body)
	digest := md5.Sum(req.Body)
	if sum32 != msg.Adler32 {
		return bus.Message{}, fmt.Errorf("storagenode: adler32 mismatch for key %q segment %d", msg.Key, msg.SegmentNum)
	}
	if string(digest[:]) != string(msg.MD5) {
		return bus.Message{}, fmt.Errorf("storagenode: md5 mismatch for key %q segment %d", msg.Key, msg.SegmentNum)
	}

	previousSize, err := s.previousSize(ctx, msg.OwnerID, msg.Key, msg.SegmentNum)
	if err != nil {
		return bus.Message{}, err
	}

	if err := s.storeSegment(ctx, msg, req.Body); err != nil {
		return bus.Message{}, err
	}

	body, err := json.Marshal(archiver.ArchiveReply{PreviousSize: previousSize})
	if err != nil {
		return bus.Message{}, fmt.Errorf("storagenode: encode reply: %w", err)
	}
	return bus.NewMessage(map[string]any{"message-id": msg.RequestID}, body), nil
}

func (s *Store) previousSize(ctx context.Context, collectionID int64, key string, segmentNum int) (int64, error) {
	var total sql.NullInt64
	err := s.db.SQL.QueryRowContext(ctx, `
		SELECT SUM(sq.size)
		FROM segment_sequence sq
		WHERE sq.segment_id = (
			SELECT id FROM segment
			WHERE collection_id = ? AND key = ? AND segment_num = ? AND status = 'F'
			ORDER BY timestamp DESC, id DESC
			LIMIT 1
		)
	`, collectionID, key, segmentNum).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storagenode: query previous size: %w", err)
	}
	return total.Int64, nil
}

// storeSegment appends the payload to the active value file and
// records one segment row (unified_id is carried on the message
// verbatim, minted once per archive operation by the archiver's
// monotonic generator, not derived locally) plus its single
// segment_sequence row.
func (s *Store) storeSegment(ctx context.Context, msg archiver.ArchiveKeyEntire, payload []byte) error {
	s.mu.Lock()
	valueFileID, offset, err := s.append(payload)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storagenode: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO segment (collection_id, key, unified_id, conjoined_part, segment_num, timestamp, status, handoff_node_id, original_size)
		VALUES (?, ?, ?, 0, ?, ?, 'F', NULL, ?)
	`, msg.OwnerID, msg.Key, msg.UnifiedID, msg.SegmentNum, msg.Timestamp.Unix(), msg.OriginalSize)
	if err != nil {
		return fmt.Errorf("storagenode: insert segment: %w", err)
	}
	segmentID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("storagenode: segment id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO segment_sequence (segment_id, sequence_num, value_file_id, value_file_offset, size, adler32, md5)
		VALUES (?, 0, ?, ?, ?, ?, ?)
	`, segmentID, valueFileID, offset, len(payload), msg.Adler32, msg.MD5); err != nil {
		return fmt.Errorf("storagenode: insert segment_sequence: %w", err)
	}

	return tx.Commit()
}

func (s *Store) findSegment(ctx context.Context, collectionID int64, key string, segmentNum int) (segmentID, unifiedID int64, conjoinedPart int, err error) {
	rows, err := s.reader.GetAllSegmentRowsForKey(ctx, collectionID, key)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, row := range rows {
		if row.SegmentNum == segmentNum && row.HandoffNodeID == nil {
			return row.ID, row.UnifiedID, row.ConjoinedPart, nil
		}
	}
	return 0, 0, 0, reader.ErrNotFound
}

// OriginalSize looks up the whole (pre-split) object's size as recorded
// on the segment at archive time, without touching its payload. Callers
// that need to set a response header before streaming the body (as
// cmd/storagenode's HTTP handler does) call this first.
func (s *Store) OriginalSize(ctx context.Context, collectionID int64, key string, segmentNum int) (int64, error) {
	segmentID, _, _, err := s.findSegment(ctx, collectionID, key, segmentNum)
	if err != nil {
		return 0, err
	}
	var size int64
	if err := s.db.SQL.QueryRowContext(ctx, `SELECT original_size FROM segment WHERE id = ?`, segmentID).Scan(&size); err != nil {
		return 0, fmt.Errorf("storagenode: query original size: %w", err)
	}
	return size, nil
}

// RetrieveEntire concatenates every sequence of a finalized, non-handoff
// segment for (collectionID, key, segmentNum) in order, for the simple
// whole-segment retrieval path cmd/storagenode's HTTP handler serves.
func (s *Store) RetrieveEntire(ctx context.Context, w io.Writer, collectionID int64, key string, segmentNum int) error {
	_, unifiedID, conjoinedPart, err := s.findSegment(ctx, collectionID, key, segmentNum)
	if err != nil {
		return err
	}

	stream, err := s.reader.GenerateAllSequenceRows(ctx, collectionID, key, unifiedID, conjoinedPart, segmentNum, nil, 0)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		_, payload, ok, err := stream.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("%w: %v", reader.ErrIO, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valueFile != nil {
		return s.valueFile.Close()
	}
	return nil
}
