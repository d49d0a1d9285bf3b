package reader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbusio/nimbusfront/internal/nodedb"
)

// writeValueFile appends payload to the deterministic path for
// valueFileID under root, returning the offset it was written at.
func writeValueFile(t *testing.T, root string, valueFileID int64, payload []byte) int64 {
	t.Helper()
	path := nodedb.ValueFilePath(root, valueFileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	offset := st.Size()
	if _, err := f.Write(payload); err != nil {
		t.Fatal(err)
	}
	return offset
}

type testFixture struct {
	db     *nodedb.DB
	root   string
	reader *Reader
}

func setup(t *testing.T) *testFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := nodedb.Open(filepath.Join(dir, "node.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return &testFixture{db: db, root: filepath.Join(dir, "repo"), reader: New(db, filepath.Join(dir, "repo"), 256)}
}

func (f *testFixture) insertSegment(t *testing.T, unifiedID int64, segmentNum int, handoffNodeID *int64) int64 {
	t.Helper()
	return f.insertSegmentForKey(t, 1, "mykey", unifiedID, segmentNum, handoffNodeID)
}

func (f *testFixture) insertSegmentForKey(t *testing.T, collectionID int64, key string, unifiedID int64, segmentNum int, handoffNodeID *int64) int64 {
	t.Helper()
	res, err := f.db.SQL.Exec(`
		INSERT INTO segment(collection_id, key, unified_id, conjoined_part, segment_num, timestamp, status, handoff_node_id)
		VALUES (?, ?, ?, 0, ?, ?, 'F', ?)
	`, collectionID, key, unifiedID, segmentNum, time.Now().Unix(), handoffNodeID)
	if err != nil {
		t.Fatal(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *testFixture) insertSequence(t *testing.T, segmentID int64, seqNum int, valueFileID, size int64) {
	t.Helper()
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(seqNum)
	}
	offset := writeValueFile(t, f.root, valueFileID, payload)
	_, err := f.db.SQL.Exec(`
		INSERT INTO segment_sequence(segment_id, sequence_num, value_file_id, value_file_offset, size)
		VALUES (?, ?, ?, ?, ?)
	`, segmentID, seqNum, valueFileID, offset, size)
	if err != nil {
		t.Fatal(err)
	}
}

func TestSequenceCompleteness(t *testing.T) {
	f := setup(t)
	segID := f.insertSegment(t, 100, 1, nil)
	sizes := []int64{1024, 1024, 512}
	for i, sz := range sizes {
		f.insertSequence(t, segID, i, 7, sz)
	}

	stream, err := f.reader.GenerateAllSequenceRows(context.Background(), 1, "mykey", 100, 0, 1, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	pre := stream.Preamble()
	if pre.SkippedSequenceCount != 0 || pre.RemainingSequenceCount != len(sizes) {
		t.Fatalf("unexpected preamble: %+v", pre)
	}

	var total int64
	for {
		row, payload, ok, err := stream.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if int64(len(payload)) != row.Size {
			t.Fatalf("payload length %d != row.Size %d", len(payload), row.Size)
		}
		total += int64(len(payload))
	}
	var want int64
	for _, sz := range sizes {
		want += sz
	}
	if total != want {
		t.Fatalf("got %d total bytes, want %d", total, want)
	}
}

// TestBlockOffsetAccounting mirrors scenario S4: 3 sequences of sizes
// [1024, 1024, 512], block_size=256, block_offset=5 => preamble (2, 1, 1).
func TestBlockOffsetAccounting(t *testing.T) {
	dir := t.TempDir()
	db, err := nodedb.Open(filepath.Join(dir, "node.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	root := filepath.Join(dir, "repo")
	r := New(db, root, 256)
	f := &testFixture{db: db, root: root, reader: r}

	segID := f.insertSegment(t, 200, 1, nil)
	for i, sz := range []int64{1024, 1024, 512} {
		f.insertSequence(t, segID, i, 9, sz)
	}

	stream, err := r.GenerateAllSequenceRows(context.Background(), 1, "mykey", 200, 0, 1, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	pre := stream.Preamble()
	if pre.RemainingSequenceCount != 2 || pre.SkippedSequenceCount != 1 || pre.OffsetResidue != 1 {
		t.Fatalf("got preamble %+v, want (remaining=2, skipped=1, residue=1)", pre)
	}

	row, _, ok, err := stream.Next()
	if err != nil || !ok {
		t.Fatalf("expected first emitted row, err=%v ok=%v", err, ok)
	}
	if row.SequenceNum != 1 {
		t.Fatalf("expected sequence 1 to be first emitted, got %d", row.SequenceNum)
	}
}

func TestHandoffIsolation(t *testing.T) {
	f := setup(t)
	handoffNode := int64(42)
	plainSeg := f.insertSegment(t, 300, 1, nil)
	handoffSeg := f.insertSegment(t, 300, 1, &handoffNode)
	f.insertSequence(t, plainSeg, 0, 1, 100)
	f.insertSequence(t, handoffSeg, 0, 2, 100)

	plainStream, err := f.reader.GenerateAllSequenceRows(context.Background(), 1, "mykey", 300, 0, 1, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer plainStream.Close()
	row, _, ok, err := plainStream.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row from plain segment: err=%v ok=%v", err, ok)
	}
	if row.ValueFileID != 1 {
		t.Fatalf("plain query returned handoff segment's sequence: value_file_id=%d", row.ValueFileID)
	}

	handoffStream, err := f.reader.GenerateAllSequenceRows(context.Background(), 1, "mykey", 300, 0, 1, &handoffNode, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer handoffStream.Close()
	row, _, ok, err = handoffStream.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row from handoff segment: err=%v ok=%v", err, ok)
	}
	if row.ValueFileID != 2 {
		t.Fatalf("handoff query returned plain segment's sequence: value_file_id=%d", row.ValueFileID)
	}
}

// TestSegmentLookupScopedByCollectionAndKey guards against a unified_id
// collision across two unrelated keys being treated as the same
// segment: collection/key scoping in segmentIDFor must win even when
// unified_id, conjoined_part and segment_num all match.
func TestSegmentLookupScopedByCollectionAndKey(t *testing.T) {
	f := setup(t)
	segA := f.insertSegmentForKey(t, 1, "key-a", 500, 0, nil)
	segB := f.insertSegmentForKey(t, 2, "key-b", 500, 0, nil)
	f.insertSequence(t, segA, 0, 1, 10)
	f.insertSequence(t, segB, 0, 2, 10)

	streamA, err := f.reader.GenerateAllSequenceRows(context.Background(), 1, "key-a", 500, 0, 0, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer streamA.Close()
	row, _, ok, err := streamA.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row for key-a: err=%v ok=%v", err, ok)
	}
	if row.ValueFileID != 1 {
		t.Fatalf("key-a lookup returned key-b's sequence: value_file_id=%d", row.ValueFileID)
	}

	streamB, err := f.reader.GenerateAllSequenceRows(context.Background(), 2, "key-b", 500, 0, 0, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer streamB.Close()
	row, _, ok, err = streamB.Next()
	if err != nil || !ok {
		t.Fatalf("expected a row for key-b: err=%v ok=%v", err, ok)
	}
	if row.ValueFileID != 2 {
		t.Fatalf("key-b lookup returned key-a's sequence: value_file_id=%d", row.ValueFileID)
	}

	if _, _, err := f.reader.RetrieveOneSequence(context.Background(), 1, "wrong-key", 500, 0, 0, 0); err == nil {
		t.Fatal("expected not-found when collection/key doesn't match the segment's unified_id")
	}
}

func TestRetrieveOneSequenceNotFound(t *testing.T) {
	f := setup(t)
	_, _, err := f.reader.RetrieveOneSequence(context.Background(), 1, "mykey", 999, 0, 1, 0)
	if err == nil {
		t.Fatal("expected error for nonexistent segment")
	}
}

func TestGetAllSegmentRowsForKeyOrdering(t *testing.T) {
	f := setup(t)
	_, err := f.db.SQL.Exec(`
		INSERT INTO segment(collection_id, key, unified_id, conjoined_part, segment_num, timestamp, status, handoff_node_id)
		VALUES (1, 'k', 1, 0, 2, 100, 'F', NULL),
		       (1, 'k', 2, 0, 1, 200, 'F', NULL),
		       (1, 'k', 3, 0, 1, 200, 'F', NULL)
	`)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := f.reader.GetAllSegmentRowsForKey(context.Background(), 1, "k")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Timestamp.Unix() != 200 || rows[1].Timestamp.Unix() != 200 {
		t.Fatalf("expected the two timestamp=200 rows first, got %+v", rows)
	}
	if rows[0].SegmentNum != 1 || rows[1].SegmentNum != 1 {
		t.Fatalf("expected segment_num asc within same timestamp, got %+v", rows)
	}
}
