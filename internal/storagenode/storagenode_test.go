package storagenode

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"hash/adler32"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbusio/nimbusfront/internal/archiver"
	"github.com/nimbusio/nimbusfront/internal/bus"
	"github.com/nimbusio/nimbusfront/internal/nodedb"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "node.db")
	db, err := nodedb.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := New(db, t.TempDir(), 256)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

var testUnifiedIDSeq int64

func archiveMessage(t *testing.T, collectionID int64, key string, segmentNum int, payload []byte) bus.Message {
	t.Helper()
	testUnifiedIDSeq++
	sum32 := adler32.Checksum(payload)
	digest := md5.Sum(payload)
	msg := archiver.ArchiveKeyEntire{
		RequestID:    "req-1",
		OwnerID:      collectionID,
		Timestamp:    time.Unix(1700000000, 0),
		Key:          key,
		SegmentNum:   segmentNum,
		Adler32:      sum32,
		MD5:          digest[:],
		OriginalSize: len(payload),
		UnifiedID:    testUnifiedIDSeq,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var control map[string]any
	if err := json.Unmarshal(b, &control); err != nil {
		t.Fatal(err)
	}
	control["message-id"] = msg.RequestID
	return bus.NewMessage(control, payload)
}

func TestHandleArchiveThenRetrieveRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	payload := []byte("the quick brown fox jumps over the lazy dog")

	reply, err := store.HandleArchive(ctx, archiveMessage(t, 1, "my-key", 0, payload))
	if err != nil {
		t.Fatal(err)
	}
	var replyBody archiver.ArchiveReply
	if err := json.Unmarshal(reply.Body, &replyBody); err != nil {
		t.Fatal(err)
	}
	if replyBody.PreviousSize != 0 {
		t.Fatalf("expected previous_size 0 on first archive, got %d", replyBody.PreviousSize)
	}

	size, err := store.OriginalSize(ctx, 1, "my-key", 0)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("got original size %d, want %d", size, len(payload))
	}

	var buf bytes.Buffer
	if err := store.RetrieveEntire(ctx, &buf, 1, "my-key", 0); err != nil {
		t.Fatal(err)
	}
	if buf.String() != string(payload) {
		t.Fatalf("got %q, want %q", buf.String(), payload)
	}
}

func TestHandleArchiveReportsPreviousSize(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := []byte("first version of the object")
	if _, err := store.HandleArchive(ctx, archiveMessage(t, 1, "k", 0, first)); err != nil {
		t.Fatal(err)
	}

	second := []byte("a different, second version")
	reply, err := store.HandleArchive(ctx, archiveMessage(t, 1, "k", 0, second))
	if err != nil {
		t.Fatal(err)
	}
	var replyBody archiver.ArchiveReply
	if err := json.Unmarshal(reply.Body, &replyBody); err != nil {
		t.Fatal(err)
	}
	if replyBody.PreviousSize != int64(len(first)) {
		t.Fatalf("got previous_size %d, want %d", replyBody.PreviousSize, len(first))
	}
}

func TestHandleArchiveRejectsChecksumMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	msg := archiveMessage(t, 1, "k", 0, []byte("payload"))
	msg.Control["adler32"] = float64(0)

	if _, err := store.HandleArchive(ctx, msg); err == nil {
		t.Fatal("expected error on adler32 mismatch")
	}
}

func TestRetrieveEntireNotFound(t *testing.T) {
	store := newTestStore(t)
	var buf bytes.Buffer
	err := store.RetrieveEntire(context.Background(), &buf, 1, "missing", 0)
	if err == nil {
		t.Fatal("expected not-found error")
	}
}
