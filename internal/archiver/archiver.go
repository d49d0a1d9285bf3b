// Package archiver implements the fan-out Archiver: it takes a client
// payload already erasure-coded into segments by the caller and
// dispatches one ArchiveKeyEntire message per segment to the node that
// owns that segment index, then joins the
// replies under a timeout with a partial-failure policy.
//
// Grounded in original_source/diyapi_web_server/amqp_archiver.py for
// the per-segment message shape and join semantics, and in
// internal/fusefs/rawfs.go's singleflight-guarded concurrent-fetch
// pattern for the "dispatch n, await concurrently" shape generalized
// here from one key to n segments.
package archiver

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"hash/adler32"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusio/nimbusfront/internal/bus"
)

// unifiedIDGenerator mints the monotonic version identifier the spec's
// glossary defines unified_id to be (distinguishing writes to the same
// key). A bare time.Now().UnixNano() is not good enough: it can repeat
// or even go backward across a clock step. This clamps each new value
// to be strictly greater than the last one it handed out, the same
// clock-hardening trick the source's uuid1()-based request ids get for
// free from their embedded clock sequence.
type unifiedIDGenerator struct {
	mu   sync.Mutex
	last int64
}

func (g *unifiedIDGenerator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := time.Now().UnixNano()
	if id <= g.last {
		id = g.last + 1
	}
	g.last = id
	return id
}

var (
	ErrBusUnavailable = errors.New("archiver: bus unavailable")
	ErrTimeout        = errors.New("archiver: join timed out")
	ErrQuorumLost     = errors.New("archiver: fewer than k segments acknowledged")
)

// ArchiveKeyEntire is the per-segment message the archiver sends to a
// node's exchange. Field names and shape follow spec section 4.2.
type ArchiveKeyEntire struct {
	RequestID     string    `json:"request_id"`
	OwnerID       int64     `json:"owner_id"`
	ReplyExchange string    `json:"reply_exchange"`
	ReplyQueue    string    `json:"reply_queue"`
	Timestamp     time.Time `json:"timestamp"`
	Key           string    `json:"key"`
	Version       int       `json:"version"`
	SegmentNum    int       `json:"segment_num"`
	Adler32       uint32    `json:"adler32"`
	MD5           []byte    `json:"md5"`

	// UnifiedID is the monotonic identifier distinguishing this archive
	// operation's writes from any other write to the same key. It is
	// minted once per ArchiveEntire call and carried unchanged on every
	// segment, so a storage node never has to (and never should) derive
	// its own version id from per-segment data.
	UnifiedID int64 `json:"unified_id"`

	// OriginalSize is the whole (pre-split) object's byte length, carried
	// on every segment so any single node's reply is enough for a later
	// reconstruction to know how much trailing pad Split() added.
	OriginalSize int `json:"original_size"`
}

// ArchiveReply is the body a storage node sends back for one segment.
type ArchiveReply struct {
	PreviousSize int64 `json:"previous_size"`
}

// Sender is the subset of *bus.Client the archiver depends on; a
// narrow interface so tests can substitute a fake transport instead of
// a live bus connection.
type Sender interface {
	Send(ctx context.Context, subject string, msg bus.Message) (bus.Message, error)
}

// Archiver dispatches segments to a fixed, index-addressed list of
// node destinations (subjects on the bus).
type Archiver struct {
	bus               Sender
	exchanges         []string // exchanges[i] owns segment_num i
	dataShards        int      // k; n - redundancy
	requireAllReplies bool
	replyExchange     string
	replyQueue        string
	unifiedIDs        unifiedIDGenerator
}

// New builds an Archiver for a cluster with the given index-addressed
// exchange list and k (data shard count, i.e. n - redundancy).
func New(busClient Sender, exchanges []string, dataShards int, requireAllReplies bool, replyExchange, replyQueue string) (*Archiver, error) {
	if len(exchanges) == 0 {
		return nil, errors.New("archiver: exchanges must not be empty")
	}
	if dataShards <= 0 || dataShards > len(exchanges) {
		return nil, fmt.Errorf("archiver: data shard count %d invalid for %d exchanges", dataShards, len(exchanges))
	}
	return &Archiver{
		bus:               busClient,
		exchanges:         exchanges,
		dataShards:        dataShards,
		requireAllReplies: requireAllReplies,
		replyExchange:     replyExchange,
		replyQueue:        replyQueue,
	}, nil
}

type segmentOutcome struct {
	segmentNum   int
	previousSize int64
	err          error
}

// ArchiveEntire archives one whole object, one erasure-coded segment
// per node. segments[i] is dispatched to exchanges[i]; all sends
// proceed in parallel and are joined with timeout. Returns the sum of
// previous_size across the segments counted as successful, used for
// quota accounting.
func (a *Archiver) ArchiveEntire(ctx context.Context, ownerID int64, key string, segments [][]byte, timestamp time.Time, timeout time.Duration) (int64, error) {
	return a.archiveEntire(ctx, ownerID, key, segments, timestamp, timeout, 0)
}

// ArchiveEntireWithSize is ArchiveEntire plus the pre-split payload
// length, carried on every segment so a later GET can learn how much
// trailing pad Split() added from any single node's reply.
func (a *Archiver) ArchiveEntireWithSize(ctx context.Context, ownerID int64, key string, segments [][]byte, timestamp time.Time, timeout time.Duration, originalSize int) (int64, error) {
	return a.archiveEntire(ctx, ownerID, key, segments, timestamp, timeout, originalSize)
}

func (a *Archiver) archiveEntire(ctx context.Context, ownerID int64, key string, segments [][]byte, timestamp time.Time, timeout time.Duration, originalSize int) (int64, error) {
	if len(segments) != len(a.exchanges) {
		return 0, fmt.Errorf("archiver: %d segments but %d exchanges configured", len(segments), len(a.exchanges))
	}

	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unifiedID := a.unifiedIDs.next()

	outcomes := make(chan segmentOutcome, len(segments))
	var wg sync.WaitGroup
	for segmentNum, payload := range segments {
		wg.Add(1)
		go func(segmentNum int, payload []byte) {
			defer wg.Done()
			outcomes <- a.sendOne(joinCtx, ownerID, key, segmentNum, payload, timestamp, originalSize, unifiedID)
		}(segmentNum, payload)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	results := make([]segmentOutcome, 0, len(segments))
	for o := range outcomes {
		results = append(results, o)
	}

	successCount := 0
	var total int64
	var firstErr error
	timedOut := errors.Is(joinCtx.Err(), context.DeadlineExceeded)
	for _, o := range results {
		if o.err == nil {
			successCount++
			total += o.previousSize
			continue
		}
		if firstErr == nil {
			firstErr = o.err
		}
	}

	if a.requireAllReplies {
		if successCount < len(segments) {
			if timedOut {
				return 0, fmt.Errorf("%w: %d/%d segments replied", ErrTimeout, successCount, len(segments))
			}
			if firstErr != nil {
				return 0, fmt.Errorf("%w: %v", ErrBusUnavailable, firstErr)
			}
			return 0, ErrTimeout
		}
		return total, nil
	}

	if successCount < a.dataShards {
		return 0, fmt.Errorf("%w: %d/%d segments succeeded, need %d", ErrQuorumLost, successCount, len(segments), a.dataShards)
	}
	return total, nil
}

func (a *Archiver) sendOne(ctx context.Context, ownerID int64, key string, segmentNum int, payload []byte, timestamp time.Time, originalSize int, unifiedID int64) segmentOutcome {
	sum32 := adler32.Checksum(payload)
	digest := md5.Sum(payload)

	msg := ArchiveKeyEntire{
		RequestID:     uuid.NewString(),
		OwnerID:       ownerID,
		ReplyExchange: a.replyExchange,
		ReplyQueue:    a.replyQueue,
		Timestamp:     timestamp,
		Key:           key,
		Version:       0,
		SegmentNum:    segmentNum,
		Adler32:       sum32,
		MD5:           digest[:],
		OriginalSize:  originalSize,
		UnifiedID:     unifiedID,
	}

	control, err := controlFromMessage(msg)
	if err != nil {
		return segmentOutcome{segmentNum: segmentNum, err: fmt.Errorf("%w: %v", ErrBusUnavailable, err)}
	}

	reply, err := a.bus.Send(ctx, a.exchanges[segmentNum], bus.NewMessage(control, payload))
	if err != nil {
		switch {
		case errors.Is(err, bus.ErrTimeout):
			return segmentOutcome{segmentNum: segmentNum, err: fmt.Errorf("%w: %v", ErrTimeout, err)}
		default:
			return segmentOutcome{segmentNum: segmentNum, err: fmt.Errorf("%w: %v", ErrBusUnavailable, err)}
		}
	}

	var body ArchiveReply
	if len(reply.Body) > 0 {
		if err := json.Unmarshal(reply.Body, &body); err != nil {
			return segmentOutcome{segmentNum: segmentNum, err: fmt.Errorf("%w: decode reply body: %v", bus.ErrProtocol, err)}
		}
	}
	return segmentOutcome{segmentNum: segmentNum, previousSize: body.PreviousSize}
}

func controlFromMessage(msg ArchiveKeyEntire) (map[string]any, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var control map[string]any
	if err := json.Unmarshal(b, &control); err != nil {
		return nil, err
	}
	control["message-id"] = msg.RequestID
	return control, nil
}
