// Package erasure is a thin adapter onto the (k,n) erasure code the
// fan-out archiver uses to split client bytes into per-node segments.
// The coding math itself is explicitly out of scope per the core spec
// (section 1); this package exists only to give the archiver a named
// interface to call, backed by a real library rather than a hand-rolled
// implementation.
package erasure

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

// Coder splits a byte payload into n segments (k data + (n-k) parity)
// and can reconstruct the original payload from any k of them.
type Coder struct {
	dataShards   int
	parityShards int
	totalSize    int
	enc          reedsolomon.Encoder
}

// New builds a Coder for n total segments with the given redundancy
// (n - k parity shards).
func New(segmentCount, redundancy int) (*Coder, error) {
	if redundancy <= 0 || redundancy >= segmentCount {
		return nil, errors.New("erasure: redundancy must be in (0, segment_count)")
	}
	dataShards := segmentCount - redundancy
	enc, err := reedsolomon.New(dataShards, redundancy)
	if err != nil {
		return nil, err
	}
	return &Coder{dataShards: dataShards, parityShards: redundancy, enc: enc}, nil
}

func (c *Coder) DataShards() int  { return c.dataShards }
func (c *Coder) TotalShards() int { return c.dataShards + c.parityShards }

// Split erasure-codes payload into TotalShards() equal-length segments,
// ordered by segment_num (0..n-1), matching the fixed index-addressed
// exchange list the archiver dispatches against.
func (c *Coder) Split(payload []byte) ([][]byte, error) {
	shards, err := c.enc.Split(payload)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// Reconstruct rebuilds the original payload given at least
// DataShards() of the n segments; missing segments must be nil in the
// slice at their index.
func (c *Coder) Reconstruct(shards [][]byte, originalSize int) ([]byte, error) {
	cp := make([][]byte, len(shards))
	copy(cp, shards)
	if err := c.enc.Reconstruct(cp); err != nil {
		return nil, err
	}
	out := make([]byte, 0, originalSize)
	for _, s := range cp[:c.dataShards] {
		out = append(out, s...)
	}
	if len(out) < originalSize {
		return nil, errors.New("erasure: reconstructed payload shorter than original size")
	}
	return out[:originalSize], nil
}
