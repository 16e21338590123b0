package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// cm256Codec wraps a Reed-Solomon encoder configured so that shards
// [0, n) are the original chunks and shards [n, Cm256MaxChunks) are
// parity: any n of the Cm256MaxChunks shards suffice to reconstruct the
// data, which is the maximum-distance-separable property §3 calls for.
type cm256Codec struct {
	n      int
	enc    reedsolomon.Encoder
	shards [][]byte // len == Cm256MaxChunks once built; nil entries are unknown
}

func newCm256Codec(n int) (*cm256Codec, error) {
	if n < 2 || n > Cm256MaxChunks {
		return nil, fmt.Errorf("fec: cm256 requires 2 <= n <= %d, got %d", Cm256MaxChunks, n)
	}
	enc, err := reedsolomon.New(n, Cm256MaxChunks-n)
	if err != nil {
		return nil, fmt.Errorf("fec: reedsolomon.New: %w", err)
	}
	return &cm256Codec{n: n, enc: enc}, nil
}

// buildFromSource splits the source object into n data shards (zero-padded
// to a multiple of ChunkSize) and computes the full parity set. Used on the
// encoder side, where the whole object is already available.
func (c *cm256Codec) buildFromSource(source []byte) error {
	padded := make([]byte, c.n*ChunkSize)
	copy(padded, source)
	shards, err := c.enc.Split(padded)
	if err != nil {
		return fmt.Errorf("fec: cm256 split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return fmt.Errorf("fec: cm256 encode: %w", err)
	}
	c.shards = shards
	return nil
}

// shard returns the coded bytes for the given cm256 chunk id (0..255)
// from the shard set built by buildFromSource, or nil for an id beyond it.
func (c *cm256Codec) shard(id uint32) []byte {
	if int(id) >= len(c.shards) {
		return nil
	}
	return c.shards[id]
}

// cm256DecoderState accumulates shards on the receive side and reconstructs the
// full shard set once n distinct shards have arrived.
type cm256DecoderState struct {
	n       int
	enc     reedsolomon.Encoder
	shards  [][]byte
	have    []bool
	decoded bool
}

func newCm256DecoderState(n int) (*cm256DecoderState, error) {
	codec, err := newCm256Codec(n)
	if err != nil {
		return nil, err
	}
	return &cm256DecoderState{
		n:      n,
		enc:    codec.enc,
		shards: make([][]byte, Cm256MaxChunks),
		have:   make([]bool, Cm256MaxChunks),
	}, nil
}

// addShard records a received chunk at its cm256 id.
func (d *cm256DecoderState) addShard(id uint32, data []byte) {
	if int(id) >= len(d.shards) || d.have[id] {
		return
	}
	buf := make([]byte, ChunkSize)
	copy(buf, data)
	d.shards[id] = buf
	d.have[id] = true
}

func (d *cm256DecoderState) haveCount() int {
	c := 0
	for _, h := range d.have {
		if h {
			c++
		}
	}
	return c
}

// reconstruct fills in every missing shard once at least n are present.
func (d *cm256DecoderState) reconstruct() error {
	if d.decoded {
		return nil
	}
	if d.haveCount() < d.n {
		return fmt.Errorf("fec: cm256 reconstruct needs %d shards, have %d", d.n, d.haveCount())
	}
	shards := make([][]byte, len(d.shards))
	copy(shards, d.shards)
	if err := d.enc.ReconstructData(shards); err != nil {
		return fmt.Errorf("fec: cm256 reconstruct: %w", err)
	}
	d.shards = shards
	for i := range d.have {
		if d.shards[i] != nil {
			d.have[i] = true
		}
	}
	d.decoded = true
	return nil
}

// dataShard returns original chunk i (0 <= i < n) after reconstruction.
func (d *cm256DecoderState) dataShard(i int) []byte {
	if i < 0 || i >= d.n {
		return nil
	}
	return d.shards[i]
}
