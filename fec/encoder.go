package fec

import (
	"fmt"
	"math/rand"
)

// FecEncoder produces coded chunks from a source buffer into a fixed-
// capacity output slot, per §4.1. The source buffer is borrowed: the
// encoder keeps a reference to it, not a copy, and reads it on later
// Build calls.
type FecEncoder struct {
	source []byte
	l      int
	n      int
	mode   CodingMode

	chunks []CodedChunk
	built  []bool

	cm256         *cm256Codec
	cm256Start    int
	cm256StartSet bool
}

// NewEncoder constructs an encoder for a source object of l bytes (the
// length of source) with an output slot of the given capacity. capacity
// must be at least 1; for Repetition and Cm256 modes it is typically N (or
// N plus a small parity budget), while Wirehair callers may request an
// effectively unbounded stream by calling Build with increasing indices.
func NewEncoder(source []byte, capacity int) (*FecEncoder, error) {
	l := len(source)
	if l == 0 {
		return nil, fmt.Errorf("fec: object length must be > 0")
	}
	n := ChunkCount(l)
	if n > NMax {
		return nil, fmt.Errorf("fec: chunk count %d exceeds NMax %d", n, NMax)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("fec: capacity must be >= 1")
	}
	e := &FecEncoder{
		source: source,
		l:      l,
		n:      n,
		mode:   ModeFor(n),
		chunks: make([]CodedChunk, capacity),
		built:  make([]bool, capacity),
	}
	if e.mode == Cm256 {
		codec, err := newCm256Codec(n)
		if err != nil {
			return nil, err
		}
		if err := codec.buildFromSource(source); err != nil {
			return nil, err
		}
		e.cm256 = codec
	}
	return e, nil
}

// N returns the object's chunk count.
func (e *FecEncoder) N() int { return e.n }

// Mode returns the coding mode in use.
func (e *FecEncoder) Mode() CodingMode { return e.mode }

// Build populates slot index with a coded chunk. If overwrite is false and
// the slot was already built, Build returns success without recomputing
// (§4.1). "Built" is tracked as a separate boolean rather than inferred
// from chunk id, since id 0 is a valid chunk id in Repetition mode.
func (e *FecEncoder) Build(index int, overwrite bool) error {
	if index < 0 || index >= len(e.chunks) {
		return ErrOutOfRange
	}
	if e.built[index] && !overwrite {
		return nil
	}
	switch e.mode {
	case Repetition:
		e.buildRepetition(index)
	case Cm256:
		e.buildCm256(index)
	default:
		e.buildWirehair(index)
	}
	e.built[index] = true
	return nil
}

func (e *FecEncoder) buildRepetition(index int) {
	c := &e.chunks[index]
	var zero [ChunkSize]byte
	c.Data = zero
	copy(c.Data[:], e.source)
	c.ID = uint32(index)
}

func (e *FecEncoder) buildCm256(index int) {
	if !e.cm256StartSet {
		e.cm256Start = rand.Intn(Cm256MaxChunks)
		e.cm256StartSet = true
	}
	parityWidth := Cm256MaxChunks - e.n
	offset := (e.cm256Start + index) % parityWidth
	id := uint32(e.n + offset)
	c := &e.chunks[index]
	c.ID = id
	shard := e.cm256.shard(id)
	var zero [ChunkSize]byte
	c.Data = zero
	copy(c.Data[:], shard)
}

func (e *FecEncoder) buildWirehair(index int) {
	id := uint32(e.n) + uint32(rand.Int63n(int64(WirehairIDSpace-e.n)))
	c := &e.chunks[index]
	var zero [ChunkSize]byte
	c.Data = zero
	for _, srcIdx := range ltSelect(id, e.n) {
		start := srcIdx * ChunkSize
		end := start + ChunkSize
		if start >= len(e.source) {
			continue
		}
		if end > len(e.source) {
			end = len(e.source)
		}
		xorChunk(&c.Data, e.source[start:end])
	}
	c.ID = id
}

// Prefill builds every slot once, leaving already-built slots untouched.
func (e *FecEncoder) Prefill() error {
	for i := range e.chunks {
		if err := e.Build(i, false); err != nil {
			return err
		}
	}
	return nil
}

// Chunk returns the coded chunk at a given slot, and whether it has been
// built.
func (e *FecEncoder) Chunk(index int) (CodedChunk, bool) {
	if index < 0 || index >= len(e.chunks) {
		return CodedChunk{}, false
	}
	return e.chunks[index], e.built[index]
}
