// Package backfill implements the windowed block interleaver and
// mempool transaction dribbler described in §4.7/§4.8: a steady stream
// of fresh FEC chunks from multiple in-flight blocks, plus ancestor-
// ordered transaction backfill at a fixed rate.
package backfill

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Blockstream/bitcoinfibre/collab"
	"github.com/Blockstream/bitcoinfibre/fec"
	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/queue"
)

// entry is one in-flight block: its full coded-chunk sequence and the
// round-robin cursor into it.
type entry struct {
	hashPrefix uint64
	chunks     []fec.CodedChunk
	nextIdx    int
}

// Window maintains up to W blocks in flight and round-robins their
// chunks into a group's background buffer, per §4.7.
type Window struct {
	name   string
	source collab.BlockSource
	group  *queue.TxQueueGroup
	codec  *packet.Codec
	dest   string

	width  int // W
	depth  int64
	offset int64

	logger *slog.Logger

	mu      sync.Mutex
	inFlight map[int64]*entry
	cursor   int64
	started  bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Window at construction.
type Option func(*Window)

// WithName sets the window's introspection name (§6 groupname).
func WithName(name string) Option {
	return func(w *Window) { w.name = name }
}

// WithWidth sets W, the number of blocks kept in flight (default 1).
func WithWidth(width int) Option {
	return func(w *Window) {
		if width > 0 {
			w.width = width
		}
	}
}

// WithDepth sets the rolling-window depth; 0 means "wrap the entire
// chain" (§4.7).
func WithDepth(depth int64) Option {
	return func(w *Window) { w.depth = depth }
}

// WithOffset sets the starting-height offset.
func WithOffset(offset int64) Option {
	return func(w *Window) { w.offset = offset }
}

// WithDest sets the "host:port" destination every emitted packet is
// addressed to (the multicast group's transmit address).
func WithDest(addr string) Option {
	return func(w *Window) { w.dest = addr }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Window) { w.logger = logger }
}

// New constructs a Window over source, feeding group's
// BufferBlockBackfill buffer. codec authenticates and frames every
// chunk with the multicast stream's shared per-connection key before it
// is queued (§4.9).
func New(source collab.BlockSource, group *queue.TxQueueGroup, codec *packet.Codec, opts ...Option) *Window {
	w := &Window{
		source:   source,
		group:    group,
		codec:    codec,
		width:    1,
		logger:   slog.Default(),
		inFlight: make(map[int64]*entry),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// startHeight computes h0 per §4.7's rule.
func (w *Window) startHeight(tip int64) int64 {
	if w.depth == 0 {
		span := tip + 1
		if span <= 0 {
			return 0
		}
		return mod(w.offset, span)
	}
	h0 := tip - w.depth + 1 + mod(w.offset, w.depth)
	if h0 < 0 {
		h0 = 0
	}
	return h0
}

func mod(a, n int64) int64 {
	if n <= 0 {
		return 0
	}
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}

// advanceCursor implements the wrap-around rule at the end of §4.7.
func (w *Window) advanceCursor(tip int64) {
	w.cursor++
	if w.depth > 0 {
		bottom := tip - w.depth + 1
		if bottom < 0 {
			bottom = 0
		}
		if w.cursor > tip {
			w.cursor = bottom
		}
	} else {
		if w.cursor > tip {
			w.cursor = 0
		}
	}
}

// Run drives the window until ctx is done or Close is called. It blocks
// until the chain is out of initial-block-download before emitting
// anything, per §4.7.
func (w *Window) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()
	for {
		ibd, err := w.source.InitialBlockDownload(ctx)
		if err != nil {
			w.logger.Warn("backfill: checking IBD status", "window", w.name, "error", err)
		} else if !ibd {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-time.After(time.Second):
		}
	}

	tip, err := w.source.TipHeight(ctx)
	if err != nil {
		w.logger.Error("backfill: fetching tip height", "window", w.name, "error", err)
		return
	}
	w.mu.Lock()
	w.cursor = w.startHeight(tip)
	w.started = true
	w.mu.Unlock()

	const tick = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}
		w.fillAndEmit(ctx)
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-time.After(tick):
		}
	}
}

// fillAndEmit performs one pass: top up the in-flight map to W blocks,
// then emit one chunk from each block's current index.
func (w *Window) fillAndEmit(ctx context.Context) {
	tip, err := w.source.TipHeight(ctx)
	if err != nil {
		w.logger.Warn("backfill: fetching tip height", "window", w.name, "error", err)
		return
	}

	w.mu.Lock()
	for len(w.inFlight) < w.width {
		height := w.cursor
		w.advanceCursor(tip)
		if _, ok := w.inFlight[height]; ok {
			continue
		}
		w.mu.Unlock()
		block, err := w.source.ReadBlockFromDisk(ctx, height)
		w.mu.Lock()
		if err != nil {
			w.logger.Warn("backfill: reading block", "window", w.name, "height", height, "error", err)
			continue
		}
		chunks, err := expandToChunks(block)
		if err != nil {
			w.logger.Warn("backfill: encoding block", "window", w.name, "height", height, "error", err)
			continue
		}
		w.inFlight[height] = &entry{hashPrefix: hashPrefix(block), chunks: chunks}
	}

	done := make([]int64, 0)
	for height, e := range w.inFlight {
		if e.nextIdx >= len(e.chunks) {
			done = append(done, height)
			continue
		}
		chunk := e.chunks[e.nextIdx]
		e.nextIdx++
		if e.nextIdx >= len(e.chunks) {
			done = append(done, height)
		}
		w.mu.Unlock()
		w.emit(e.hashPrefix, chunk, len(e.chunks))
		w.mu.Lock()
	}
	for _, height := range done {
		delete(w.inFlight, height)
	}
	w.mu.Unlock()
}

func (w *Window) emit(prefix uint64, chunk fec.CodedChunk, chunkCount int) {
	datagram, err := w.codec.Encode(packet.Message{
		Type: packet.TypeBlockContents,
		Content: packet.ContentHeader{
			HashPrefix:    prefix,
			ChunkID:       chunk.ID,
			ObjChunkCount: uint32(chunkCount),
		},
		Chunk: chunk.Data[:],
	})
	if err != nil {
		w.logger.Warn("backfill: encoding chunk", "window", w.name, "hash_prefix", prefix, "error", err)
		return
	}
	if err := w.group.Enqueue(queue.Packet{Data: datagram, Addr: w.dest}, queue.BufferBlockBackfill); err != nil {
		w.logger.Debug("backfill: dropped chunk, buffer full", "window", w.name, "hash_prefix", prefix)
	}
}

// expandToChunks runs the full FecEncoder pipeline over a block's bytes,
// producing its chunk sequence (the single chunk for Repetition, N parity
// chunks for Cm256, and N plus a small margin of randomly chosen chunk ids
// for Wirehair, so the Wirehair ids differ from call to call).
func expandToChunks(block []byte) ([]fec.CodedChunk, error) {
	n := fec.ChunkCount(len(block))
	mode := fec.ModeFor(n)
	capacity := n
	if mode == fec.Wirehair {
		capacity = n + n/20 + 4 // N + ~5% epsilon overhead, per §3
	}
	enc, err := fec.NewEncoder(block, capacity)
	if err != nil {
		return nil, err
	}
	if err := enc.Prefill(); err != nil {
		return nil, err
	}
	out := make([]fec.CodedChunk, 0, capacity)
	for i := 0; i < capacity; i++ {
		chunk, built := enc.Chunk(i)
		if !built {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

// Started reports whether the window has computed h0 and begun filling.
func (w *Window) Started() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Stats is a JSON-marshalable snapshot for introspection (§5, §6).
type Stats struct {
	Name           string `json:"name"`
	InFlightBlocks int    `json:"in_flight_blocks"`
	Cursor         int64  `json:"cursor"`
}

// Snapshot returns the window's current introspection state.
func (w *Window) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{Name: w.name, InFlightBlocks: len(w.inFlight), Cursor: w.cursor}
}

// Close stops the window's goroutine and waits for it to exit.
func (w *Window) Close() {
	close(w.stop)
	w.wg.Wait()
}
