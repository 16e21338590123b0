package fec

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Blockstream/bitcoinfibre/chunkstore"
	"github.com/Blockstream/bitcoinfibre/codecpool"
)

// StoreDir is the directory new MmapBacked decoders create their backing
// chunk files in. Callers that need the §6 "partial_blocks/" convention
// should set this once at startup before constructing decoders.
var StoreDir = "partial_blocks"

// mmapCapacity sizes a MmapBacked decoder's backing store a little larger
// than N, to hold the small epsilon of extra chunks a wirehair object
// typically needs, per §4.2.
func mmapCapacity(n int) int {
	margin := n / 10
	if margin < 8 {
		margin = 8
	}
	return n + margin
}

// FecDecoder accepts coded chunks for a single object and reports when
// enough have arrived to reconstruct it, per §4.2.
type FecDecoder struct {
	mu sync.Mutex

	l       int
	n       int
	mode    CodingMode
	memMode MemoryMode
	pool    *codecpool.Pool

	state   DecoderState
	tracker ReceivedTracker
	failErr error

	repetitionData []byte

	cm *cm256DecoderState

	wh          *wirehairState
	whAttempted bool // whirehair-only: whether the deferred on-disk decode attempt has run

	store     *chunkstore.Store
	storeNext int

	decoded []byte
}

// NewDecoder constructs a decoder for an object of l bytes. objectID, if
// non-empty, derives the backing chunk-file's name for MmapBacked mode per
// §4.4's filename convention; pass it pre-formatted via
// chunkstore.FormatFilename. An empty objectID with MmapBacked mode uses a
// process-local unique temp file instead.
func NewDecoder(l int, memMode MemoryMode, objectID string, pool *codecpool.Pool) (*FecDecoder, error) {
	if l <= 0 {
		return nil, fmt.Errorf("fec: object length must be > 0")
	}
	n := ChunkCount(l)
	if n > NMax {
		return nil, fmt.Errorf("fec: chunk count %d exceeds NMax %d", n, NMax)
	}
	mode := ModeFor(n)
	d := &FecDecoder{
		l:       l,
		n:       n,
		mode:    mode,
		memMode: memMode,
		pool:    pool,
		state:   Empty,
		tracker: newTracker(mode, n),
	}
	if mode == Cm256 {
		cm, err := newCm256DecoderState(n)
		if err != nil {
			return nil, err
		}
		d.cm = cm
	}
	if memMode == MmapBacked {
		if err := d.openStore(objectID); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *FecDecoder) openStore(objectID string) error {
	capacity := mmapCapacity(d.n)
	var path string
	if objectID != "" {
		path = filepath.Join(StoreDir, objectID)
		if err := os.MkdirAll(StoreDir, 0o755); err != nil {
			return fmt.Errorf("fec: mkdir %s: %w", StoreDir, err)
		}
	} else {
		f, err := os.CreateTemp(StoreDir, "fec-*.chunks")
		if err != nil {
			if mkErr := os.MkdirAll(StoreDir, 0o755); mkErr != nil {
				return fmt.Errorf("fec: mkdir %s: %w", StoreDir, mkErr)
			}
			f, err = os.CreateTemp(StoreDir, "fec-*.chunks")
			if err != nil {
				return fmt.Errorf("fec: create temp chunk file: %w", err)
			}
		}
		path = f.Name()
		f.Close()
		os.Remove(path)
	}
	store, err := chunkstore.Create(path, capacity)
	if err != nil {
		return fmt.Errorf("fec: create chunk store: %w", err)
	}
	d.store = store
	return nil
}

// Reopen reattaches a MmapBacked decoder to an already-existing chunk
// file (a survivor from a previous process, per §6/§8 scenario 4), reading
// every slot back into the decoder's in-memory state.
func Reopen(l int, path string, pool *codecpool.Pool) (*FecDecoder, error) {
	n := ChunkCount(l)
	mode := ModeFor(n)
	d := &FecDecoder{
		l:       l,
		n:       n,
		mode:    mode,
		memMode: MmapBacked,
		pool:    pool,
		state:   Empty,
		tracker: newTracker(mode, n),
	}
	if mode == Cm256 {
		cm, err := newCm256DecoderState(n)
		if err != nil {
			return nil, err
		}
		d.cm = cm
	}
	store, err := chunkstore.Open(path, mmapCapacity(n))
	if err != nil {
		return nil, fmt.Errorf("fec: reopen chunk store: %w", err)
	}
	d.store = store
	for i := 0; i < store.Capacity(); i++ {
		id := store.ChunkID(i)
		data := store.Chunk(i)
		var isZero = true
		for _, b := range data {
			if b != 0 {
				isZero = false
				break
			}
		}
		if id == 0 && isZero {
			continue
		}
		d.storeNext = i + 1
		d.provideLocked(data, id, false)
	}
	return d, nil
}

// State returns the decoder's current state.
func (d *FecDecoder) State() DecoderState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsReady reports whether the decoder has reached Decodable.
func (d *FecDecoder) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == Decodable
}

// Provide hands a received coded chunk to the decoder.
func (d *FecDecoder) Provide(chunk []byte, chunkID uint32) (ProvideResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.provideLocked(chunk, chunkID, true)
}

func (d *FecDecoder) provideLocked(chunk []byte, chunkID uint32, persist bool) (ProvideResult, error) {
	if d.state == Failed {
		return DecodeFailed, d.failErr
	}
	if d.state == Decodable || d.state == Consumed {
		if d.tracker.Check(chunkID) {
			return DuplicateOk, nil
		}
		// Further distinct chunks after decodability are harmless no-ops.
		return Accepted, nil
	}
	maxID := MaxChunkID(d.mode, d.n)
	if d.mode != Repetition && chunkID > maxID {
		return InvalidID, ErrInvalidChunkID
	}
	wasPresent := d.tracker.CheckAndMark(chunkID)
	if wasPresent {
		return DuplicateOk, nil
	}
	if d.state == Empty {
		d.state = Collecting
	}
	if persist && d.store != nil && d.storeNext < d.store.Capacity() {
		d.store.Insert(d.storeNext, chunk, chunkID)
		d.storeNext++
	}
	var err error
	switch d.mode {
	case Repetition:
		err = d.provideRepetition(chunk)
	case Cm256:
		err = d.provideCm256(chunk, chunkID)
	default:
		err = d.provideWirehair(chunk, chunkID)
	}
	if err != nil {
		d.state = Failed
		d.failErr = fmt.Errorf("%w: %v", ErrDecodeFailed, err)
		return DecodeFailed, d.failErr
	}
	return Accepted, nil
}

func (d *FecDecoder) provideRepetition(chunk []byte) error {
	if d.repetitionData == nil {
		d.repetitionData = append([]byte(nil), chunk...)
	}
	d.state = Decodable
	return nil
}

func (d *FecDecoder) provideCm256(chunk []byte, chunkID uint32) error {
	d.cm.addShard(chunkID, chunk)
	if d.cm.haveCount() >= d.n {
		if err := d.cm.reconstruct(); err != nil {
			return err
		}
		d.state = Decodable
	}
	return nil
}

func (d *FecDecoder) provideWirehair(chunk []byte, chunkID uint32) error {
	// Deferred-decode path: while backed by a store and not yet attempted,
	// just persist (already done above) until N distinct chunks are on
	// disk, then build the codec state from disk in one pass (§4.2).
	if d.store != nil && !d.whAttempted {
		if d.tracker.Count() < d.n {
			return nil
		}
		d.whAttempted = true
		d.wh = newWirehairState(d.n, d.pool)
		for i := 0; i < d.storeNext; i++ {
			d.wh.provide(d.store.ChunkID(i), d.store.Chunk(i))
		}
		if d.wh.isReady() {
			d.state = Decodable
		}
		return nil
	}
	if d.wh == nil {
		d.wh = newWirehairState(d.n, d.pool)
	}
	d.wh.provide(chunkID, chunk)
	if d.wh.isReady() {
		d.state = Decodable
	}
	return nil
}

// TakeDecoded returns the reconstructed object, truncated to L bytes, and
// transitions the decoder to Consumed. It requires IsReady(); calling it
// twice returns ErrAlreadyConsumed on the second call.
func (d *FecDecoder) TakeDecoded() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Consumed {
		return nil, ErrAlreadyConsumed
	}
	if d.state != Decodable {
		return nil, ErrNotReady
	}
	if d.decoded == nil {
		buf := make([]byte, 0, d.n*ChunkSize)
		switch d.mode {
		case Repetition:
			buf = append(buf, d.repetitionData...)
		case Cm256:
			for i := 0; i < d.n; i++ {
				buf = append(buf, d.cm.dataShard(i)...)
			}
		default:
			for i := 0; i < d.n; i++ {
				buf = append(buf, d.wh.chunk(i)...)
			}
		}
		if len(buf) > d.l {
			buf = buf[:d.l]
		}
		d.decoded = buf
	}
	d.state = Consumed
	if d.wh != nil {
		d.wh.release(d.pool)
	}
	out := make([]byte, len(d.decoded))
	copy(out, d.decoded)
	return out, nil
}

// PeekChunk materialises original source chunk i (0 <= i < N) without
// consuming the whole object. For Cm256 this triggers a one-shot decode
// pass (already performed by the time IsReady is true, since Cm256's MDS
// property means "ready" already implies every shard is reconstructed) and
// is cached thereafter via the cm256 decoder state's own shard array.
func (d *FecDecoder) PeekChunk(i int) ([ChunkSize]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out [ChunkSize]byte
	if d.state != Decodable && d.state != Consumed {
		return out, ErrNotReady
	}
	if i < 0 || i >= d.n {
		return out, fmt.Errorf("fec: chunk index %d out of range [0,%d)", i, d.n)
	}
	var src []byte
	switch d.mode {
	case Repetition:
		src = d.repetitionData
	case Cm256:
		src = d.cm.dataShard(i)
	default:
		src = d.wh.chunk(i)
	}
	copy(out[:], src)
	return out, nil
}

// N returns the object's chunk count.
func (d *FecDecoder) N() int { return d.n }

// Mode returns the coding mode in use.
func (d *FecDecoder) Mode() CodingMode { return d.mode }

// StorePath returns the backing chunk file's path, or "" if InMemory.
func (d *FecDecoder) StorePath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil {
		return ""
	}
	return d.store.Path()
}

// Close releases the decoder's resources: the backing chunk file (if any)
// is removed, and any borrowed codec-pool scratch is returned.
func (d *FecDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wh != nil {
		d.wh.release(d.pool)
		d.wh = nil
	}
	if d.store != nil {
		err := d.store.Remove()
		d.store = nil
		return err
	}
	return nil
}

// Assign gives dst ownership of src's backing chunk store (per the move-
// assignment rule in §9), and copies src's decode progress into dst. Used
// by PartialBlockRegistry when a decoder must be relocated to a new key.
func (dst *FecDecoder) Assign(src *FecDecoder) error {
	dst.mu.Lock()
	defer dst.mu.Unlock()
	src.mu.Lock()
	defer src.mu.Unlock()
	switch {
	case dst.store != nil && src.store != nil:
		if err := dst.store.Assign(src.store); err != nil {
			return err
		}
	case dst.store == nil && src.store != nil:
		dst.store = src.store
		src.store = nil
	case dst.store != nil && src.store == nil:
		if err := dst.store.Remove(); err != nil {
			return err
		}
		dst.store = nil
	}
	dst.l, dst.n, dst.mode, dst.memMode = src.l, src.n, src.mode, src.memMode
	dst.state, dst.tracker, dst.failErr = src.state, src.tracker, src.failErr
	dst.repetitionData, dst.cm, dst.wh, dst.whAttempted = src.repetitionData, src.cm, src.wh, src.whAttempted
	dst.storeNext, dst.decoded, dst.pool = src.storeNext, src.decoded, src.pool
	return nil
}
