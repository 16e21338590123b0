package backfill

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Blockstream/bitcoinfibre/collab"
	"github.com/Blockstream/bitcoinfibre/packet"
	"github.com/Blockstream/bitcoinfibre/queue"
)

// defaultFilterCapacity and defaultFilterFPRate size the rolling filter
// to hold roughly a day's worth of mempool churn, per §4.8.
const (
	defaultFilterCapacity uint    = 500000
	defaultFilterFPRate   float64 = 0.001
)

// TxnDribbler rate-limits a steady stream of mempool transactions onto a
// group's background buffer, pulling the highest ancestor-score
// transactions first and expanding each unseen ancestor before the
// transaction that depends on it (§4.8).
type TxnDribbler struct {
	name    string
	mempool collab.Mempool
	group   *queue.TxQueueGroup
	codec   *packet.Codec
	dest    string
	bucket  *queue.TokenBucket
	sent    *rollingFilter
	logger  *slog.Logger

	tick time.Duration

	mu      sync.Mutex
	visited map[[32]byte]struct{} // scratch set, cleared each tick

	stop chan struct{}
	wg   sync.WaitGroup
}

// DribblerOption configures a TxnDribbler at construction.
type DribblerOption func(*TxnDribbler)

// WithDribblerName sets the dribbler's introspection name.
func WithDribblerName(name string) DribblerOption {
	return func(d *TxnDribbler) { d.name = name }
}

// WithDribblerLogger overrides the default logger.
func WithDribblerLogger(logger *slog.Logger) DribblerOption {
	return func(d *TxnDribbler) { d.logger = logger }
}

// WithFilterSize overrides the rolling-filter capacity and target
// false-positive rate (default 500000/0.001, per §4.8).
func WithFilterSize(capacity uint, fpRate float64) DribblerOption {
	return func(d *TxnDribbler) { d.sent = newRollingFilter(capacity, fpRate) }
}

// WithDribblerDest sets the "host:port" destination every emitted
// packet is addressed to (the multicast group's transmit address).
func WithDribblerDest(addr string) DribblerOption {
	return func(d *TxnDribbler) { d.dest = addr }
}

// WithDribbleTick overrides the pull interval (default 200ms).
func WithDribbleTick(tick time.Duration) DribblerOption {
	return func(d *TxnDribbler) {
		if tick > 0 {
			d.tick = tick
		}
	}
}

// NewTxnDribbler constructs a TxnDribbler pulling from mempool at
// bucket's rate (in transactions/sec, per §4.8's txn_per_sec), emitting
// coded chunks authenticated with codec into group's TX_CONTENTS
// background buffer.
func NewTxnDribbler(mempool collab.Mempool, group *queue.TxQueueGroup, codec *packet.Codec, bucket *queue.TokenBucket, opts ...DribblerOption) *TxnDribbler {
	d := &TxnDribbler{
		mempool: mempool,
		group:   group,
		codec:   codec,
		bucket:  bucket,
		sent:    newRollingFilter(defaultFilterCapacity, defaultFilterFPRate),
		logger:  slog.Default(),
		tick:    200 * time.Millisecond,
		visited: make(map[[32]byte]struct{}),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drives the dribbler until ctx is done or Close is called.
func (d *TxnDribbler) Run(ctx context.Context) {
	d.wg.Add(1)
	defer d.wg.Done()
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.runOneTick(ctx)
		}
	}
}

// runOneTick pulls up to the bucket's current quota of transactions and
// dribbles each, ancestors first.
func (d *TxnDribbler) runOneTick(ctx context.Context) {
	quota := d.bucket.Quota()
	if quota <= 0 {
		return
	}
	candidates, err := d.mempool.IterateByAncestorScore(ctx, quota)
	if err != nil {
		d.logger.Warn("dribbler: iterating mempool", "dribbler", d.name, "error", err)
		return
	}

	d.mu.Lock()
	for k := range d.visited {
		delete(d.visited, k)
	}
	d.mu.Unlock()

	sent := 0
	for _, tx := range candidates {
		if sent >= quota {
			break
		}
		sent += d.dribble(ctx, tx, quota-sent, 0)
	}
}

// maxAncestorDepth bounds the ancestor walk so a malformed or cyclic
// ancestor list cannot recurse unboundedly.
const maxAncestorDepth = 100

// dribble emits tx's unseen ancestors before tx itself, per §4.8's
// ancestor-ordering rule, returning how many transactions it sent
// (capped at budget).
func (d *TxnDribbler) dribble(ctx context.Context, tx collab.MempoolTx, budget int, depth int) int {
	if budget <= 0 || depth > maxAncestorDepth {
		return 0
	}
	d.mu.Lock()
	_, already := d.visited[tx.TxID]
	d.mu.Unlock()
	if already || d.sent.Contains(tx.TxID) {
		return 0
	}
	d.mu.Lock()
	d.visited[tx.TxID] = struct{}{}
	d.mu.Unlock()

	sent := 0
	for _, ancestorID := range tx.AncestorTx {
		if sent >= budget {
			return sent
		}
		if d.sent.Contains(ancestorID) {
			continue
		}
		ancestor, ok := d.mempool.Lookup(ctx, ancestorID)
		if !ok {
			continue
		}
		sent += d.dribble(ctx, ancestor, budget-sent, depth+1)
	}
	if sent >= budget {
		return sent
	}

	if err := d.emit(tx); err != nil {
		d.logger.Warn("dribbler: encoding tx", "dribbler", d.name, "txid", tx.TxID, "error", err)
		return sent
	}
	d.sent.Add(tx.TxID)
	d.bucket.Consume(1)
	return sent + 1
}

// emit expands tx into its coded-chunk sequence and enqueues each chunk
// onto the group's transaction background buffer.
func (d *TxnDribbler) emit(tx collab.MempoolTx) error {
	chunks, err := expandToChunks(tx.Bytes)
	if err != nil {
		return err
	}
	prefix := hashPrefix(tx.Bytes)
	for _, chunk := range chunks {
		datagram, err := d.codec.Encode(packet.Message{
			Type: packet.TypeTxContents,
			Content: packet.ContentHeader{
				HashPrefix:    prefix,
				ChunkID:       chunk.ID,
				ObjChunkCount: uint32(len(chunks)),
			},
			Chunk: chunk.Data[:],
		})
		if err != nil {
			return err
		}
		if err := d.group.Enqueue(queue.Packet{Data: datagram, Addr: d.dest}, queue.BufferTxBackground); err != nil {
			d.logger.Debug("dribbler: dropped chunk, buffer full", "dribbler", d.name, "txid", tx.TxID)
		}
	}
	return nil
}

// Close stops the dribbler's goroutine and waits for it to exit.
func (d *TxnDribbler) Close() {
	close(d.stop)
	d.wg.Wait()
}
