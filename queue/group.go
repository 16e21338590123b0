package queue

import (
	"log/slog"
	"sync"
	"time"
)

// Priority buffer indices, strict priority order, per §4.5.
const (
	BufferHigh = iota
	BufferBestEffort
	BufferTxBackground
	BufferBlockBackfill
	numBuffers
)

// TxQueueGroup is one output group: four strict-priority ring buffers, a
// TokenBucket, and the non-empty condition variable the SendScheduler
// waits on.
type TxQueueGroup struct {
	name      string
	buffers   [numBuffers]*ringBuffer
	Bucket    *TokenBucket
	Multicast bool
	signal    *Signal

	mu       sync.Mutex
	nextSend time.Time

	logger *slog.Logger
}

// GroupOption configures a TxQueueGroup at construction.
type GroupOption func(*TxQueueGroup)

// WithGroupName sets the group's introspection name (§6's `groupname`).
func WithGroupName(name string) GroupOption {
	return func(g *TxQueueGroup) { g.name = name }
}

// WithMulticast marks the group as multicast-sourced (§4.9). The flag is
// recorded in Multicast only; Enqueue does not inspect message kinds, so
// no buffer of a multicast group is restricted in what it carries.
func WithMulticast(multicast bool) GroupOption {
	return func(g *TxQueueGroup) { g.Multicast = multicast }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) GroupOption {
	return func(g *TxQueueGroup) { g.logger = logger }
}

// WithBufferCapacity sets the per-buffer ring capacity (default 256).
func WithBufferCapacity(capacity int) GroupOption {
	return func(g *TxQueueGroup) {
		for i := range g.buffers {
			g.buffers[i] = newRingBuffer(capacity)
		}
	}
}

// WithSignal shares an existing Signal across multiple groups, so a
// single SendScheduler can wait on one condvar woken by any group's
// Enqueue (§5). Groups constructed without this option get a private
// Signal, which is fine for standalone use or tests.
func WithSignal(signal *Signal) GroupOption {
	return func(g *TxQueueGroup) { g.signal = signal }
}

// NewGroup constructs a TxQueueGroup with the given token bucket.
func NewGroup(bucket *TokenBucket, opts ...GroupOption) *TxQueueGroup {
	g := &TxQueueGroup{
		Bucket: bucket,
		logger: slog.Default(),
		signal: NewSignal(),
	}
	for i := range g.buffers {
		g.buffers[i] = newRingBuffer(256)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the group's introspection name.
func (g *TxQueueGroup) Name() string { return g.name }

// Enqueue pushes p into bufferIdx without blocking. If the buffer is
// full, ErrBusy is returned and the caller decides whether to drop or
// retry later (§4.5); the drop is also counted for DroppedCount.
func (g *TxQueueGroup) Enqueue(p Packet, bufferIdx int) error {
	buf := g.buffers[bufferIdx]
	wasEmpty := g.allEmpty()
	if !buf.tryEnqueue(&p) {
		g.logger.Warn("queue: dropping packet, buffer full",
			"group", g.name, "buffer", bufferIdx)
		return ErrBusy
	}
	if wasEmpty {
		g.signal.broadcast()
	}
	return nil
}

// allEmpty reports whether every buffer is currently empty.
func (g *TxQueueGroup) allEmpty() bool {
	for _, b := range g.buffers {
		if !b.empty() {
			return false
		}
	}
	return true
}

// HighestNonEmpty returns the lowest-numbered (highest-priority)
// non-empty buffer index, or -1 if every buffer is empty.
func (g *TxQueueGroup) HighestNonEmpty() int {
	for i, b := range g.buffers {
		if !b.empty() {
			return i
		}
	}
	return -1
}

// Dequeue removes and returns the next packet from bufferIdx, or nil.
func (g *TxQueueGroup) Dequeue(bufferIdx int) *Packet {
	return g.buffers[bufferIdx].tryDequeue()
}

// Len reports how many packets are queued in bufferIdx.
func (g *TxQueueGroup) Len(bufferIdx int) int {
	return g.buffers[bufferIdx].len()
}

// DroppedCount reports how many Enqueue calls on bufferIdx have failed
// because the buffer was full, the ring-buffer backpressure counter
// named in SPEC_FULL.md's supplemented features.
func (g *TxQueueGroup) DroppedCount(bufferIdx int) int {
	return g.buffers[bufferIdx].droppedCount()
}

// NextSend returns the group's paced-wakeup timestamp.
func (g *TxQueueGroup) NextSend() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextSend
}

// SetNextSend updates the group's paced-wakeup timestamp.
func (g *TxQueueGroup) SetNextSend(t time.Time) {
	g.mu.Lock()
	g.nextSend = t
	g.mu.Unlock()
}

// WaitNonEmpty blocks until some buffer in the group is non-empty or
// stop is closed.
func (g *TxQueueGroup) WaitNonEmpty(stop <-chan struct{}) {
	g.signal.Wait(stop, func() bool { return !g.allEmpty() })
}

// Signal returns the group's shared wakeup signal, for a SendScheduler
// that arbitrates across several groups on one condvar.
func (g *TxQueueGroup) Signal() *Signal { return g.signal }

// Notify wakes any goroutine blocked on the group's signal, used by
// shutdown to unblock readers observing stop.
func (g *TxQueueGroup) Notify() {
	g.signal.broadcast()
}
