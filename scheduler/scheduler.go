// Package scheduler implements the single-sender-thread arbitration
// described in §4.6: drain each group's highest-priority non-empty
// buffer under its token bucket, pace wakeups by next_send, and fall
// back to waiting on writability or on the shared non-empty signal.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Blockstream/bitcoinfibre/queue"
)

// MaxConsecutive bounds how many packets the scheduler sends from one
// buffer in a single burst before re-selecting, the anti-starvation cap
// of §4.6.
const MaxConsecutive = 10

// ErrWouldBlock is the sentinel a Sender returns to signal EAGAIN/
// EWOULDBLOCK: the scheduler stops draining this group's burst early and
// waits on writability.
var ErrWouldBlock = errors.New("scheduler: send would block")

// Sender transmits one already-framed datagram. Implementations wrap a
// UDP socket's sendto; ErrWouldBlock maps to EAGAIN/EWOULDBLOCK.
type Sender interface {
	Send(pkt queue.Packet) error
}

// Writable optionally lets a Sender participate in the scheduler's
// poll-on-EAGAIN step (§4.6 step 3). Senders that don't implement it are
// treated as always eventually writable after a short backoff.
type Writable interface {
	WaitWritable(timeout time.Duration) bool
}

// binding pairs a group with the socket that drains it.
type binding struct {
	group  *queue.TxQueueGroup
	sender Sender
}

// SendScheduler is the single sender task per process (§5).
type SendScheduler struct {
	bindings []binding
	signal   *queue.Signal
	logger   *slog.Logger

	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	bytesSent atomic.Uint64
}

// Option configures a SendScheduler at construction.
type Option func(*SendScheduler)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SendScheduler) { s.logger = logger }
}

// New constructs a scheduler over the given group/sender bindings. Every
// group must share the same *queue.Signal (§5); New takes the signal from
// the first binding's group and does not check that the others match.
func New(bindings []Binding, opts ...Option) *SendScheduler {
	s := &SendScheduler{
		logger: slog.Default(),
		stop:   make(chan struct{}),
	}
	for _, b := range bindings {
		s.bindings = append(s.bindings, binding{group: b.Group, sender: b.Sender})
		if s.signal == nil {
			s.signal = b.Group.Signal()
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Binding is the exported form of a group/sender pair passed to New.
type Binding struct {
	Group  *queue.TxQueueGroup
	Sender Sender
}

// BytesSent reports the cumulative bytes successfully transmitted.
func (s *SendScheduler) BytesSent() uint64 { return s.bytesSent.Load() }

// Run drives the scheduler's main loop until ctx is done or Close is
// called. It is meant to be run in its own goroutine.
func (s *SendScheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}
		allEagain := s.runOneRound()
		if s.allEmpty() {
			s.signal.Wait(s.stop, func() bool { return !s.allEmpty() })
			continue
		}
		if allEagain {
			s.waitWritable()
			continue
		}
		time.Sleep(s.sleepDuration())
	}
}

// Close stops the scheduler and waits for Run to return.
func (s *SendScheduler) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.signal.Broadcast()
	s.wg.Wait()
}

// runOneRound performs step 1 of §4.6 for every group whose next_send
// has arrived, returning whether every group drained on this round had
// a send return ErrWouldBlock.
func (s *SendScheduler) runOneRound() bool {
	now := time.Now()
	attempted, eagains := 0, 0
	for _, b := range s.bindings {
		if now.Before(b.group.NextSend()) {
			continue
		}
		attempted++
		if s.drainGroup(b, now) {
			eagains++
		}
	}
	return attempted > 0 && eagains == attempted
}

// drainGroup sends up to MaxConsecutive packets from the group's
// highest-priority non-empty buffer, re-selecting on an emptied buffer,
// per §4.6 step 1.
func (s *SendScheduler) drainGroup(b binding, now time.Time) (eagain bool) {
	sent := 0
	for sent < MaxConsecutive {
		idx := b.group.HighestNonEmpty()
		if idx < 0 {
			return false
		}
		if b.group.Bucket.Quota() <= 0 && !b.group.Bucket.Unlimited() {
			break
		}
		pkt := b.group.Dequeue(idx)
		if pkt == nil {
			continue // another goroutine raced us; re-select
		}
		err := b.sender.Send(*pkt)
		if errors.Is(err, ErrWouldBlock) {
			return true
		}
		if err != nil {
			s.logger.Warn("scheduler: send failed", "group", b.group.Name(), "error", err)
			continue
		}
		b.group.Bucket.Consume(len(pkt.Data))
		s.bytesSent.Add(uint64(len(pkt.Data)))
		sent++
	}
	if b.group.Bucket.Unlimited() {
		b.group.SetNextSend(now)
	} else {
		b.group.SetNextSend(now.Add(b.group.Bucket.EstimateWait(packetChunkSize)))
	}
	return false
}

// packetChunkSize is the byte size next_send pacing is computed against,
// matching fec.ChunkSize (§4.6 step 2).
const packetChunkSize = 1152

func (s *SendScheduler) allEmpty() bool {
	for _, b := range s.bindings {
		if b.group.HighestNonEmpty() >= 0 {
			return false
		}
	}
	return true
}

// sleepDuration computes min(group.next_send) across groups, per §4.6
// step 2.
func (s *SendScheduler) sleepDuration() time.Duration {
	now := time.Now()
	var tNext time.Time
	for _, b := range s.bindings {
		ns := b.group.NextSend()
		if tNext.IsZero() || ns.Before(tNext) {
			tNext = ns
		}
	}
	if tNext.IsZero() || !tNext.After(now) {
		return time.Millisecond
	}
	return tNext.Sub(now)
}

// waitWritable implements §4.6 step 3: if every socket returned EAGAIN
// this round, wait for any to become writable (or a short backoff if no
// binding's Sender implements Writable).
func (s *SendScheduler) waitWritable() {
	const backoff = 5 * time.Millisecond
	for _, b := range s.bindings {
		if w, ok := b.sender.(Writable); ok {
			if w.WaitWritable(backoff) {
				return
			}
		}
	}
	time.Sleep(backoff)
}
