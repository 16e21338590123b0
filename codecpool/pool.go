// Package codecpool implements the small, fixed-capacity pool of reusable
// large-object decoder scratch state described in §4.2/§5/§9: wirehair-mode
// decoding needs a sizeable working buffer, and reusing a handful of them
// across decoders avoids repeated large allocations. The pool is a lock-
// free array of atomic pointers, matching the "small array of atomic
// pointers, lock-free exchange" design in §5.
package codecpool

import "sync/atomic"

// Scratch is the reusable resource borrowed from a Pool: a large byte
// buffer a wirehair-mode decoder uses as peeling working space.
type Scratch struct {
	Buf []byte
}

// Reset clears the scratch buffer for reuse without releasing its backing
// array.
func (s *Scratch) Reset() {
	s.Buf = s.Buf[:0]
}

// Pool is a bounded, lock-free pool of *Scratch handles. Get falls back to
// allocating a new Scratch when the pool is empty; Put silently drops the
// scratch (letting the GC reclaim it) when the pool is full.
type Pool struct {
	slots    []atomic.Pointer[Scratch]
	bufSize  int
}

// New constructs a pool with the given slot capacity; each freshly
// allocated Scratch (on a pool miss) preallocates bufSize bytes of
// backing storage.
func New(capacity, bufSize int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		slots:   make([]atomic.Pointer[Scratch], capacity),
		bufSize: bufSize,
	}
}

// Get borrows a Scratch from the pool, allocating a fresh one if every
// slot is currently occupied by nil (i.e. the pool is empty).
func (p *Pool) Get() *Scratch {
	for i := range p.slots {
		if s := p.slots[i].Swap(nil); s != nil {
			return s
		}
	}
	return &Scratch{Buf: make([]byte, 0, p.bufSize)}
}

// Put returns a Scratch to the pool. If every slot is occupied, the
// scratch is dropped rather than blocking or growing the pool.
func (p *Pool) Put(s *Scratch) {
	if s == nil {
		return
	}
	s.Reset()
	for i := range p.slots {
		if p.slots[i].CompareAndSwap(nil, s) {
			return
		}
	}
}

// Len reports how many scratch buffers are currently parked in the pool,
// for tests and introspection.
func (p *Pool) Len() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].Load() != nil {
			n++
		}
	}
	return n
}
