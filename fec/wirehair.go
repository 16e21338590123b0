package fec

import "github.com/Blockstream/bitcoinfibre/codecpool"

// wirehairState is a Luby-Transform peeling decoder: each provided coded
// chunk is an equation (XOR of a degree-d subset of the n source chunks),
// and resolving an equation with exactly one unresolved source chunk left
// cascades through every other equation that referenced it. Decodability
// is reached once every source chunk has been resolved, which LT codes
// guarantee only on average after N + epsilon distinct equations (§4.2).
type wirehairState struct {
	n        int
	scratch  *codecpool.Scratch
	resolved [][]byte // len n; nil until resolved
	count    int
	equations []*ltEquation
	pending   map[int][]*ltEquation
}

type ltEquation struct {
	remaining map[int]struct{}
	value     []byte
}

func newWirehairState(n int, pool *codecpool.Pool) *wirehairState {
	s := &wirehairState{
		n:        n,
		resolved: make([][]byte, n),
		pending:  make(map[int][]*ltEquation),
	}
	if pool != nil {
		s.scratch = pool.Get()
		needed := n * ChunkSize
		if cap(s.scratch.Buf) < needed {
			s.scratch.Buf = make([]byte, 0, needed)
		}
	}
	return s
}

func (s *wirehairState) release(pool *codecpool.Pool) {
	if pool != nil && s.scratch != nil {
		pool.Put(s.scratch)
		s.scratch = nil
	}
}

// isReady reports whether every source chunk has been resolved.
func (s *wirehairState) isReady() bool {
	return s.count == s.n
}

// provide folds a new coded chunk into the peeling decoder, resolving
// every source chunk it newly makes solvable. A chunk
// whose equation reduces to nothing new (e.g. a fully-redundant
// combination) is accepted but causes no state change.
func (s *wirehairState) provide(id uint32, data []byte) {
	selected := ltSelect(id, s.n)
	eq := &ltEquation{
		remaining: make(map[int]struct{}, len(selected)),
		value:     append([]byte(nil), data[:ChunkSize]...),
	}
	for _, idx := range selected {
		if s.resolved[idx] != nil {
			xorInto(eq.value, s.resolved[idx])
			continue
		}
		eq.remaining[idx] = struct{}{}
	}
	s.reduceAndRegister(eq)
}

// reduceAndRegister resolves eq immediately if it has exactly one
// unresolved chunk left, cascading through dependents; otherwise it
// registers eq against each of its still-unresolved chunks.
func (s *wirehairState) reduceAndRegister(eq *ltEquation) {
	if len(eq.remaining) == 0 {
		return
	}
	if len(eq.remaining) == 1 {
		var only int
		for idx := range eq.remaining {
			only = idx
		}
		s.resolve(only, eq.value)
		return
	}
	for idx := range eq.remaining {
		s.pending[idx] = append(s.pending[idx], eq)
	}
	s.equations = append(s.equations, eq)
}

// resolve records chunk idx as known and cascades through every pending
// equation that referenced it.
func (s *wirehairState) resolve(idx int, value []byte) {
	if s.resolved[idx] != nil {
		return
	}
	s.resolved[idx] = value
	s.count++
	worklist := s.pending[idx]
	delete(s.pending, idx)
	for _, eq := range worklist {
		if _, ok := eq.remaining[idx]; !ok {
			continue
		}
		xorInto(eq.value, value)
		delete(eq.remaining, idx)
		if len(eq.remaining) == 1 {
			var only int
			for i := range eq.remaining {
				only = i
			}
			s.resolve(only, eq.value)
		}
	}
}

// chunk returns the resolved bytes of source chunk i, or nil if unresolved.
func (s *wirehairState) chunk(i int) []byte {
	if i < 0 || i >= s.n {
		return nil
	}
	return s.resolved[i]
}

func xorInto(dst, src []byte) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] ^= src[i]
	}
}
