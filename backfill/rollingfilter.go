package backfill

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// rollingFilter tracks recently-dribbled txids so TxnDribbler does not
// retransmit a transaction it has already sent, without retaining an
// unbounded set. It mirrors a rolling Bloom filter: two generations are
// kept, and once the newer generation has absorbed half of its target
// capacity the older generation is dropped and a fresh one started, so
// the filter's false-positive rate stays bounded as insertions continue
// indefinitely (grounded on the rolling-bloom eviction scheme described
// in the original relay's transaction backfill logic).
type rollingFilter struct {
	mu       sync.Mutex
	capacity uint
	fpRate   float64

	cur   *bloom.BloomFilter
	prev  *bloom.BloomFilter
	added uint
}

// newRollingFilter builds a filter sized to hold capacity items at
// fpRate false-positive probability, matching the 500k/0.001 sizing used
// for suppressing duplicate transaction sends.
func newRollingFilter(capacity uint, fpRate float64) *rollingFilter {
	return &rollingFilter{
		capacity: capacity,
		fpRate:   fpRate,
		cur:      bloom.NewWithEstimates(capacity, fpRate),
	}
}

// Contains reports whether id was added previously (possibly a false
// positive, per the configured fpRate).
func (f *rollingFilter) Contains(id [32]byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur.Test(id[:]) {
		return true
	}
	return f.prev != nil && f.prev.Test(id[:])
}

// Add records id, rotating generations once the current one has filled
// past half its target capacity.
func (f *rollingFilter) Add(id [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur.Add(id[:])
	f.added++
	if f.added >= f.capacity/2 {
		f.prev = f.cur
		f.cur = bloom.NewWithEstimates(f.capacity, f.fpRate)
		f.added = 0
	}
}
