package fec

import "github.com/bits-and-blooms/bitset"

// ReceivedTracker decides whether a chunk id has already been seen by a
// decoder, so duplicates can be fast-rejected (§4.3). Both Check and
// CheckAndMark must run in O(1).
type ReceivedTracker interface {
	// Check reports whether id has been marked before.
	Check(id uint32) bool
	// CheckAndMark marks id as seen and reports whether it was already
	// marked (the "was_present" return of §4.3).
	CheckAndMark(id uint32) (wasPresent bool)
	// Count returns the number of distinct ids marked so far.
	Count() int
}

// cm256Tracker is a dense 256-bit vector, sized for the small id space of
// the cm256 coding mode.
type cm256Tracker struct {
	bits  *bitset.BitSet
	count int
}

func newCm256Tracker() *cm256Tracker {
	return &cm256Tracker{bits: bitset.New(Cm256MaxChunks)}
}

func (t *cm256Tracker) Check(id uint32) bool {
	return t.bits.Test(uint(id))
}

func (t *cm256Tracker) CheckAndMark(id uint32) bool {
	if t.bits.Test(uint(id)) {
		return true
	}
	t.bits.Set(uint(id))
	t.count++
	return false
}

func (t *cm256Tracker) Count() int {
	return t.count
}

// wirehairTracker keeps a hash set over the actually-seen ids rather than a
// bitmap over the full 2^24 id space: a wirehair-mode decoder only ever
// sees O(N) distinct ids before it is decodable, so memory stays bounded
// while id space stays large (§4.3).
type wirehairTracker struct {
	seen map[uint32]struct{}
}

func newWirehairTracker(expectedN int) *wirehairTracker {
	return &wirehairTracker{seen: make(map[uint32]struct{}, expectedN)}
}

func (t *wirehairTracker) Check(id uint32) bool {
	_, ok := t.seen[id]
	return ok
}

func (t *wirehairTracker) CheckAndMark(id uint32) bool {
	if _, ok := t.seen[id]; ok {
		return true
	}
	t.seen[id] = struct{}{}
	return false
}

func (t *wirehairTracker) Count() int {
	return len(t.seen)
}

// newTracker constructs the right tracker implementation for a coding mode.
func newTracker(mode CodingMode, n int) ReceivedTracker {
	switch mode {
	case Cm256:
		return newCm256Tracker()
	default:
		return newWirehairTracker(n)
	}
}
