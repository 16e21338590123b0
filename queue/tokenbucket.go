// Package queue implements the per-group prioritized ring buffers and
// token-bucket rate limiting described in §4.5: four strict-priority SPSC
// buffers per output group, drained by a single SendScheduler consumer.
package queue

import (
	"sync"
	"time"
)

// TokenBucket is a byte-denominated rate limiter with a fill rate and a
// burst cap of 2*rate, per §4.5. A bucket may also be Unlimited, for
// groups throttled by the socket itself rather than by policy.
type TokenBucket struct {
	mu        sync.Mutex
	rate      float64 // bytes/sec
	maxQuota  float64
	tokens    float64
	unlimited bool
	lastFill  time.Time
	now       func() time.Time
}

// NewTokenBucket constructs a bucket at the given byte rate, starting
// full (maxQuota tokens available).
func NewTokenBucket(rateBytesPerSec float64) *TokenBucket {
	b := &TokenBucket{
		rate:     rateBytesPerSec,
		maxQuota: 2 * rateBytesPerSec,
		now:      time.Now,
	}
	b.tokens = b.maxQuota
	b.lastFill = b.now()
	return b
}

// NewUnlimitedTokenBucket constructs a bucket that never throttles;
// Consume always succeeds and EstimateWait always returns 0.
func NewUnlimitedTokenBucket() *TokenBucket {
	return &TokenBucket{unlimited: true, now: time.Now}
}

func (b *TokenBucket) refill() {
	if b.unlimited {
		return
	}
	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.maxQuota {
		b.tokens = b.maxQuota
	}
	b.lastFill = now
}

// Quota returns the number of bytes currently available to spend.
func (b *TokenBucket) Quota() int {
	if b.unlimited {
		return int(^uint(0) >> 1) // max int: unlimited groups never run out
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens < 0 {
		return 0
	}
	return int(b.tokens)
}

// Consume withdraws n bytes of quota, going negative if the bucket does
// not have enough (the next EstimateWait reflects the deficit).
func (b *TokenBucket) Consume(n int) {
	if b.unlimited {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	b.tokens -= float64(n)
}

// EstimateWait returns how long the caller should wait before n more
// bytes of quota will be available.
func (b *TokenBucket) EstimateWait(n int) time.Duration {
	if b.unlimited {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	deficit := float64(n) - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}

// Unlimited reports whether this bucket throttles at all.
func (b *TokenBucket) Unlimited() bool { return b.unlimited }
