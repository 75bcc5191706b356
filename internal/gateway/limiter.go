package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/marksync/internal/schedule"
)

// TokenBucket is a continuously refilling rate limiter.
//
// Refill is computed lazily at consume time from the elapsed wall time, not
// in discrete ticks, so no background timer is needed. Tokens are bounded to
// [0, capacity]. The bucket tolerates ordinary typing bursts (tens of events
// per second) while bounding floods to the refill rate.
type TokenBucket struct {
	mu          sync.Mutex
	tokens      float64
	capacity    float64
	refillPerMs float64
	lastRefill  time.Time
	clock       schedule.Clock

	rejections atomic.Uint64
}

// TokenBucketOption configures a TokenBucket.
type TokenBucketOption func(*TokenBucket)

// WithBucketClock sets the clock used for refill accounting.
func WithBucketClock(c schedule.Clock) TokenBucketOption {
	return func(b *TokenBucket) {
		if c != nil {
			b.clock = c
		}
	}
}

// NewTokenBucket creates a bucket starting at full capacity.
// ratePerSecond is the continuous refill rate in tokens per second.
func NewTokenBucket(capacity, ratePerSecond float64, opts ...TokenBucketOption) *TokenBucket {
	b := &TokenBucket{
		tokens:      capacity,
		capacity:    capacity,
		refillPerMs: ratePerSecond / 1000.0,
		clock:       schedule.SystemClock(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastRefill = b.clock.Now()
	return b
}

// TryConsume deducts one token if at least one is available.
// On failure it increments the rejection counter and leaves state untouched
// apart from the refill.
func (b *TokenBucket) TryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens < 1 {
		b.rejections.Add(1)
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count after refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Rejections returns the number of failed consume attempts.
func (b *TokenBucket) Rejections() uint64 {
	return b.rejections.Load()
}

// Reset restores the bucket to full capacity and clears the rejection count.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.capacity
	b.lastRefill = b.clock.Now()
	b.rejections.Store(0)
}

// refillLocked adds elapsed-ms * rate tokens, clamped to capacity.
func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsedMs := float64(now.Sub(b.lastRefill)) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return
	}
	b.tokens += elapsedMs * b.refillPerMs
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}
