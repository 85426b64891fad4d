package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at rate tokens/sec up to capacity. The signaling server
// uses one per transport connection to bound raw read-loop message rates
// before any parsing happens.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity float64
	rate     float64

	tokens float64
	last   time.Time
}

func NewTokenBucket(clock Clock, capacity, rate float64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		tokens:   capacity,
		last:     clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.After(b.last) {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
