// Package ratelimit provides the token buckets used to throttle client
// WebSocket events and HTTP requests.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Bucket is a single token bucket. It is not safe for concurrent use; the
// router owns one per connection and touches it from the read goroutine only.
type Bucket struct {
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

// NewBucket returns a full bucket.
func NewBucket(rate, burst float64) *Bucket {
	return &Bucket{rate: rate, burst: burst}
}

// Take consumes one token at now. When the bucket is empty it reports false
// and how long until the next token.
func (b *Bucket) Take(now time.Time) (bool, time.Duration) {
	if b.last.IsZero() {
		b.tokens = b.burst
		b.last = now
	}
	b.tokens = math.Min(b.burst, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if b.rate <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
}

// Keyed holds one Bucket per key (client IP or user ID).
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	rate    float64
	burst   float64
	now     func() time.Time
}

// NewKeyed creates a Keyed limiter allowing rate requests per second with
// the given burst per key.
func NewKeyed(rate float64, burst int) *Keyed {
	return &Keyed{
		buckets: make(map[string]*Bucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow takes a token from key's bucket.
func (k *Keyed) Allow(key string) (bool, time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()

	b, ok := k.buckets[key]
	if !ok {
		b = NewBucket(k.rate, k.burst)
		k.buckets[key] = b
	}
	return b.Take(k.now())
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Sweep drops buckets idle for longer than maxAge and returns how many
// were removed.
func (k *Keyed) Sweep(maxAge time.Duration) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	cutoff := k.now().Add(-maxAge)
	removed := 0
	for key, b := range k.buckets {
		if b.last.Before(cutoff) {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (k *Keyed) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.Sweep(maxAge)
			}
		}
	}()
}
