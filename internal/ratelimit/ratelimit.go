package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket refills at rate tokens per second up to capacity.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:   float64(capacity),
		capacity: float64(capacity),
		rate:     rate,
		last:     time.Now(),
		now:      time.Now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	if elapsed := now.Sub(tb.last); elapsed > 0 {
		tb.tokens += elapsed.Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.last = now
	}
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Limiter admits data streams per portal tag. Tags without a bucket are
// never limited.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*TokenBucket)}
}

// Set installs a bucket for tag; rate <= 0 removes any limit.
func (l *Limiter) Set(tag string, rate float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate <= 0 {
		delete(l.buckets, tag)
		return
	}
	if burst < 1 {
		burst = int(rate)
	}
	l.buckets[tag] = NewTokenBucket(rate, burst)
}

// Allow reports whether one more stream for tag may be admitted now.
func (l *Limiter) Allow(tag string) bool {
	l.mu.RLock()
	b := l.buckets[tag]
	l.mu.RUnlock()
	if b == nil {
		return true
	}
	return b.Allow()
}
