// Package ratelimit throttles new client connections with token buckets.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	t := now()
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow checks if a request can be allowed and consumes a token if available
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.lastUsed = now
	tokensToAdd := int(now.Sub(tb.lastRefill).Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens = min(tb.tokens+tokensToAdd, tb.capacity)
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}
	return false
}

// refund returns a token taken by Allow.
func (tb *TokenBucket) refund() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.tokens = min(tb.tokens+1, tb.capacity)
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter applies a global connection rate and a per-source connection rate.
// A zero rate disables that check.
type Limiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perSource map[string]*TokenBucket
	rate      int
	burst     int
	now       func() time.Time
}

// New creates a limiter admitting globalRate connections per second overall
// and perSourceRate per second from one source address, each with the given
// burst.
func New(globalRate, perSourceRate, burst int) *Limiter {
	return newLimiter(globalRate, perSourceRate, burst, time.Now)
}

func newLimiter(globalRate, perSourceRate, burst int, now func() time.Time) *Limiter {
	l := &Limiter{
		perSource: make(map[string]*TokenBucket),
		rate:      perSourceRate,
		burst:     burst,
		now:       now,
	}
	if globalRate > 0 {
		l.global = newTokenBucket(globalRate, burst, now)
	}
	return l
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool { return l != nil && (l.global != nil || l.rate > 0) }

// Allow reports whether a new connection from source may proceed. A source
// over its own limit does not use up the global budget.
func (l *Limiter) Allow(source string) bool {
	if !l.Enabled() {
		return true
	}
	var bucket *TokenBucket
	if l.rate > 0 {
		l.mu.Lock()
		var ok bool
		if bucket, ok = l.perSource[source]; !ok {
			bucket = newTokenBucket(l.rate, l.burst, l.now)
			l.perSource[source] = bucket
		}
		l.mu.Unlock()
		if !bucket.Allow() {
			return false
		}
	}
	if l.global != nil && !l.global.Allow() {
		if bucket != nil {
			bucket.refund()
		}
		return false
	}
	return true
}

// Sweep forgets sources that have not connected for idle and returns how many
// were dropped.
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	dropped := 0
	for source, bucket := range l.perSource {
		if bucket.idleSince().Before(cutoff) {
			delete(l.perSource, source)
			dropped++
		}
	}
	return dropped
}

// Sources returns the number of tracked sources.
func (l *Limiter) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perSource)
}
