// Package ratelimit bounds how often one source may open sessions.
package ratelimit

import (
	"sync"
	"time"

	"grimm.is/nftsync/internal/clock"
)

// Limiter is a fixed-window counter per key. The zero limit allows
// everything.
type Limiter struct {
	limit    int
	interval time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   int
	lastFill time.Time
}

// New creates a limiter allowing limit events per key in each interval.
func New(limit int, interval time.Duration, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real
	}
	return &Limiter{
		limit:    limit,
		interval: interval,
		clock:    clk,
		buckets:  make(map[string]*bucket),
	}
}

// Allow takes one token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.lastFill) >= l.interval {
		b = &bucket{tokens: l.limit, lastFill: now}
		l.buckets[key] = b
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Prune drops windows that have expired, so idle sources do not accumulate.
func (l *Limiter) Prune() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, b := range l.buckets {
		if now.Sub(b.lastFill) >= l.interval {
			delete(l.buckets, key)
		}
	}
}
