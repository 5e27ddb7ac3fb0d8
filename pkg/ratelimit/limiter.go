// Package ratelimit implements per-key sliding-window request counting.
// Exceeding a window suspends the key temporarily; it never counts toward
// the hard-failure health threshold.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks request counts per key over a sliding window.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	// timestamps of requests inside the current window, oldest first
	hits []time.Time
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow records a hit for key and reports whether it stays within the
// window. When denied, retryAfter says how long until a slot frees up.
func (l *Limiter) Allow(key string) (allowed bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}

	cutoff := now.Add(-l.window)
	trimmed := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	b.hits = trimmed

	if len(b.hits) >= l.limit {
		oldest := b.hits[0]
		return false, oldest.Add(l.window).Sub(now)
	}

	b.hits = append(b.hits, now)
	return true, 0
}

// Usage reports the current hit count for key.
func (l *Limiter) Usage(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return 0
	}
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, t := range b.hits {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Reset clears the counter for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}
