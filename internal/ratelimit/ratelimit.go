// Package ratelimit provides fixed-window rate limiters.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a fixed-window rate limiter for a single entity, such as one
// websocket connection.
type Limiter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	rate        int
	window      time.Duration
}

// New creates a Limiter that allows rate requests per window.
func New(rate int, window time.Duration) *Limiter {
	return &Limiter{
		rate:        rate,
		window:      window,
		windowStart: time.Now(),
	}
}

// Allow reports whether one more request fits in the current window.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Sub(l.windowStart) > l.window {
		l.count = 0
		l.windowStart = now
	}
	l.count++
	return l.count <= l.rate
}

// PerKey keeps one fixed window per key, typically a client IP.
type PerKey struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	period  time.Duration
	now     func() time.Time
}

type window struct {
	count int
	start time.Time
}

func NewPerKey(rate int, period time.Duration) *PerKey {
	return &PerKey{
		windows: make(map[string]*window),
		rate:    rate,
		period:  period,
		now:     time.Now,
	}
}

// Allow counts one request for key. When the key is over its limit it
// returns false and the time until its window resets.
func (p *PerKey) Allow(key string) (bool, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	w, ok := p.windows[key]
	if !ok || now.Sub(w.start) > p.period {
		p.windows[key] = &window{count: 1, start: now}
		return true, 0
	}
	w.count++
	if w.count <= p.rate {
		return true, 0
	}
	return false, w.start.Add(p.period).Sub(now)
}

// Cleanup drops keys whose window has expired and returns how many remain.
func (p *PerKey) Cleanup() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for k, w := range p.windows {
		if now.Sub(w.start) > p.period {
			delete(p.windows, k)
		}
	}
	return len(p.windows)
}
