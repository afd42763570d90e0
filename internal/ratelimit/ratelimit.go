// Package ratelimit implements the fixed-window budgets applied to API
// callers and to the messages read from each WebSocket.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type window struct {
	count int
	start time.Time
}

func (w *window) take(now time.Time, rate int, period time.Duration) bool {
	if now.Sub(w.start) >= period {
		w.count = 0
		w.start = now
	}
	w.count++
	return w.count <= rate
}

// Limiter budgets one connection: rate events per period.
type Limiter struct {
	mu     sync.Mutex
	w      window
	rate   int
	period time.Duration
	now    func() time.Time
}

// New creates a Limiter allowing rate events per period.
func New(rate int, period time.Duration) *Limiter {
	return &Limiter{rate: rate, period: period, now: time.Now, w: window{start: time.Now()}}
}

// Allow counts an event and reports whether it is within budget.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.take(l.now(), l.rate, l.period)
}

// Keyed keeps one window per key, typically a client IP.
type Keyed struct {
	mu      sync.Mutex
	windows map[string]*window
	rate    int
	period  time.Duration
	now     func() time.Time

	rejected atomic.Int64
}

// NewKeyed creates a limiter allowing rate events per period for each key.
func NewKeyed(rate int, period time.Duration) *Keyed {
	return &Keyed{
		windows: make(map[string]*window),
		rate:    rate,
		period:  period,
		now:     time.Now,
	}
}

// Allow counts an event for key and reports whether it is within budget.
func (k *Keyed) Allow(key string) bool {
	k.mu.Lock()
	now := k.now()
	w, ok := k.windows[key]
	if !ok {
		w = &window{start: now}
		k.windows[key] = w
	}
	allowed := w.take(now, k.rate, k.period)
	k.mu.Unlock()

	if !allowed {
		k.rejected.Inc()
	}
	return allowed
}

// Rejected is the number of events refused so far.
func (k *Keyed) Rejected() int64 { return k.rejected.Load() }

// Len is the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.windows)
}

// Prune forgets keys whose window has expired and returns how many went.
func (k *Keyed) Prune() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	n := 0
	for key, w := range k.windows {
		if now.Sub(w.start) >= k.period {
			delete(k.windows, key)
			n++
		}
	}
	return n
}

// Run prunes once per period until ctx is done.
func (k *Keyed) Run(ctx context.Context) {
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Prune()
		}
	}
}
