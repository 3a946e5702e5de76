// Package ratelimit implements a per-key sliding-window admission limiter.
//
// Event history lives behind Store so the in-process default can be
// swapped for a shared external store. Every key is pruned lazily when it
// is checked; other keys are never touched.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the width of the sliding window.
	DefaultWindow = time.Hour
	// DefaultCapacity is the number of events admitted per window.
	DefaultCapacity = 5
)

// Store holds the recorded event times for each key.
// Get returns the stored events in the order they were set; Set replaces
// them and keeps the key alive for at least ttl.
type Store interface {
	Get(key string) ([]time.Time, bool)
	Set(key string, events []time.Time, ttl time.Duration)
}

// Limiter admits at most Capacity events per key within any rolling Window.
// Slots held by outstanding reservations count against the capacity.
type Limiter struct {
	mu       sync.Mutex
	store    Store
	window   time.Duration
	capacity int
	pending  map[string]int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// New returns a Limiter backed by s. A nil s gets a fresh MemoryStore.
func New(s Store, opts ...Option) *Limiter {
	l := &Limiter{
		window:   DefaultWindow,
		capacity: DefaultCapacity,
		pending:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	if s == nil {
		s = NewMemoryStore(l.window)
	}
	l.store = s
	return l
}

// Window returns the configured window width.
func (l *Limiter) Window() time.Duration { return l.window }

// Capacity returns the configured number of events per window.
func (l *Limiter) Capacity() int { return l.capacity }

// Admit reports whether key may perform another event at now. It prunes
// the key's history but never records or reserves.
func (l *Limiter) Admit(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.used(key, now) < l.capacity
}

// Reserve holds one slot for key at now if one is free. The caller must
// then call done: done(true) records the event at now, done(false) gives
// the slot back. Calls after the first are no-ops.
func (l *Limiter) Reserve(key string, now time.Time) (done func(commit bool), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used(key, now) >= l.capacity {
		return func(bool) {}, false
	}
	l.pending[key]++

	var finished bool
	return func(commit bool) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if finished {
			return
		}
		finished = true

		if l.pending[key]--; l.pending[key] <= 0 {
			delete(l.pending, key)
		}
		if commit {
			l.record(key, now)
		}
	}, true
}

// Record appends an event for key at now, bypassing reservations.
func (l *Limiter) Record(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.record(key, now)
}

// Remaining returns how many more events key may perform at now.
func (l *Limiter) Remaining(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.capacity - l.used(key, now)
	if n < 0 {
		return 0
	}
	return n
}

// used counts live events plus outstanding reservations. Caller must hold l.mu.
func (l *Limiter) used(key string, now time.Time) int {
	return len(l.prune(key, now)) + l.pending[key]
}

// record appends now to key's history. Caller must hold l.mu.
func (l *Limiter) record(key string, now time.Time) {
	events := append(l.prune(key, now), now)
	l.store.Set(key, events, l.window)
}

// prune drops every event at or before now-window and writes the result
// back. Arrival order is irrelevant: each event is judged on its own
// timestamp. Caller must hold l.mu.
func (l *Limiter) prune(key string, now time.Time) []time.Time {
	events, ok := l.store.Get(key)
	if !ok {
		return nil
	}

	cutoff := now.Add(-l.window)
	kept := make([]time.Time, 0, len(events))
	for _, t := range events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) != len(events) {
		l.store.Set(key, kept, l.window)
	}
	return kept
}
