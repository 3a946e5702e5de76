package ratelimit

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore is a process-local Store backed by go-cache. Entries expire
// ttl after their last Set, by which point every event they hold is
// outside the window anyway.
type MemoryStore struct {
	c *cache.Cache
}

// NewMemoryStore returns a MemoryStore whose expired entries are swept
// every cleanup interval.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	if cleanup <= 0 {
		cleanup = DefaultWindow
	}
	return &MemoryStore{c: cache.New(cache.NoExpiration, cleanup)}
}

func (m *MemoryStore) Get(key string) ([]time.Time, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	events, ok := v.([]time.Time)
	return events, ok
}

func (m *MemoryStore) Set(key string, events []time.Time, ttl time.Duration) {
	stored := make([]time.Time, len(events))
	copy(stored, events)
	m.c.Set(key, stored, ttl)
}
