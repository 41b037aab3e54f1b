package cache

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// MEMORY TIER - In-process map with per-entry expiry
// =============================================================================

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// Memory is the default in-process fast tier. Expired items are dropped
// lazily on Get and in bulk by Sweep (called from the janitor).
type Memory struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

var _ FastTier = (*Memory)(nil)

// SetClock overrides the time source. Tests only.
func (m *Memory) SetClock(now func() time.Time) { m.now = now }

func (m *Memory) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if !it.expiresAt.After(m.now()) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return it.entry, true, nil
}

func (m *Memory) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // already expired, nothing worth caching
	}
	m.mu.Lock()
	m.items[key] = memoryItem{entry: e, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes all expired items and returns how many were dropped.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, it := range m.items {
		if !it.expiresAt.After(now) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len reports the current item count.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
