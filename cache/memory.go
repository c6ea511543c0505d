package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

// Memory is an in-process QueryCache.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[string]memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns a live entry. Expired entries are dropped on read.
func (m *Memory) Get(ctx context.Context, queryType, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byKey := m.entries[queryType]
	e, ok := byKey[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(byKey, key)
		return Entry{}, false, nil
	}
	return e.Entry, true, nil
}

// Set stores data for ttl. A non-positive TTL stores nothing.
func (m *Memory) Set(ctx context.Context, queryType, key string, data any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.entries[queryType] == nil {
		m.entries[queryType] = make(map[string]memoryEntry)
	}
	m.entries[queryType][key] = memoryEntry{
		Entry:     Entry{Data: data, StoredAt: now},
		expiresAt: now.Add(ttl),
	}
	return nil
}

// Invalidate drops a query type, or everything
func (m *Memory) Invalidate(ctx context.Context, queryType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if queryType == "" {
		m.entries = make(map[string]map[string]memoryEntry)
		return nil
	}
	delete(m.entries, queryType)
	return nil
}

// Sweep removes expired entries and returns how many were dropped
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for queryType, byKey := range m.entries {
		for key, e := range byKey {
			if !now.Before(e.expiresAt) {
				delete(byKey, key)
				removed++
			}
		}
		if len(byKey) == 0 {
			delete(m.entries, queryType)
		}
	}
	return removed
}
