package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Repository in process memory. Nothing survives a
// restart; it backs the controller and API tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	updatedAt time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the value for key and whether it was present.
func (m *MemoryStore) Get(_ context.Context, namespace, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[namespace][key]
	return entry.value, ok, nil
}

// Put creates or overwrites the value for key.
func (m *MemoryStore) Put(_ context.Context, namespace, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[namespace]; !ok {
		m.entries[namespace] = make(map[string]memoryEntry)
	}
	m.entries[namespace][key] = memoryEntry{value: value, updatedAt: m.now()}
	return nil
}

// Delete removes the given keys.
func (m *MemoryStore) Delete(_ context.Context, namespace string, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.entries[namespace]
	if !ok {
		return nil
	}
	for _, key := range keys {
		delete(ns, key)
	}
	if len(ns) == 0 {
		delete(m.entries, namespace)
	}
	return nil
}

// CleanupStale removes namespaces with no writes within ttl.
func (m *MemoryStore) CleanupStale(_ context.Context, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := m.now().Add(-ttl)
	var removed int64
	for namespace, ns := range m.entries {
		stale := true
		for _, entry := range ns {
			if !entry.updatedAt.Before(threshold) {
				stale = false
				break
			}
		}
		if stale {
			removed += int64(len(ns))
			delete(m.entries, namespace)
		}
	}
	return removed, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
