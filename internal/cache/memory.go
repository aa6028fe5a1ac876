package cache

import "sync"

// MemoryStore holds the in-process tier. Implementations must be safe for
// concurrent use. A bounded policy can be provided through WithMemoryStore.
type MemoryStore interface {
	Get(key string) (Entry, bool)
	Put(entry Entry)
	Delete(key string)
	Clear()
	Len() int
}

// MemoryTier is an unbounded map guarded by a RWMutex. Entries leave only on
// expired access or clear.
type MemoryTier struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryTier creates an empty MemoryTier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{entries: make(map[string]Entry)}
}

// Get returns the entry stored under key.
func (m *MemoryTier) Get(key string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

// Put stores entry, replacing any previous value.
func (m *MemoryTier) Put(entry Entry) {
	m.mu.Lock()
	m.entries[entry.Key] = entry
	m.mu.Unlock()
}

// Delete removes key. Missing keys are ignored.
func (m *MemoryTier) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Clear drops every entry.
func (m *MemoryTier) Clear() {
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (m *MemoryTier) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
