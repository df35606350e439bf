// Package byroute provides a concurrent keyed table for per-destination runtime state.
package byroute

import (
	"slices"
	"sync"
)

// Manager is a generic thread-safe keyed object store. Readers take a shared
// lock; creation and removal take the exclusive lock only for the map update.
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item under key, replacing any existing one.
func (m *Manager[T]) Add(key string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[key] = item
	m.mu.Unlock()
}

// Get retrieves the item stored under key.
func (m *Manager[T]) Get(key string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the item under key, calling create to build it when
// absent. create runs at most once per key while the item is stored.
func (m *Manager[T]) GetOrCreate(key string, create func() T) (_ T, created bool) {
	if v, ok := m.Get(key); ok {
		return v, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[key]; ok {
		return v, false
	}
	if m.items == nil {
		m.items = make(map[string]T)
	}
	v := create()
	m.items[key] = v
	return v, true
}

// Delete removes the item under key. It reports whether an item was removed.
func (m *Manager[T]) Delete(key string) bool {
	m.mu.Lock()
	_, ok := m.items[key]
	delete(m.items, key)
	m.mu.Unlock()
	return ok
}

// Keys returns all stored keys, sorted.
func (m *Manager[T]) Keys() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Range iterates over all items. Return false from fn to stop early.
// fn must not call back into the Manager's write methods.
func (m *Manager[T]) Range(fn func(key string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if !fn(id, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all stored items.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}
