package kvstore

import (
	"bytes"
	"sort"
	"sync"
)

// MemoryBackend keeps rows in a map. Tests and ephemeral tooling use
// it; nothing survives the process.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[string][]byte
	open bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(_ *Config) (Backend, error) {
	return &MemoryBackend{}, nil
}

// Name identifies the backend.
func (m *MemoryBackend) Name() string { return "memory" }

// Open readies the backend.
func (m *MemoryBackend) Open(bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}
	m.rows = make(map[string][]byte)
	m.open = true
	return nil
}

// Close drops all rows.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	m.open = false
	return nil
}

// IsOpen reports whether the backend is usable.
func (m *MemoryBackend) IsOpen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.open
}

// Get returns the value stored under key.
func (m *MemoryBackend) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.open {
		return nil, ErrBackendClosed
	}
	v, ok := m.rows[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores key/value.
func (m *MemoryBackend) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrBackendClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.rows[string(key)] = cp
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return ErrBackendClosed
	}
	delete(m.rows, string(key))
	return nil
}

// ForEach visits matching keys in ascending order.
func (m *MemoryBackend) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	if !m.open {
		m.mu.RUnlock()
		return ErrBackendClosed
	}
	keys := make([]string, 0, len(m.rows))
	for k := range m.rows {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		m.mu.RLock()
		v, ok := m.rows[k]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

// Sync is a no-op.
func (m *MemoryBackend) Sync() error {
	if !m.IsOpen() {
		return ErrBackendClosed
	}
	return nil
}
