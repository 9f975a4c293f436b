// Package kvstore persists transaction and audit records in an embedded
// key/value database. Backends register themselves through a factory so
// deployments can choose the engine by name in configuration; rows are
// msgpack-encoded and optionally LZ4-compressed.
package kvstore

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrKeyNotFound is returned by Get when the key is absent.
	ErrKeyNotFound = errors.New("kvstore: key not found")
	// ErrBackendClosed is returned when operating on a closed backend.
	ErrBackendClosed = errors.New("kvstore: backend closed")
)

// Backend is a minimal ordered key/value engine. Iteration order in
// ForEach must be ascending byte order of the keys; the store relies on
// that for date and audit indexes.
type Backend interface {
	// Name identifies the backend and its location.
	Name() string

	// Open readies the backend; createIfMissing creates the on-disk
	// directory when absent.
	Open(createIfMissing bool) error

	// Close flushes and releases the backend.
	Close() error

	// IsOpen reports whether the backend is usable.
	IsOpen() bool

	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores key/value.
	Put(key, value []byte) error

	// Delete removes key; absent keys are not an error.
	Delete(key []byte) error

	// ForEach visits every key with the given prefix in ascending key
	// order. Returning an error from fn stops the scan.
	ForEach(prefix []byte, fn func(key, value []byte) error) error

	// Sync forces buffered writes to stable storage.
	Sync() error
}

// Config selects and tunes a backend.
type Config struct {
	// Backend names the engine: "pebble", "leveldb" or "memory".
	Backend string
	// Path is the on-disk directory for persistent engines.
	Path string
	// CacheSizeMB sizes the block cache.
	CacheSizeMB int
	// Compression selects row compression: "lz4" or "none".
	Compression string
	// SyncWrites forces an fsync per write when true.
	SyncWrites bool
}

// DefaultConfig returns the settings production nodes start from.
func DefaultConfig() *Config {
	return &Config{
		Backend:     "pebble",
		Path:        "data/txstore",
		CacheSizeMB: 64,
		Compression: "lz4",
		SyncWrites:  false,
	}
}

// BackendFactory builds a backend instance from configuration.
type BackendFactory func(cfg *Config) (Backend, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend factory under the given name.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

// CreateBackend creates a backend instance for the given name.
func CreateBackend(name string, cfg *Config) (Backend, error) {
	backendMu.RLock()
	factory, ok := backendFactories[name]
	backendMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown backend: %s", name)
	}

	return factory(cfg)
}

// AvailableBackends returns the registered backend names.
func AvailableBackends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()

	names := make([]string, 0, len(backendFactories))
	for name := range backendFactories {
		names = append(names, name)
	}
	return names
}

func init() {
	RegisterBackend("pebble", func(cfg *Config) (Backend, error) {
		return NewPebbleBackend(cfg)
	})
	RegisterBackend("leveldb", func(cfg *Config) (Backend, error) {
		return NewLevelDBBackend(cfg)
	})
	RegisterBackend("memory", func(cfg *Config) (Backend, error) {
		return NewMemoryBackend(cfg)
	})
}
