package kvstore

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

// PebbleBackend stores rows in PebbleDB. It is the default engine for
// production nodes: LSM writes absorb the bursty settlement and audit
// append load well.
type PebbleBackend struct {
	db    *pebble.DB
	cache *pebble.Cache
	cfg   *Config
	open  int64

	stats struct {
		reads        int64
		writes       int64
		bytesRead    int64
		bytesWritten int64
	}
}

// NewPebbleBackend creates a PebbleDB backend from configuration.
func NewPebbleBackend(cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("pebble backend requires a path")
	}
	return &PebbleBackend{cfg: cfg}, nil
}

// Name returns the engine name and location.
func (p *PebbleBackend) Name() string {
	return fmt.Sprintf("pebble(%s)", p.cfg.Path)
}

// Open opens the database, creating the directory when allowed.
func (p *PebbleBackend) Open(createIfMissing bool) error {
	if !atomic.CompareAndSwapInt64(&p.open, 0, 1) {
		return fmt.Errorf("backend already open")
	}

	if createIfMissing {
		if err := os.MkdirAll(p.cfg.Path, 0o755); err != nil {
			atomic.StoreInt64(&p.open, 0)
			return fmt.Errorf("failed to create directory %s: %w", p.cfg.Path, err)
		}
	}

	cacheBytes := int64(p.cfg.CacheSizeMB) * 1024 * 1024
	if cacheBytes <= 0 {
		cacheBytes = 64 * 1024 * 1024
	}
	p.cache = pebble.NewCache(cacheBytes)

	opts := &pebble.Options{
		Cache:        p.cache,
		MaxOpenFiles: 512,
		MemTableSize: 16 * 1024 * 1024,
		Levels: []pebble.LevelOptions{
			{FilterPolicy: bloom.FilterPolicy(10)},
		},
	}

	db, err := pebble.Open(p.cfg.Path, opts)
	if err != nil {
		p.cache.Unref()
		p.cache = nil
		atomic.StoreInt64(&p.open, 0)
		return fmt.Errorf("failed to open pebble at %s: %w", p.cfg.Path, err)
	}
	p.db = db
	return nil
}

// Close flushes and closes the database.
func (p *PebbleBackend) Close() error {
	if !atomic.CompareAndSwapInt64(&p.open, 1, 0) {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	if p.cache != nil {
		p.cache.Unref()
		p.cache = nil
	}
	return err
}

// IsOpen reports whether the database is usable.
func (p *PebbleBackend) IsOpen() bool {
	return atomic.LoadInt64(&p.open) == 1
}

// Get returns the value stored under key.
func (p *PebbleBackend) Get(key []byte) ([]byte, error) {
	if !p.IsOpen() {
		return nil, ErrBackendClosed
	}
	value, closer, err := p.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	if cerr := closer.Close(); cerr != nil {
		return nil, fmt.Errorf("pebble get close: %w", cerr)
	}
	atomic.AddInt64(&p.stats.reads, 1)
	atomic.AddInt64(&p.stats.bytesRead, int64(len(out)))
	return out, nil
}

// Put stores key/value.
func (p *PebbleBackend) Put(key, value []byte) error {
	if !p.IsOpen() {
		return ErrBackendClosed
	}
	wo := pebble.NoSync
	if p.cfg.SyncWrites {
		wo = pebble.Sync
	}
	if err := p.db.Set(key, value, wo); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	atomic.AddInt64(&p.stats.writes, 1)
	atomic.AddInt64(&p.stats.bytesWritten, int64(len(value)))
	return nil
}

// Delete removes key.
func (p *PebbleBackend) Delete(key []byte) error {
	if !p.IsOpen() {
		return ErrBackendClosed
	}
	if err := p.db.Delete(key, pebble.NoSync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// ForEach scans keys with the given prefix in ascending order.
func (p *PebbleBackend) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	if !p.IsOpen() {
		return ErrBackendClosed
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixSuccessor(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Sync flushes the memtable to stable storage.
func (p *PebbleBackend) Sync() error {
	if !p.IsOpen() {
		return ErrBackendClosed
	}
	if err := p.db.Flush(); err != nil {
		return fmt.Errorf("pebble flush: %w", err)
	}
	return nil
}

// prefixSuccessor returns the smallest key greater than every key with
// the given prefix, or nil when no such bound exists.
func prefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			succ := make([]byte, i+1)
			copy(succ, prefix[:i+1])
			succ[i]++
			return succ
		}
	}
	return nil
}
