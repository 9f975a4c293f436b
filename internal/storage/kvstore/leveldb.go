package kvstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBBackend stores rows in goleveldb. It trades some write
// throughput against Pebble for a smaller footprint; useful on branch
// gateways with little memory.
type LevelDBBackend struct {
	db   *leveldb.DB
	cfg  *Config
	open int64
}

// NewLevelDBBackend creates a LevelDB backend from configuration.
func NewLevelDBBackend(cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("leveldb backend requires a path")
	}
	return &LevelDBBackend{cfg: cfg}, nil
}

// Name returns the engine name and location.
func (l *LevelDBBackend) Name() string {
	return fmt.Sprintf("leveldb(%s)", l.cfg.Path)
}

// Open opens the database, creating it when allowed.
func (l *LevelDBBackend) Open(createIfMissing bool) error {
	if !atomic.CompareAndSwapInt64(&l.open, 0, 1) {
		return fmt.Errorf("backend already open")
	}

	cacheMB := l.cfg.CacheSizeMB
	if cacheMB <= 0 {
		cacheMB = 16
	}
	options := &opt.Options{
		ErrorIfMissing:         !createIfMissing,
		BlockCacheCapacity:     cacheMB * opt.MiB,
		WriteBuffer:            8 * opt.MiB,
		CompactionTableSize:    4 * opt.MiB,
		OpenFilesCacheCapacity: 256,
	}

	db, err := leveldb.OpenFile(l.cfg.Path, options)
	if err != nil {
		atomic.StoreInt64(&l.open, 0)
		return fmt.Errorf("failed to open leveldb at %s: %w", l.cfg.Path, err)
	}
	l.db = db
	return nil
}

// Close closes the database.
func (l *LevelDBBackend) Close() error {
	if !atomic.CompareAndSwapInt64(&l.open, 1, 0) {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

// IsOpen reports whether the database is usable.
func (l *LevelDBBackend) IsOpen() bool {
	return atomic.LoadInt64(&l.open) == 1
}

// Get returns the value stored under key.
func (l *LevelDBBackend) Get(key []byte) ([]byte, error) {
	if !l.IsOpen() {
		return nil, ErrBackendClosed
	}
	value, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("leveldb get: %w", err)
	}
	return value, nil
}

// Put stores key/value.
func (l *LevelDBBackend) Put(key, value []byte) error {
	if !l.IsOpen() {
		return ErrBackendClosed
	}
	wo := &opt.WriteOptions{Sync: l.cfg.SyncWrites}
	if err := l.db.Put(key, value, wo); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Delete removes key.
func (l *LevelDBBackend) Delete(key []byte) error {
	if !l.IsOpen() {
		return ErrBackendClosed
	}
	if err := l.db.Delete(key, nil); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

// ForEach scans keys with the given prefix in ascending order.
func (l *LevelDBBackend) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	if !l.IsOpen() {
		return ErrBackendClosed
	}
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		if err := fn(k, v); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("leveldb iterate: %w", err)
	}
	return nil
}

// Sync is a no-op; goleveldb syncs per write when configured.
func (l *LevelDBBackend) Sync() error {
	if !l.IsOpen() {
		return ErrBackendClosed
	}
	return nil
}
