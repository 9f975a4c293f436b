package config

import (
	"fmt"
	"time"

	"github.com/linhsiu/gofepd/internal/dedup"
	"github.com/linhsiu/gofepd/internal/storage/kvstore"
	"github.com/linhsiu/gofepd/internal/storage/settledb"
)

// StorageConfig represents the [storage] section: the key/value store
// holding the transaction journal.
type StorageConfig struct {
	// Backend names the engine: "pebble", "leveldb" or "memory".
	Backend string `toml:"backend" mapstructure:"backend"`

	// Path is the on-disk directory for persistent engines.
	Path string `toml:"path" mapstructure:"path"`

	// CacheSizeMB sizes the block cache.
	CacheSizeMB int `toml:"cache_size_mb" mapstructure:"cache_size_mb"`

	// Compression selects row compression: "lz4" or "none".
	Compression string `toml:"compression" mapstructure:"compression"`

	// SyncWrites forces an fsync per write when true.
	SyncWrites bool `toml:"sync_writes" mapstructure:"sync_writes"`
}

// ToKVStore converts the section into the typed backend configuration.
func (c StorageConfig) ToKVStore() *kvstore.Config {
	return &kvstore.Config{
		Backend:     c.Backend,
		Path:        c.Path,
		CacheSizeMB: c.CacheSizeMB,
		Compression: c.Compression,
		SyncWrites:  c.SyncWrites,
	}
}

// Validate checks the transaction store settings.
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case "pebble", "leveldb", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q (supported: pebble, leveldb, memory)", c.Backend)
	}
	if c.Backend != "memory" && c.Path == "" {
		return fmt.Errorf("storage path required for backend %q", c.Backend)
	}
	switch c.Compression {
	case "", "lz4", "none":
	default:
		return fmt.Errorf("unknown compression %q (supported: lz4, none)", c.Compression)
	}
	if c.CacheSizeMB < 0 {
		return fmt.Errorf("cache_size_mb cannot be negative: %d", c.CacheSizeMB)
	}
	return nil
}

// SettlementConfig represents the [settlement] section: the relational
// database for reconciliation rows and clearing positions, plus the
// institution the gateway nets for.
type SettlementConfig struct {
	// DB names the driver: "sqlite" or "postgres".
	DB string `toml:"db" mapstructure:"db"`

	// DSN is the driver-specific data source name.
	DSN string `toml:"dsn" mapstructure:"dsn"`

	// OurBank is this institution's code, the perspective all clearing
	// positions are computed from. Settlement stays off until it is set.
	OurBank string `toml:"our_bank" mapstructure:"our_bank"`

	MaxOpenConns int `toml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns int `toml:"max_idle_conns" mapstructure:"max_idle_conns"`
}

// Enabled reports whether the settlement subsystem should start.
func (c SettlementConfig) Enabled() bool {
	return c.OurBank != "" && c.DSN != ""
}

// ToSettleDB converts the section into the typed store configuration.
func (c SettlementConfig) ToSettleDB() settledb.Config {
	return settledb.Config{
		Driver:       c.DB,
		DSN:          c.DSN,
		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
	}
}

// Validate checks the settlement settings.
func (c SettlementConfig) Validate() error {
	switch c.DB {
	case "", settledb.DriverSQLite, settledb.DriverPostgres:
	default:
		return fmt.Errorf("unknown settlement db %q (supported: sqlite, postgres)", c.DB)
	}
	if c.OurBank != "" {
		for _, d := range c.OurBank {
			if d < '0' || d > '9' {
				return fmt.Errorf("our_bank must be numeric: %q", c.OurBank)
			}
		}
		if c.DSN == "" {
			return fmt.Errorf("settlement dsn required when our_bank is set")
		}
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("connection pool sizes cannot be negative")
	}
	return nil
}

// DedupConfig represents the [dedup] section: the duplicate and
// correlation store windows.
type DedupConfig struct {
	// RetentionWindow is how long a fingerprint blocks resubmission.
	RetentionWindow time.Duration `toml:"retention_window" mapstructure:"retention_window"`

	// ReversalWindow bounds how long after the original a reversal is
	// accepted.
	ReversalWindow time.Duration `toml:"reversal_window" mapstructure:"reversal_window"`

	// MaxEntries caps store memory. Zero means unbounded.
	MaxEntries int `toml:"max_entries" mapstructure:"max_entries"`
}

// ToStore converts the section into the typed store configuration.
func (c DedupConfig) ToStore() dedup.Config {
	return dedup.Config{
		Retention:      c.RetentionWindow,
		ReversalWindow: c.ReversalWindow,
		MaxEntries:     c.MaxEntries,
	}
}

// Validate checks the dedup windows.
func (c DedupConfig) Validate() error {
	if c.RetentionWindow < 0 || c.ReversalWindow < 0 {
		return fmt.Errorf("dedup windows cannot be negative")
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries cannot be negative: %d", c.MaxEntries)
	}
	return nil
}
