// Package settledb persists settlement reconciliation rows and
// clearing positions in a relational database. SQLite (pure Go
// driver) is the default; PostgreSQL serves multi-instance
// deployments. The schema sticks to TEXT/BIGINT/INTEGER/BOOLEAN so
// one statement set serves both drivers; amounts are stored as exact
// decimal strings, never floats.
package settledb

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver, cgo-free
)

// Supported Config.Driver values.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config carries connection settings for the settlement database.
type Config struct {
	Driver string
	// DSN is the driver-specific data source name: a file path (or
	// :memory:) for sqlite, a postgres:// URL or key=value string for
	// postgres.
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DefaultTimeout  time.Duration
}

// DefaultConfig returns a local sqlite setup.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "data/settlement.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		DefaultTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 2
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	return c
}

// Validate rejects configurations no driver can open.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, DriverPostgres, "":
	default:
		return fmt.Errorf("settledb: unsupported driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fmt.Errorf("settledb: empty dsn")
	}
	return nil
}

// Store is the settlement database handle. Open before use; all
// methods are safe for concurrent use afterwards.
type Store struct {
	cfg Config
	db  *sql.DB
	log zerolog.Logger
}

// New builds an unopened store.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		cfg: cfg.withDefaults(),
		log: log.With().Str("component", "settledb").Logger(),
	}, nil
}

// Open connects, verifies the connection, and creates the schema.
func (s *Store) Open(ctx context.Context) error {
	db, err := sql.Open(s.driverName(), s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("settledb: open: %w", err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DefaultTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("settledb: ping: %w", err)
	}

	s.db = db
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("settledb: schema: %w", err)
	}
	s.log.Info().Str("driver", s.cfg.Driver).Msg("settlement database opened")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("settledb: not open")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) driverName() string {
	if s.cfg.Driver == DriverPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (s *Store) initSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settlement_records (
			file_id         TEXT NOT NULL,
			settlement_date TEXT NOT NULL,
			tx_ref          TEXT NOT NULL,
			stan            TEXT NOT NULL,
			rrn             TEXT NOT NULL,
			tx_type         TEXT NOT NULL,
			acquiring_bank  TEXT NOT NULL,
			issuing_bank    TEXT NOT NULL,
			masked_pan      TEXT NOT NULL,
			amount          TEXT NOT NULL,
			currency        TEXT NOT NULL,
			fee             TEXT NOT NULL,
			terminal_id     TEXT NOT NULL,
			merchant_id     TEXT NOT NULL,
			auth_code       TEXT NOT NULL,
			response_code   TEXT NOT NULL,
			reversal        BOOLEAN NOT NULL,
			original_ref    TEXT NOT NULL,
			channel         TEXT NOT NULL,
			match_status    TEXT NOT NULL,
			created_at      BIGINT NOT NULL,
			PRIMARY KEY (file_id, stan, rrn)
		)`,

		`CREATE TABLE IF NOT EXISTS clearing_records (
			id              TEXT PRIMARY KEY,
			settlement_date TEXT NOT NULL,
			our_bank        TEXT NOT NULL,
			counterparty    TEXT NOT NULL,
			debit_amount    TEXT NOT NULL,
			debit_count     INTEGER NOT NULL,
			credit_amount   TEXT NOT NULL,
			credit_count    INTEGER NOT NULL,
			net_amount      TEXT NOT NULL,
			status          TEXT NOT NULL,
			confirmed_by    TEXT NOT NULL DEFAULT '',
			confirmed_at    BIGINT NOT NULL DEFAULT 0,
			created_at      BIGINT NOT NULL,
			updated_at      BIGINT NOT NULL,
			UNIQUE (settlement_date, our_bank, counterparty)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_settlement_date_status
			ON settlement_records(settlement_date, match_status)`,
		`CREATE INDEX IF NOT EXISTS idx_clearing_date
			ON clearing_records(settlement_date)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to the $n form postgres expects.
// SQLite takes ? as written.
func (s *Store) rebind(q string) string {
	if s.cfg.Driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
