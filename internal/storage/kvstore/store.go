package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Key layout. Prefixes keep the four record families in disjoint,
// individually scannable ranges:
//
//	t/<id>                          transaction row
//	x/<stan>|<rrn>                  trace index -> id
//	d/<yyyymmdd>/<nanos>/<id>       completion-date index -> id
//	a/<txn-id>/<seq>                audit row
const (
	prefixTxn   = "t/"
	prefixTrace = "x/"
	prefixDate  = "d/"
	prefixAudit = "a/"
)

// Store implements storage.Repository on top of a Backend.
type Store struct {
	backend  Backend
	compress bool
	log      zerolog.Logger

	// mu serializes read-modify-write sequences (status transitions
	// and index maintenance); plain reads go straight to the backend.
	mu  sync.Mutex
	seq atomic.Uint64
}

// Open creates the configured backend and opens it.
func Open(cfg *Config, log zerolog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	backend, err := CreateBackend(cfg.Backend, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Open(true); err != nil {
		return nil, err
	}
	log.Info().
		Str("component", "kvstore").
		Str("backend", backend.Name()).
		Str("compression", cfg.Compression).
		Msg("transaction store opened")
	return &Store{
		backend:  backend,
		compress: cfg.Compression == "lz4",
		log:      log.With().Str("component", "kvstore").Logger(),
	}, nil
}

// NewStore wraps an already-open backend; tests use it with the memory
// engine.
func NewStore(backend Backend, compress bool, log zerolog.Logger) *Store {
	return &Store{
		backend:  backend,
		compress: compress,
		log:      log.With().Str("component", "kvstore").Logger(),
	}
}

// Close syncs and closes the backend.
func (s *Store) Close() error {
	if err := s.backend.Sync(); err != nil && !errors.Is(err, ErrBackendClosed) {
		s.log.Warn().Err(err).Msg("sync before close failed")
	}
	return s.backend.Close()
}

func txnKey(id string) []byte { return []byte(prefixTxn + id) }

func traceIdxKey(stan, rrn string) []byte { return []byte(prefixTrace + stan + "|" + rrn) }

func dateIdxKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", prefixDate, at.Format("20060102"), at.UnixNano(), id))
}

func auditKey(txnID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%012d", prefixAudit, txnID, seq))
}

// SaveTransaction inserts or replaces a record and maintains the trace
// and date indexes.
func (s *Store) SaveTransaction(_ context.Context, rec *storage.TransactionRecord) error {
	row, err := encodeRow(rec, s.compress)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replacing a record must not leave a stale date-index entry.
	var prev storage.TransactionRecord
	if old, gerr := s.backend.Get(txnKey(rec.ID)); gerr == nil {
		if derr := decodeRow(old, &prev); derr == nil && !prev.CompletedAt.Equal(rec.CompletedAt) {
			if derr := s.backend.Delete(dateIdxKey(prev.CompletedAt, prev.ID)); derr != nil {
				return derr
			}
		}
	}

	if err := s.backend.Put(txnKey(rec.ID), row); err != nil {
		return err
	}
	if rec.STAN != "" || rec.RRN != "" {
		if err := s.backend.Put(traceIdxKey(rec.STAN, rec.RRN), []byte(rec.ID)); err != nil {
			return err
		}
	}
	at := rec.CompletedAt
	if at.IsZero() {
		at = rec.CreatedAt
	}
	return s.backend.Put(dateIdxKey(at, rec.ID), []byte(rec.ID))
}

// FindTransaction returns the record with the given ID.
func (s *Store) FindTransaction(_ context.Context, id string) (*storage.TransactionRecord, error) {
	row, err := s.backend.Get(txnKey(id))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var rec storage.TransactionRecord
	if err := decodeRow(row, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByTrace returns the record matching a (STAN, RRN) pair.
func (s *Store) FindByTrace(ctx context.Context, stan, rrn string) (*storage.TransactionRecord, error) {
	id, err := s.backend.Get(traceIdxKey(stan, rrn))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return s.FindTransaction(ctx, string(id))
}

// UpdateStatus transitions a record between statuses atomically with
// respect to other Store callers.
func (s *Store) UpdateStatus(_ context.Context, id string, want, to txn.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.backend.Get(txnKey(id))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		return err
	}
	var rec storage.TransactionRecord
	if err := decodeRow(row, &rec); err != nil {
		return err
	}
	if rec.Status != want {
		return storage.ErrConflict
	}
	rec.Status = to
	updated, err := encodeRow(&rec, s.compress)
	if err != nil {
		return err
	}
	return s.backend.Put(txnKey(id), updated)
}

// ListByDate returns records completed on the given day in completion
// order, using the date index.
func (s *Store) ListByDate(ctx context.Context, day time.Time) ([]*storage.TransactionRecord, error) {
	prefix := []byte(prefixDate + day.Format("20060102") + "/")
	var out []*storage.TransactionRecord
	err := s.backend.ForEach(prefix, func(_, id []byte) error {
		rec, ferr := s.FindTransaction(ctx, string(id))
		if ferr != nil {
			if errors.Is(ferr, storage.ErrNotFound) {
				return nil // index ahead of a deleted row
			}
			return ferr
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// AppendAudit adds one audit line to a transaction's trail.
func (s *Store) AppendAudit(_ context.Context, rec *storage.AuditRecord) error {
	row, err := encodeRow(rec, s.compress)
	if err != nil {
		return err
	}
	return s.backend.Put(auditKey(rec.TransactionID, s.seq.Add(1)), row)
}

// AuditByTransaction returns the trail for one transaction in append
// order.
func (s *Store) AuditByTransaction(_ context.Context, transactionID string) ([]*storage.AuditRecord, error) {
	prefix := []byte(prefixAudit + transactionID + "/")
	var out []*storage.AuditRecord
	err := s.backend.ForEach(prefix, func(_, row []byte) error {
		var rec storage.AuditRecord
		if derr := decodeRow(row, &rec); derr != nil {
			return derr
		}
		out = append(out, &rec)
		return nil
	})
	return out, err
}

var _ storage.Repository = (*Store)(nil)
