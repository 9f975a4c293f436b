package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linhsiu/gofepd/internal/txn"
)

// MemoryStore is a map-backed Repository. It is safe for concurrent
// use and keeps everything until the process exits; production nodes
// use kvstore instead.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*TransactionRecord
	byTrace map[string]string // stan|rrn -> id
	audit   map[string][]*AuditRecord
	auditN  int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*TransactionRecord),
		byTrace: make(map[string]string),
		audit:   make(map[string][]*AuditRecord),
	}
}

func traceKey(stan, rrn string) string { return stan + "|" + rrn }

// SaveTransaction inserts or replaces a record by ID.
func (s *MemoryStore) SaveTransaction(_ context.Context, rec *TransactionRecord) error {
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ID] = &cp
	if cp.STAN != "" || cp.RRN != "" {
		s.byTrace[traceKey(cp.STAN, cp.RRN)] = cp.ID
	}
	return nil
}

// FindTransaction returns a copy of the record with the given ID.
func (s *MemoryStore) FindTransaction(_ context.Context, id string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// FindByTrace returns the record matching a (STAN, RRN) pair.
func (s *MemoryStore) FindByTrace(_ context.Context, stan, rrn string) (*TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byTrace[traceKey(stan, rrn)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

// UpdateStatus transitions id from want to to, failing on mismatch.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, want, to txn.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != want {
		return ErrConflict
	}
	rec.Status = to
	return nil
}

// ListByDate returns records completed on the given day, ordered by
// completion time.
func (s *MemoryStore) ListByDate(_ context.Context, day time.Time) ([]*TransactionRecord, error) {
	y, m, d := day.Date()
	s.mu.RLock()
	var out []*TransactionRecord
	for _, rec := range s.byID {
		ry, rm, rd := rec.CompletedAt.Date()
		if ry == y && rm == m && rd == d {
			cp := *rec
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

// AppendAudit adds one audit line to the trail.
func (s *MemoryStore) AppendAudit(_ context.Context, rec *AuditRecord) error {
	cp := *rec
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditN++
	s.audit[cp.TransactionID] = append(s.audit[cp.TransactionID], &cp)
	return nil
}

// AuditByTransaction returns the trail for one transaction.
func (s *MemoryStore) AuditByTransaction(_ context.Context, transactionID string) ([]*AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.audit[transactionID]
	out := make([]*AuditRecord, len(trail))
	for i, rec := range trail {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

// Len reports the number of stored transactions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

var _ Repository = (*MemoryStore)(nil)
