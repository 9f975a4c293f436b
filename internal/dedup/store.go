// Package dedup is the duplicate and correlation store: it anchors
// incoming-request idempotence on the transaction fingerprint and
// resolves reversals to their originals by (RRN, STAN, terminal).
package dedup

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/linhsiu/gofepd/internal/txn"
)

var (
	// ErrOriginalNotFound indicates a reversal whose original is not in
	// the store.
	ErrOriginalNotFound = errors.New("original transaction not found")

	// ErrAlreadyReversed indicates a second reversal of the same
	// original.
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrNotReversible indicates an original whose status does not
	// admit reversal.
	ErrNotReversible = errors.New("transaction not reversible")

	// ErrReversalWindow indicates a reversal outside the allowed time
	// window.
	ErrReversalWindow = errors.New("reversal window expired")

	// ErrAmountMismatch indicates a reversal amount that differs from
	// the original.
	ErrAmountMismatch = errors.New("reversal amount does not match original")
)

// Outcome tells the pipeline what Register found.
type Outcome int

const (
	// Registered means the request is new and now tracked as pending.
	Registered Outcome = iota
	// DuplicateInProgress means the first submission has not finished;
	// the caller answers with the duplicate code.
	DuplicateInProgress
	// DuplicateReplay means the first submission finished and its
	// cached response must be replayed without a new dispatch.
	DuplicateReplay
)

func (o Outcome) String() string {
	switch o {
	case Registered:
		return "REGISTERED"
	case DuplicateInProgress:
		return "DUPLICATE_IN_PROGRESS"
	case DuplicateReplay:
		return "DUPLICATE_REPLAY"
	default:
		return "UNKNOWN"
	}
}

// Entry is one tracked transaction. Status moves PENDING → APPROVED /
// DECLINED → REVERSED under the entry lock; a timed-out dispatch stays
// PENDING because its upstream outcome is unknown, which is exactly
// what makes it reversible.
type Entry struct {
	fingerprint string
	reversalKey string
	typ         txn.Type
	amount      decimal.Decimal
	storedAt    time.Time

	mu          sync.Mutex
	status      txn.Status
	response    *txn.Response
	completedAt time.Time
	reversedAt  time.Time
}

// Status returns the current lifecycle status.
func (e *Entry) Status() txn.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Response returns the cached final response, nil while pending.
// Callers must treat it as read-only.
func (e *Entry) Response() *txn.Response {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.response
}

// Amount returns the original transaction amount.
func (e *Entry) Amount() decimal.Decimal { return e.amount }

// StoredAt returns when the entry was first registered.
func (e *Entry) StoredAt() time.Time { return e.storedAt }

// outcome reads status and response in one locked step.
func (e *Entry) outcome() (txn.Status, *txn.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.response
}

// Config sizes the store.
type Config struct {
	// Retention is the dedup window. Entries fall out of the store
	// this long after registration.
	Retention time.Duration
	// ReversalWindow bounds how long after the original a reversal is
	// accepted.
	ReversalWindow time.Duration
	// MaxEntries caps memory; oldest entries are evicted beyond it.
	// Zero means unbounded.
	MaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.ReversalWindow <= 0 {
		c.ReversalWindow = 24 * time.Hour
	}
	return c
}

// Stats is a point-in-time view of store activity.
type Stats struct {
	Size       int    `json:"size"`
	Registered uint64 `json:"registered"`
	Duplicates uint64 `json:"duplicates"`
	Replays    uint64 `json:"replays"`
	Reversals  uint64 `json:"reversals"`
}

// Store is the process-wide duplicate/correlation store. All methods
// are safe for concurrent use.
type Store struct {
	cfg Config
	log zerolog.Logger

	// regMu makes fingerprint check-and-register atomic so one
	// fingerprint can never dispatch upstream twice.
	regMu sync.Mutex
	cache *expirable.LRU[string, *Entry]

	idxMu    sync.Mutex
	byRevKey map[string]string // reversal key → fingerprint

	registered atomic.Uint64
	duplicates atomic.Uint64
	replays    atomic.Uint64
	reversals  atomic.Uint64
}

// NewStore builds a store with the given windows.
func NewStore(cfg Config, log zerolog.Logger) *Store {
	s := &Store{
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "dedup").Logger(),
		byRevKey: make(map[string]string),
	}
	s.cache = expirable.NewLRU[string, *Entry](s.cfg.MaxEntries, s.onEvict, s.cfg.Retention)
	return s
}

// onEvict keeps the reversal index consistent with the cache.
func (s *Store) onEvict(fingerprint string, e *Entry) {
	s.idxMu.Lock()
	if s.byRevKey[e.reversalKey] == fingerprint {
		delete(s.byRevKey, e.reversalKey)
	}
	s.idxMu.Unlock()
}

// Register is the dedup gate. The first submission of a fingerprint
// within the retention window registers a pending entry; a duplicate
// reports whether the first is still pending or can be replayed.
func (s *Store) Register(req *txn.Request) (*Entry, Outcome) {
	fp := req.Fingerprint()

	s.regMu.Lock()
	if existing, ok := s.cache.Get(fp); ok {
		s.regMu.Unlock()
		status, resp := existing.outcome()
		if status != txn.StatusPending && resp != nil {
			s.replays.Add(1)
			s.log.Info().Str("fingerprint", fp).Stringer("status", status).Msg("duplicate replayed from cache")
			return existing, DuplicateReplay
		}
		s.duplicates.Add(1)
		s.log.Warn().Str("fingerprint", fp).Msg("duplicate while original pending")
		return existing, DuplicateInProgress
	}
	e := &Entry{
		fingerprint: fp,
		reversalKey: req.ReversalKey(),
		typ:         req.Type,
		amount:      req.Amount,
		storedAt:    time.Now(),
		status:      txn.StatusPending,
	}
	s.cache.Add(fp, e)
	s.regMu.Unlock()

	s.idxMu.Lock()
	s.byRevKey[e.reversalKey] = fp
	s.idxMu.Unlock()

	s.registered.Add(1)
	return e, Registered
}

// Complete records the final outcome and caches the response for
// replay. A no-response outcome keeps the entry pending: the upstream
// state is unknown and the entry must stay reversible.
func (s *Store) Complete(e *Entry, resp *txn.Response) {
	if e == nil || resp == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == txn.StatusReversed {
		return
	}
	e.response = resp
	e.completedAt = time.Now()
	switch {
	case resp.Code == txn.CodeNoResponse:
		e.status = txn.StatusPending
		e.response = nil
	case resp.Code.Approved():
		e.status = txn.StatusApproved
	default:
		e.status = txn.StatusDeclined
	}
}

// FindOriginal resolves a reversal to its original entry.
func (s *Store) FindOriginal(rrn, stan, terminal string) (*Entry, bool) {
	s.idxMu.Lock()
	fp, ok := s.byRevKey[txn.ReversalKey(rrn, stan, terminal)]
	s.idxMu.Unlock()
	if !ok {
		return nil, false
	}
	return s.cache.Get(fp)
}

// Reverse atomically validates eligibility and flips the original to
// REVERSED. The single locked step is what prevents double-reversal
// races.
func (s *Store) Reverse(e *Entry, amount decimal.Decimal) error {
	if e == nil {
		return ErrOriginalNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status == txn.StatusReversed {
		return ErrAlreadyReversed
	}
	if e.status != txn.StatusPending && e.status != txn.StatusApproved {
		return ErrNotReversible
	}
	if time.Since(e.storedAt) > s.cfg.ReversalWindow {
		return ErrReversalWindow
	}
	if !e.amount.Equal(amount) {
		return ErrAmountMismatch
	}
	e.status = txn.StatusReversed
	e.reversedAt = time.Now()
	s.reversals.Add(1)
	return nil
}

// Len reports the number of live entries.
func (s *Store) Len() int { return s.cache.Len() }

// Snapshot returns store counters for the monitor feed.
func (s *Store) Snapshot() Stats {
	return Stats{
		Size:       s.cache.Len(),
		Registered: s.registered.Load(),
		Duplicates: s.duplicates.Load(),
		Replays:    s.replays.Load(),
		Reversals:  s.reversals.Load(),
	}
}
