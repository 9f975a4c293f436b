// Package storage defines the persistence contracts for processed
// transactions and audit trails, plus an in-memory implementation used
// by tests and single-node deployments. Durable backends live in the
// kvstore subpackage.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linhsiu/gofepd/internal/security/pan"
	"github.com/linhsiu/gofepd/internal/txn"
)

var (
	// ErrNotFound is returned when no record matches the query.
	ErrNotFound = errors.New("storage: record not found")
	// ErrConflict is returned when a compare-and-set update loses.
	ErrConflict = errors.New("storage: status conflict")
)

// TransactionRecord is the persisted view of one processed transaction.
// PANs are stored masked plus hashed; clear PANs never reach storage.
type TransactionRecord struct {
	ID              string          `json:"id" codec:"id"`
	Type            txn.Type        `json:"type" codec:"type"`
	Channel         txn.Channel     `json:"channel" codec:"channel"`
	MaskedPAN       string          `json:"masked_pan" codec:"masked_pan"`
	PANHash         string          `json:"pan_hash" codec:"pan_hash"`
	Amount          decimal.Decimal `json:"amount" codec:"amount"`
	Currency        string          `json:"currency" codec:"currency"`
	STAN            string          `json:"stan" codec:"stan"`
	RRN             string          `json:"rrn" codec:"rrn"`
	TerminalID      string          `json:"terminal_id" codec:"terminal_id"`
	MerchantID      string          `json:"merchant_id,omitempty" codec:"merchant_id"`
	AcquiringBank   string          `json:"acquiring_bank" codec:"acquiring_bank"`
	IssuingBank     string          `json:"issuing_bank,omitempty" codec:"issuing_bank"`
	DestinationBank string          `json:"destination_bank,omitempty" codec:"destination_bank"`
	Destination     string          `json:"destination,omitempty" codec:"destination"`
	ResponseCode    string          `json:"response_code" codec:"response_code"`
	AuthCode        string          `json:"auth_code,omitempty" codec:"auth_code"`
	Status          txn.Status      `json:"status" codec:"status"`
	OriginalID      string          `json:"original_id,omitempty" codec:"original_id"`
	CreatedAt       time.Time       `json:"created_at" codec:"created_at"`
	CompletedAt     time.Time       `json:"completed_at" codec:"completed_at"`
	ElapsedMs       int64           `json:"elapsed_ms" codec:"elapsed_ms"`
}

// NewTransactionRecord builds a record from a request and its final
// response. The caller masks nothing; masking happens here so that no
// code path can persist a clear PAN by accident.
func NewTransactionRecord(req *txn.Request, resp *txn.Response) *TransactionRecord {
	rec := &TransactionRecord{
		ID:              req.ID.String(),
		Type:            req.Type,
		Channel:         req.Channel,
		Amount:          req.Amount,
		Currency:        req.Currency,
		STAN:            req.STAN,
		RRN:             req.RRN,
		TerminalID:      req.TerminalID,
		MerchantID:      req.MerchantID,
		AcquiringBank:   req.AcquiringBank,
		IssuingBank:     req.IssuingBank,
		DestinationBank: req.DestinationBank,
		CreatedAt:       req.ReceivedAt,
		Status:          txn.StatusPending,
	}
	if req.PAN != "" {
		rec.MaskedPAN = pan.Mask(req.PAN)
		rec.PANHash = pan.Hash(req.PAN)
	}
	if resp != nil {
		rec.ResponseCode = string(resp.Code)
		rec.AuthCode = resp.AuthCode
		rec.CompletedAt = resp.RespondedAt
		rec.ElapsedMs = resp.Elapsed.Milliseconds()
		if resp.Approved {
			rec.Status = txn.StatusApproved
		} else {
			rec.Status = txn.StatusDeclined
		}
	}
	return rec
}

// TransactionRepository persists processed transactions and answers the
// lookups the reversal and settlement paths need.
type TransactionRepository interface {
	// SaveTransaction inserts or replaces a record by ID.
	SaveTransaction(ctx context.Context, rec *TransactionRecord) error

	// FindTransaction returns the record with the given ID.
	FindTransaction(ctx context.Context, id string) (*TransactionRecord, error)

	// FindByTrace returns the record matching a (STAN, RRN) pair, the
	// key settlement files and reversal requests carry.
	FindByTrace(ctx context.Context, stan, rrn string) (*TransactionRecord, error)

	// UpdateStatus transitions a record from one status to another.
	// It returns ErrConflict when the stored status differs from want.
	UpdateStatus(ctx context.Context, id string, want, to txn.Status) error

	// ListByDate returns all records completed on the given calendar
	// day (local time), ordered by completion time.
	ListByDate(ctx context.Context, day time.Time) ([]*TransactionRecord, error)
}

// AuditRecord is one immutable audit-trail line.
type AuditRecord struct {
	ID            string        `json:"id" codec:"id"`
	At            time.Time     `json:"at" codec:"at"`
	Event         string        `json:"event" codec:"event"`
	TransactionID string        `json:"transaction_id,omitempty" codec:"transaction_id"`
	Type          txn.Type      `json:"type,omitempty" codec:"type"`
	Channel       txn.Channel   `json:"channel,omitempty" codec:"channel"`
	MaskedPAN     string        `json:"masked_pan,omitempty" codec:"masked_pan"`
	STAN          string        `json:"stan,omitempty" codec:"stan"`
	RRN           string        `json:"rrn,omitempty" codec:"rrn"`
	TerminalID    string        `json:"terminal_id,omitempty" codec:"terminal_id"`
	Amount        string        `json:"amount,omitempty" codec:"amount"`
	ResponseCode  string        `json:"response_code,omitempty" codec:"response_code"`
	Approved      bool          `json:"approved,omitempty" codec:"approved"`
	Error         string        `json:"error,omitempty" codec:"error"`
	ErrorCategory string        `json:"error_category,omitempty" codec:"error_category"`
	Elapsed       time.Duration `json:"elapsed,omitempty" codec:"elapsed"`
}

// AuditRepository appends audit lines. Implementations must never
// mutate or delete records once written.
type AuditRepository interface {
	AppendAudit(ctx context.Context, rec *AuditRecord) error

	// AuditByTransaction returns the trail for one transaction in
	// append order.
	AuditByTransaction(ctx context.Context, transactionID string) ([]*AuditRecord, error)
}

// Repository bundles the two stores a full node needs.
type Repository interface {
	TransactionRepository
	AuditRepository
}
