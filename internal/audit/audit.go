// Package audit writes the transaction audit trail: one structured line
// per lifecycle event, mirrored to durable storage. Lines carry masked
// card data only; clear PANs, PINs and track data never reach the trail.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/security/pan"
	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Event names recorded in the trail.
const (
	EventReceived  = "request_received"
	EventResponded = "response_sent"
	EventError     = "processing_error"
	EventReversed  = "transaction_reversed"
)

// Logger emits audit lines and persists them. Persistence failures are
// logged but never fail the transaction; the live stream is the source
// of last resort.
type Logger struct {
	log  zerolog.Logger
	repo storage.AuditRepository
}

// New builds a Logger. repo may be nil for stream-only operation.
func New(log zerolog.Logger, repo storage.AuditRepository) *Logger {
	return &Logger{
		log:  log.With().Str("component", "audit").Logger(),
		repo: repo,
	}
}

// Received records the arrival of a request.
func (l *Logger) Received(ctx context.Context, req *txn.Request) {
	rec := baseRecord(EventReceived, req)
	l.log.Info().
		Str("event", rec.Event).
		Str("txn_id", rec.TransactionID).
		Str("type", string(req.Type)).
		Str("channel", string(req.Channel)).
		Str("pan", rec.MaskedPAN).
		Str("stan", req.STAN).
		Str("rrn", req.RRN).
		Str("terminal", req.TerminalID).
		Str("amount", rec.Amount).
		Str("currency", req.Currency).
		Msg("transaction received")
	l.persist(ctx, rec)
}

// Responded records the final response for a request, approved or
// declined. Declines are ordinary outcomes, not errors.
func (l *Logger) Responded(ctx context.Context, req *txn.Request, resp *txn.Response) {
	rec := baseRecord(EventResponded, req)
	rec.ResponseCode = string(resp.Code)
	rec.Approved = resp.Approved
	rec.Elapsed = resp.Elapsed
	l.log.Info().
		Str("event", rec.Event).
		Str("txn_id", rec.TransactionID).
		Str("type", string(req.Type)).
		Str("pan", rec.MaskedPAN).
		Str("stan", req.STAN).
		Str("rrn", req.RRN).
		Str("response_code", rec.ResponseCode).
		Bool("approved", resp.Approved).
		Dur("elapsed", resp.Elapsed).
		Msg("transaction completed")
	l.persist(ctx, rec)
}

// Error records a processing failure with its category. The response
// the caller eventually sends is recorded separately via Responded.
func (l *Logger) Error(ctx context.Context, req *txn.Request, err error) {
	rec := baseRecord(EventError, req)
	rec.Error = err.Error()
	rec.ErrorCategory = txn.CategoryOf(err).String()
	l.log.Error().
		Str("event", rec.Event).
		Str("txn_id", rec.TransactionID).
		Str("stan", req.STAN).
		Str("category", rec.ErrorCategory).
		Err(err).
		Msg("transaction failed")
	l.persist(ctx, rec)
}

// Reversed records a successful reversal against the original
// transaction.
func (l *Logger) Reversed(ctx context.Context, req *txn.Request, originalID string) {
	rec := baseRecord(EventReversed, req)
	rec.TransactionID = originalID
	l.log.Info().
		Str("event", rec.Event).
		Str("txn_id", originalID).
		Str("reversal_id", req.ID.String()).
		Str("stan", req.STAN).
		Str("rrn", req.RRN).
		Str("amount", rec.Amount).
		Msg("transaction reversed")
	l.persist(ctx, rec)
}

func baseRecord(event string, req *txn.Request) *storage.AuditRecord {
	rec := &storage.AuditRecord{
		ID:            uuid.NewString(),
		At:            time.Now(),
		Event:         event,
		TransactionID: req.ID.String(),
		Type:          req.Type,
		Channel:       req.Channel,
		STAN:          req.STAN,
		RRN:           req.RRN,
		TerminalID:    req.TerminalID,
	}
	if req.PAN != "" {
		rec.MaskedPAN = pan.Mask(req.PAN)
	}
	if !req.Amount.IsZero() {
		rec.Amount = req.Amount.StringFixed(2)
	}
	return rec
}

func (l *Logger) persist(ctx context.Context, rec *storage.AuditRecord) {
	if l.repo == nil {
		return
	}
	if err := l.repo.AppendAudit(ctx, rec); err != nil {
		l.log.Warn().Err(err).Str("txn_id", rec.TransactionID).Msg("audit persistence failed")
	}
}
