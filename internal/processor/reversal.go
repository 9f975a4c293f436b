package processor

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/dedup"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/txn"
)

// ReversalProc handles channel-initiated reversals (MTI 0400 in). The
// local store is authoritative for hold release: eligibility is checked
// and the original flipped to REVERSED in one atomic step, then the
// reversal is advised upstream best-effort. A second reversal of the
// same original is answered idempotently with a duplicate decline.
type ReversalProc struct {
	deps Deps
	repo storage.TransactionRepository
	log  zerolog.Logger
}

// NewReversal builds the reversal processor. repo may be nil when no
// durable record keeping is wired.
func NewReversal(deps Deps, repo storage.TransactionRepository) *ReversalProc {
	return &ReversalProc{
		deps: deps,
		repo: repo,
		log:  deps.Log.With().Str("component", "processor").Str("type", string(txn.Reversal)).Logger(),
	}
}

// Type names the transaction type this processor accepts.
func (p *ReversalProc) Type() txn.Type { return txn.Reversal }

// Process validates the reversal against the original, releases the
// hold locally and forwards the reversal upstream.
func (p *ReversalProc) Process(ctx context.Context, req *txn.Request, dec router.Decision) (*txn.Response, error) {
	if req.Original == nil {
		return nil, txn.CodedErr(txn.CategoryValidation, txn.CodeFormatError,
			"reversal carries no original data elements")
	}
	orig := req.Original

	entry, ok := p.deps.Dedup.FindOriginal(orig.RRN, orig.STAN, orig.TerminalID)
	if !ok {
		return nil, txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidTxn,
			"original transaction not found")
	}

	if err := p.deps.Dedup.Reverse(entry, orig.Amount); err != nil {
		switch {
		case errors.Is(err, dedup.ErrAlreadyReversed):
			p.log.Info().Str("stan", orig.STAN).Msg("repeat reversal answered idempotently")
			resp := txn.NewResponse(req, txn.CodeDuplicate)
			resp.Extra = map[string]string{ExtraReversal: "already_reversed"}
			return resp, nil
		case errors.Is(err, dedup.ErrAmountMismatch):
			return nil, txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidAmount,
				"reversal amount differs from original")
		case errors.Is(err, dedup.ErrReversalWindow):
			return nil, txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidTxn,
				"original outside the reversal window")
		default:
			return nil, txn.CodedErr(txn.CategoryValidation, txn.CodeInvalidTxn,
				"original not reversible")
		}
	}

	p.markRecordReversed(ctx, orig)
	outcome := p.adviseUpstream(ctx, req, dec)

	resp := txn.NewResponse(req, txn.CodeApproved)
	resp.Destination = string(dec.Destination)
	resp.Extra = map[string]string{ExtraReversal: outcome}
	return resp, nil
}

// adviseUpstream forwards the reversal to the original's destination.
// Failures are logged, not surfaced: the hold is already released
// locally and the advice can be replayed by the acquirer.
func (p *ReversalProc) adviseUpstream(ctx context.Context, req *txn.Request, dec router.Decision) string {
	fw, err := p.deps.Table.Lookup(dec.Destination)
	if err != nil {
		p.log.Warn().Err(err).Msg("no upstream for reversal advice")
		return ReversalFailed
	}
	msg, err := BuildReversalMessage(p.deps.Schema, req, false)
	if err != nil {
		p.log.Error().Err(err).Msg("reversal assembly failed")
		return ReversalFailed
	}
	actx, cancel := context.WithTimeout(ctx, dec.Timeout)
	defer cancel()
	rresp, err := fw.Forward(actx, req, msg)
	switch {
	case err != nil:
		p.log.Warn().Str("stan", req.STAN).Err(err).Msg("reversal advice not delivered")
		return ReversalFailed
	case rresp.Code.Approved():
		return ReversalConfirmed
	default:
		p.log.Warn().Str("stan", req.STAN).Str("code", string(rresp.Code)).
			Msg("upstream declined reversal advice")
		return ReversalDeclined
	}
}

// markRecordReversed flips the stored original when record keeping is
// wired; timing differences make several from-statuses legitimate.
func (p *ReversalProc) markRecordReversed(ctx context.Context, orig *txn.OriginalRef) {
	if p.repo == nil {
		return
	}
	rec, err := p.repo.FindByTrace(ctx, orig.STAN, orig.RRN)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			p.log.Warn().Err(err).Msg("original record lookup failed")
		}
		return
	}
	for _, from := range []txn.Status{txn.StatusApproved, txn.StatusPending, txn.StatusTimedOut} {
		err = p.repo.UpdateStatus(ctx, rec.ID, from, txn.StatusReversed)
		if err == nil || !errors.Is(err, storage.ErrConflict) {
			break
		}
	}
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		p.log.Warn().Str("id", rec.ID).Err(err).Msg("original record not marked reversed")
	}
}
