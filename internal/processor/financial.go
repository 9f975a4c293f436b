package processor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/dedup"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Extra keys the financial processor annotates timeout outcomes with.
// The pipeline reads them to keep the stored entry reversible and the
// record status truthful.
const (
	ExtraOutcome  = "outcome"
	ExtraReversal = "reversal"

	OutcomeTimeout    = "timeout"
	ReversalConfirmed = "confirmed"
	ReversalDeclined  = "declined"
	ReversalFailed    = "failed"
)

// Deps bundles what every processor needs wired in.
type Deps struct {
	Schema *iso8583.Schema
	Table  *Table
	Dedup  *dedup.Store
	Log    zerolog.Logger
}

// Financial processes money-moving transactions: withdrawal, deposit,
// transfer, purchase and bill payment. One instance per type.
type Financial struct {
	typ   txn.Type
	retry RetryPolicy
	deps  Deps
	log   zerolog.Logger
}

// NewFinancial builds a processor for one financial type.
func NewFinancial(typ txn.Type, retry RetryPolicy, deps Deps) (*Financial, error) {
	if !typ.Financial() {
		return nil, txn.Errorf(txn.CategorySystem, "%s is not a financial type", typ)
	}
	return &Financial{
		typ:   typ,
		retry: retry,
		deps:  deps,
		log:   deps.Log.With().Str("component", "processor").Str("type", string(typ)).Logger(),
	}, nil
}

// Type names the transaction type this processor accepts.
func (p *Financial) Type() txn.Type { return p.typ }

// Process drives the transaction upstream under the retry policy.
// Every attempt reuses the same message, hence the same STAN. When all
// attempts time out, a reversal is issued before answering so no hold
// is left on the cardholder account.
func (p *Financial) Process(ctx context.Context, req *txn.Request, dec router.Decision) (*txn.Response, error) {
	fw, err := p.deps.Table.Lookup(dec.Destination)
	if err != nil {
		return nil, err
	}
	msg, err := BuildRequestMessage(p.deps.Schema, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	timedOut := false

	for attempt := 0; ; attempt++ {
		resp, ferr := p.forward(ctx, fw, req, msg, dec.Timeout)
		if ferr == nil {
			if p.retry.RetryableCode(resp.Code) && !p.retry.Exhausted(attempt) {
				p.log.Warn().Str("stan", req.STAN).Str("code", string(resp.Code)).
					Int("attempt", attempt+1).Msg("retryable decline, retrying with same stan")
				if p.retry.Sleep(ctx, attempt) != nil {
					timedOut = true
					break
				}
				continue
			}
			resp.Destination = string(dec.Destination)
			resp.Elapsed = time.Since(start)
			return resp, nil
		}

		if MayHaveReachedHost(ferr) {
			timedOut = true
			if p.retry.Exhausted(attempt) || ctx.Err() != nil {
				break
			}
			p.log.Warn().Str("stan", req.STAN).Int("attempt", attempt+1).
				Err(ferr).Msg("no response, retrying with same stan")
			if p.retry.Sleep(ctx, attempt) != nil {
				break
			}
			continue
		}

		if p.retry.RetryableError(ferr) && !p.retry.Exhausted(attempt) && ctx.Err() == nil {
			p.log.Warn().Str("stan", req.STAN).Int("attempt", attempt+1).
				Err(ferr).Msg("transport failure, retrying")
			if p.retry.Sleep(ctx, attempt) != nil {
				timedOut = true
				break
			}
			continue
		}

		return nil, ferr
	}

	if !timedOut {
		return nil, txn.Errorf(txn.CategorySystem, "retry loop ended without outcome")
	}
	return p.reverseAfterTimeout(ctx, req, dec, fw, start), nil
}

func (p *Financial) forward(ctx context.Context, fw Forwarder, req *txn.Request, msg *iso8583.Message, timeout time.Duration) (*txn.Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fw.Forward(actx, req, msg)
}

// reverseAfterTimeout sends a reversal for the silent original and
// synthesizes the caller's decline. The reversal runs on a detached
// context: the caller abandoning the wait must not leave the hold in
// place.
func (p *Financial) reverseAfterTimeout(ctx context.Context, req *txn.Request, dec router.Decision, fw Forwarder, start time.Time) *txn.Response {
	rev := reversalOf(req)
	outcome := ReversalFailed

	msg, err := BuildReversalMessage(p.deps.Schema, rev, false)
	if err != nil {
		p.log.Error().Str("stan", req.STAN).Err(err).Msg("reversal assembly failed")
	} else {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dec.Timeout)
		rresp, rerr := fw.Forward(rctx, rev, msg)
		cancel()
		switch {
		case rerr != nil:
			p.log.Error().Str("stan", req.STAN).Err(rerr).Msg("reversal dispatch failed, original left pending")
		case rresp.Code.Approved():
			outcome = ReversalConfirmed
			p.markReversed(req)
			p.log.Info().Str("stan", req.STAN).Msg("timeout reversal confirmed")
		default:
			outcome = ReversalDeclined
			p.log.Warn().Str("stan", req.STAN).Str("code", string(rresp.Code)).
				Msg("timeout reversal declined upstream")
		}
	}

	resp := txn.NewResponse(req, txn.CodeIssuerInoperative)
	resp.Destination = string(dec.Destination)
	resp.Elapsed = time.Since(start)
	resp.Extra = map[string]string{ExtraOutcome: OutcomeTimeout, ExtraReversal: outcome}
	return resp
}

func (p *Financial) markReversed(req *txn.Request) {
	if p.deps.Dedup == nil {
		return
	}
	e, ok := p.deps.Dedup.FindOriginal(req.RRN, req.STAN, req.TerminalID)
	if !ok {
		return
	}
	if err := p.deps.Dedup.Reverse(e, req.Amount); err != nil && !errors.Is(err, dedup.ErrAlreadyReversed) {
		p.log.Warn().Str("stan", req.STAN).Err(err).Msg("could not mark original reversed")
	}
}

// reversalOf builds the reversal request for a timed-out original. The
// reversal reuses the original STAN; upstream correlates through the
// original data elements either way.
func reversalOf(req *txn.Request) *txn.Request {
	rev := txn.NewRequest(txn.Reversal, req.Channel)
	rev.PAN = req.PAN
	rev.Amount = req.Amount
	rev.Currency = req.Currency
	rev.STAN = req.STAN
	rev.RRN = req.RRN
	rev.TerminalID = req.TerminalID
	rev.MerchantID = req.MerchantID
	rev.AcquiringBank = req.AcquiringBank
	rev.IssuingBank = req.IssuingBank
	rev.DestinationBank = req.DestinationBank
	rev.SourceAccount = req.SourceAccount
	rev.DestAccount = req.DestAccount
	sent := req.TransmittedAt
	if sent.IsZero() {
		sent = req.ReceivedAt
	}
	rev.Original = &txn.OriginalRef{
		STAN:       req.STAN,
		RRN:        req.RRN,
		TerminalID: req.TerminalID,
		Amount:     req.Amount,
		MTI:        iso8583.MTIFinancialRequest,
		SentAt:     sent,
	}
	return rev
}
