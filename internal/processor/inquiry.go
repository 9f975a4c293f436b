package processor

import (
	"context"
	"time"

	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Inquiry processes balance inquiries over MTI 0100. Inquiries move no
// money: timeouts retry under policy and then surface as plain
// no-response declines, never reversals.
type Inquiry struct {
	retry RetryPolicy
	deps  Deps
}

// NewInquiry builds the balance-inquiry processor.
func NewInquiry(retry RetryPolicy, deps Deps) *Inquiry {
	return &Inquiry{retry: retry, deps: deps}
}

// Type names the transaction type this processor accepts.
func (p *Inquiry) Type() txn.Type { return txn.BalanceInquiry }

// Process forwards the inquiry and maps the answer.
func (p *Inquiry) Process(ctx context.Context, req *txn.Request, dec router.Decision) (*txn.Response, error) {
	fw, err := p.deps.Table.Lookup(dec.Destination)
	if err != nil {
		return nil, err
	}
	msg, err := BuildRequestMessage(p.deps.Schema, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, dec.Timeout)
		resp, ferr := fw.Forward(actx, req, msg)
		cancel()

		if ferr == nil {
			if p.retry.RetryableCode(resp.Code) && !p.retry.Exhausted(attempt) {
				if p.retry.Sleep(ctx, attempt) != nil {
					break
				}
				continue
			}
			resp.Destination = string(dec.Destination)
			resp.Elapsed = time.Since(start)
			return resp, nil
		}
		if p.retry.RetryableError(ferr) && !p.retry.Exhausted(attempt) && ctx.Err() == nil {
			if p.retry.Sleep(ctx, attempt) != nil {
				break
			}
			continue
		}
		if MayHaveReachedHost(ferr) {
			break
		}
		return nil, ferr
	}
	return nil, txn.Errorf(txn.CategoryTimeout, "balance inquiry %s: no response after retries", req.STAN)
}
