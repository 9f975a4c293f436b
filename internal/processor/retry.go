package processor

import (
	"context"
	"errors"
	"time"

	"github.com/linhsiu/gofepd/internal/fisc"
	"github.com/linhsiu/gofepd/internal/txn"
)

// RetryPolicy extends the connection-level backoff schedule with the
// transaction-level retry decision: which upstream response codes and
// which failure kinds earn another attempt. Every retry reuses the
// original STAN so upstream dedup anchors on it.
type RetryPolicy struct {
	fisc.RetryPolicy

	// RetryableCodes overrides the default retryable set (91, 96, 68,
	// ND) when non-nil.
	RetryableCodes map[txn.ResponseCode]bool
}

// FinancialRetryPolicy is the default for money-moving transactions:
// at most two retries on a short exponential schedule, then reverse.
func FinancialRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryPolicy: fisc.RetryPolicy{
			MaxRetries:        2,
			InitialDelay:      200 * time.Millisecond,
			MaxDelay:          2 * time.Second,
			BackoffMultiplier: 2.0,
			JitterFactor:      0.1,
		},
	}
}

// InquiryRetryPolicy is the default for non-financial lookups, which
// may retry a little longer since no reversal is ever required.
func InquiryRetryPolicy() RetryPolicy {
	p := FinancialRetryPolicy()
	p.MaxRetries = 3
	return p
}

// Exhausted reports whether attempt (0-based) is past the retry
// budget. Transaction retries treat MaxRetries <= 0 as "no retries",
// unlike the unlimited reconnect schedule the embedded policy runs.
func (p RetryPolicy) Exhausted(attempt int) bool {
	if p.MaxRetries <= 0 {
		return true
	}
	return attempt >= p.MaxRetries
}

// RetryableCode reports whether an upstream decline earns a retry.
func (p RetryPolicy) RetryableCode(c txn.ResponseCode) bool {
	if p.RetryableCodes != nil {
		return p.RetryableCodes[c]
	}
	return c.Retryable()
}

// RetryableError reports whether a transport failure earns a retry.
func (p RetryPolicy) RetryableError(err error) bool {
	if MayHaveReachedHost(err) {
		return true
	}
	// Channel picked by the registry was unusable; the next attempt may
	// fail over to a healthy one.
	if errors.Is(err, fisc.ErrNotOperational) || errors.Is(err, fisc.ErrSendUnavailable) {
		return true
	}
	return txn.Retryable(err)
}

// MayHaveReachedHost reports whether the failed attempt could have been
// delivered upstream. Only those failures need a reversal to clear the
// possible hold; a request that never left this process cannot have
// moved money.
func MayHaveReachedHost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fisc.ErrNoResponse) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return txn.CategoryOf(err) == txn.CategoryTimeout
}

// Sleep honors the backoff schedule for attempt (0-based) unless the
// context ends first.
func (p RetryPolicy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
