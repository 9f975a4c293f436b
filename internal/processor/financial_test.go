package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/dedup"
	"github.com/linhsiu/gofepd/internal/fisc"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// scriptedForwarder records outbound messages and answers by MTI.
type scriptedForwarder struct {
	mu       sync.Mutex
	sent     []*iso8583.Message
	onFin    func(req *txn.Request, msg *iso8583.Message) (*txn.Response, error)
	onRev    func(req *txn.Request, msg *iso8583.Message) (*txn.Response, error)
	finCalls int
	revCalls int
}

func (s *scriptedForwarder) Forward(_ context.Context, req *txn.Request, msg *iso8583.Message) (*txn.Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	var fn func(*txn.Request, *iso8583.Message) (*txn.Response, error)
	switch msg.MTI() {
	case iso8583.MTIReversalRequest, iso8583.MTIReversalAdvice:
		s.revCalls++
		fn = s.onRev
	default:
		s.finCalls++
		fn = s.onFin
	}
	s.mu.Unlock()
	if fn == nil {
		return txn.NewResponse(req, txn.CodeApproved), nil
	}
	return fn(req, msg)
}

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{
		RetryPolicy: fisc.RetryPolicy{
			MaxRetries:        maxRetries,
			InitialDelay:      time.Millisecond,
			MaxDelay:          2 * time.Millisecond,
			BackoffMultiplier: 1.0,
			JitterFactor:      0,
		},
	}
}

func testDeps(t *testing.T, fw Forwarder) Deps {
	t.Helper()
	table := NewTable()
	table.Bind(router.DestFISCInterbank, fw)
	return Deps{
		Schema: iso8583.NewFISCSchema(),
		Table:  table,
		Dedup: dedup.NewStore(dedup.Config{
			Retention:      time.Hour,
			ReversalWindow: time.Hour,
			MaxEntries:     128,
		}, zerolog.Nop()),
		Log: zerolog.Nop(),
	}
}

func withdrawal(stan string) *txn.Request {
	req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.Amount = decimal.New(100000, -2) // 1000.00
	req.STAN = stan
	req.RRN = "000000000001"
	req.TerminalID = "ATM00001"
	req.AcquiringBank = "00000001"
	req.SourceAccount = "1234567890"
	req.TransmittedAt = time.Now()
	return req
}

func decision() router.Decision {
	return router.Decision{Destination: router.DestFISCInterbank, Timeout: 50 * time.Millisecond}
}

func TestFinancialApprovedRoundTrip(t *testing.T) {
	fw := &scriptedForwarder{
		onFin: func(req *txn.Request, msg *iso8583.Message) (*txn.Response, error) {
			assert.Equal(t, iso8583.MTIFinancialRequest, msg.MTI())
			assert.Equal(t, "000001", msg.StringById(iso8583.FieldSTAN))
			assert.Equal(t, "000000100000", msg.StringById(iso8583.FieldAmount))
			resp := txn.NewResponse(req, txn.CodeApproved)
			resp.AuthCode = "A00001"
			return resp, nil
		},
	}
	deps := testDeps(t, fw)
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(2), deps)
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), withdrawal("000001"), decision())
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	assert.Equal(t, txn.CodeApproved, resp.Code)
	assert.Equal(t, "A00001", resp.AuthCode)
	assert.Equal(t, 1, fw.finCalls)
	assert.Zero(t, fw.revCalls)
}

func TestFinancialRetriesRetryableDeclineWithSameSTAN(t *testing.T) {
	var stans []string
	calls := 0
	fw := &scriptedForwarder{
		onFin: func(req *txn.Request, msg *iso8583.Message) (*txn.Response, error) {
			calls++
			stans = append(stans, msg.StringById(iso8583.FieldSTAN))
			if calls < 3 {
				return txn.NewResponse(req, txn.CodeIssuerInoperative), nil
			}
			return txn.NewResponse(req, txn.CodeApproved), nil
		},
	}
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(2), testDeps(t, fw))
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), withdrawal("000007"), decision())
	require.NoError(t, err)
	assert.True(t, resp.Approved)
	require.Len(t, stans, 3)
	assert.Equal(t, []string{"000007", "000007", "000007"}, stans)
}

func TestFinancialFinalDeclineAfterRetryBudget(t *testing.T) {
	fw := &scriptedForwarder{
		onFin: func(req *txn.Request, _ *iso8583.Message) (*txn.Response, error) {
			return txn.NewResponse(req, txn.CodeSystemMalfunction), nil
		},
	}
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(1), testDeps(t, fw))
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), withdrawal("000002"), decision())
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, txn.CodeSystemMalfunction, resp.Code)
	assert.Equal(t, 2, fw.finCalls, "one attempt plus one retry")
	assert.Zero(t, fw.revCalls, "declines never trigger reversal")
}

func TestFinancialNonRetryableDeclinePassesThrough(t *testing.T) {
	fw := &scriptedForwarder{
		onFin: func(req *txn.Request, _ *iso8583.Message) (*txn.Response, error) {
			return txn.NewResponse(req, txn.CodeInsufficientFunds), nil
		},
	}
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(2), testDeps(t, fw))
	require.NoError(t, err)

	resp, err := p.Process(context.Background(), withdrawal("000003"), decision())
	require.NoError(t, err)
	assert.Equal(t, txn.CodeInsufficientFunds, resp.Code)
	assert.Equal(t, 1, fw.finCalls)
}

func TestFinancialTimeoutIssuesReversal(t *testing.T) {
	fw := &scriptedForwarder{
		onFin: func(*txn.Request, *iso8583.Message) (*txn.Response, error) {
			return nil, fisc.ErrNoResponse
		},
		onRev: func(req *txn.Request, msg *iso8583.Message) (*txn.Response, error) {
			assert.Equal(t, iso8583.MTIReversalRequest, msg.MTI())
			orig := msg.StringById(iso8583.FieldOriginalData)
			require.Len(t, orig, 42)
			assert.Equal(t, iso8583.MTIFinancialRequest, orig[:4])
			assert.Equal(t, "000001", orig[4:10], "original stan rides in field 90")
			return txn.NewResponse(req, txn.CodeApproved), nil
		},
	}
	deps := testDeps(t, fw)
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(2), deps)
	require.NoError(t, err)

	req := withdrawal("000001")
	entry, outcome := deps.Dedup.Register(req)
	require.Equal(t, dedup.Registered, outcome)

	resp, err := p.Process(context.Background(), req, decision())
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, txn.CodeIssuerInoperative, resp.Code)
	assert.Equal(t, OutcomeTimeout, resp.Extra[ExtraOutcome])
	assert.Equal(t, ReversalConfirmed, resp.Extra[ExtraReversal])
	assert.Equal(t, 3, fw.finCalls, "one attempt plus two retries")
	assert.Equal(t, 1, fw.revCalls)
	assert.Equal(t, txn.StatusReversed, entry.Status())
}

func TestFinancialTimeoutWithFailedReversalLeavesOriginalPending(t *testing.T) {
	fw := &scriptedForwarder{
		onFin: func(*txn.Request, *iso8583.Message) (*txn.Response, error) {
			return nil, fisc.ErrNoResponse
		},
		onRev: func(*txn.Request, *iso8583.Message) (*txn.Response, error) {
			return nil, fisc.ErrNoResponse
		},
	}
	deps := testDeps(t, fw)
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(0), deps)
	require.NoError(t, err)

	req := withdrawal("000004")
	entry, _ := deps.Dedup.Register(req)

	resp, err := p.Process(context.Background(), req, decision())
	require.NoError(t, err)
	assert.Equal(t, txn.CodeIssuerInoperative, resp.Code)
	assert.Equal(t, ReversalFailed, resp.Extra[ExtraReversal])
	assert.Equal(t, txn.StatusPending, entry.Status(),
		"a later reversal attempt must still find the original eligible")
}

func TestFinancialUnknownDestination(t *testing.T) {
	p, err := NewFinancial(txn.Withdrawal, fastPolicy(1), testDeps(t, &scriptedForwarder{}))
	require.NoError(t, err)

	_, err = p.Process(context.Background(), withdrawal("000005"),
		router.Decision{Destination: router.DestCardNetwork, Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, txn.CategoryRouting, txn.CategoryOf(err))
}

func TestNewFinancialRejectsNonFinancialTypes(t *testing.T) {
	_, err := NewFinancial(txn.BalanceInquiry, fastPolicy(1), testDeps(t, &scriptedForwarder{}))
	assert.Error(t, err)
}
