package router

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/txn"
)

func request(t txn.Type, ch txn.Channel) *txn.Request {
	req := txn.NewRequest(t, ch)
	req.Amount = decimal.NewFromInt(100)
	return req
}

func TestRouteFirstMatchWins(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddRule(Rule{
		Name: "atm-interbank", Priority: 20, Active: true,
		Channels:    []txn.Channel{txn.ChannelATM},
		Destination: DestFISCInterbank,
	}))
	require.NoError(t, r.AddRule(Rule{
		Name: "on-us", Priority: 10, Active: true,
		Predicate:   func(req *txn.Request) bool { return req.DestinationBank == "" },
		Destination: DestMainframeCBS,
	}))

	// Lower priority number evaluates first even though added second.
	dec, err := r.Route(request(txn.Withdrawal, txn.ChannelATM))
	require.NoError(t, err)
	assert.Equal(t, DestMainframeCBS, dec.Destination)
	assert.Equal(t, "on-us", dec.Rule)

	offUs := request(txn.Withdrawal, txn.ChannelATM)
	offUs.DestinationBank = "00000123"
	dec, err = r.Route(offUs)
	require.NoError(t, err)
	assert.Equal(t, DestFISCInterbank, dec.Destination)
	assert.Equal(t, "atm-interbank", dec.Rule)
}

func TestRouteMatchSets(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddRule(Rule{
		Name: "bills", Priority: 5, Active: true,
		Types:       []txn.Type{txn.BillPayment},
		Destination: DestFISCBillPayment,
	}))
	require.NoError(t, r.AddRule(Rule{
		Name: "specific-bank", Priority: 10, Active: true,
		DestBanks:   []string{"00000007"},
		Destination: DestCardNetwork,
	}))

	dec, err := r.Route(request(txn.BillPayment, txn.ChannelInternet))
	require.NoError(t, err)
	assert.Equal(t, DestFISCBillPayment, dec.Destination)

	toBank := request(txn.Transfer, txn.ChannelMobile)
	toBank.DestinationBank = "00000007"
	dec, err = r.Route(toBank)
	require.NoError(t, err)
	assert.Equal(t, DestCardNetwork, dec.Destination)

	_, err = r.Route(request(txn.Transfer, txn.ChannelMobile))
	require.Error(t, err)
	assert.Equal(t, txn.CategoryRouting, txn.CategoryOf(err))
	assert.Equal(t, txn.CodeNotPermitted, txn.CodeFor(err))
}

func TestRouteDefaultDestination(t *testing.T) {
	r := New(zerolog.Nop(),
		WithDefaultDestination(DestMainframeCBS),
		WithDefaultTimeout(10*time.Second))

	dec, err := r.Route(request(txn.Deposit, txn.ChannelInternet))
	require.NoError(t, err)
	assert.Equal(t, DestMainframeCBS, dec.Destination)
	assert.Equal(t, 10*time.Second, dec.Timeout)
	assert.Empty(t, dec.Rule)
}

func TestRouteTimeoutOverride(t *testing.T) {
	r := New(zerolog.Nop(), WithDefaultTimeout(30*time.Second))
	require.NoError(t, r.AddRule(Rule{
		Name: "slow-host", Priority: 1, Active: true,
		Destination: DestExternalService,
		Timeout:     90 * time.Second,
	}))
	require.NoError(t, r.AddRule(Rule{
		Name: "fallthrough", Priority: 2, Active: true,
		Destination: DestInternal,
	}))

	dec, err := r.Route(request(txn.Purchase, txn.ChannelPOS))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, dec.Timeout)
}

func TestInactiveRuleSkipped(t *testing.T) {
	r := New(zerolog.Nop(), WithDefaultDestination(DestInternal))
	require.NoError(t, r.AddRule(Rule{
		Name: "disabled", Priority: 1, Active: false,
		Destination: DestCardNetwork,
	}))

	dec, err := r.Route(request(txn.Purchase, txn.ChannelPOS))
	require.NoError(t, err)
	assert.Equal(t, DestInternal, dec.Destination)

	require.True(t, r.SetActive("disabled", true))
	dec, err = r.Route(request(txn.Purchase, txn.ChannelPOS))
	require.NoError(t, err)
	assert.Equal(t, DestCardNetwork, dec.Destination)
}

func TestRuleLifecycle(t *testing.T) {
	r := New(zerolog.Nop())

	err := r.AddRule(Rule{Name: "", Active: true, Destination: DestInternal})
	assert.Error(t, err, "unnamed rules rejected")

	err = r.AddRule(Rule{Name: "bad-dest", Active: true, Destination: "NOWHERE"})
	assert.Error(t, err)

	require.NoError(t, r.AddRule(Rule{Name: "a", Priority: 2, Active: true, Destination: DestInternal}))
	assert.Error(t, r.AddRule(Rule{Name: "a", Priority: 3, Active: true, Destination: DestInternal}),
		"duplicate names rejected")

	assert.True(t, r.RemoveRule("a"))
	assert.False(t, r.RemoveRule("a"))
	assert.False(t, r.SetActive("a", true))
	assert.Empty(t, r.Rules())
}

func TestRulesSnapshotOrdered(t *testing.T) {
	r := New(zerolog.Nop())
	require.NoError(t, r.AddRule(Rule{Name: "third", Priority: 30, Active: true, Destination: DestInternal}))
	require.NoError(t, r.AddRule(Rule{Name: "first", Priority: 10, Active: true, Destination: DestInternal}))
	require.NoError(t, r.AddRule(Rule{Name: "second", Priority: 20, Active: true, Destination: DestInternal}))

	rules := r.Rules()
	require.Len(t, rules, 3)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "second", rules[1].Name)
	assert.Equal(t, "third", rules[2].Name)
}
