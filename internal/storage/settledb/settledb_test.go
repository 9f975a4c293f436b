package settledb

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/settlement"
	"github.com/linhsiu/gofepd/internal/storage"
)

var memSeq atomic.Int64

// openTestStore opens a private in-memory sqlite database. The shared
// cache plus a named DSN keeps every pooled connection on the same
// database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:settledb_test_%d?mode=memory&cache=shared", memSeq.Add(1))
	s, err := New(Config{Driver: DriverSQLite, DSN: dsn, MaxOpenConns: 1}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func clearingFixture(t *testing.T) []*settlement.ClearingRecord {
	t.Helper()
	e := settlement.NewEngine("0040000", zerolog.Nop())
	records := []*settlement.Record{
		{IssuingBank: "0040000", AcquiringBank: "8220000", Amount: decimal.New(100000, -2), Status: settlement.Matched},
		{IssuingBank: "0040000", AcquiringBank: "8220000", Amount: decimal.New(200000, -2), Status: settlement.Matched},
		{IssuingBank: "8220000", AcquiringBank: "0040000", Amount: decimal.New(50000, -2), Status: settlement.Matched},
		{IssuingBank: "7000010", AcquiringBank: "0040000", Amount: decimal.New(75000, -2), Status: settlement.Matched},
	}
	return e.Net("20250821", records)
}

func TestClearingPersistRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := clearingFixture(t)
	require.Len(t, recs, 2)
	require.NoError(t, s.SaveClearing(ctx, recs))

	got, err := s.ClearingByDate(ctx, "20250821")
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Ordered by counterparty: 7000010 before 8220000.
	assert.Equal(t, "7000010", got[0].Counterparty)
	assert.True(t, got[0].NetAmount.Equal(decimal.New(75000, -2)))

	b := got[1]
	assert.Equal(t, "8220000", b.Counterparty)
	assert.True(t, b.DebitAmount.Equal(decimal.New(300000, -2)))
	assert.Equal(t, 2, b.DebitCount)
	assert.True(t, b.CreditAmount.Equal(decimal.New(50000, -2)))
	assert.Equal(t, 1, b.CreditCount)
	assert.True(t, b.NetAmount.Equal(decimal.New(-250000, -2)))
	assert.Equal(t, settlement.Calculated, b.Status)

	one, err := s.FindClearing(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Counterparty, one.Counterparty)

	_, err = s.FindClearing(ctx, "no-such-id")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClearingRecalcKeepsWorkflowState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := clearingFixture(t)
	require.NoError(t, s.SaveClearing(ctx, recs))

	stored, err := s.ClearingByDate(ctx, "20250821")
	require.NoError(t, err)
	require.NoError(t, s.UpdateClearingStatus(ctx, stored[1].ID, settlement.Confirmed, "ops-chen"))

	// A later recalculation with different numbers must refresh the
	// amounts without resetting CONFIRMED or changing the stored id.
	again := clearingFixture(t)
	for _, cr := range again {
		cr.DebitAmount = cr.DebitAmount.Add(decimal.New(100, -2))
		cr.NetAmount = cr.CreditAmount.Sub(cr.DebitAmount)
	}
	require.NoError(t, s.SaveClearing(ctx, again))

	after, err := s.ClearingByDate(ctx, "20250821")
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, stored[1].ID, after[1].ID)
	assert.Equal(t, settlement.Confirmed, after[1].Status)
	assert.Equal(t, "ops-chen", after[1].ConfirmedBy)
	assert.True(t, after[1].DebitAmount.Equal(decimal.New(300100, -2)))
}

func TestClearingWorkflowEnforced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveClearing(ctx, clearingFixture(t)))
	stored, err := s.ClearingByDate(ctx, "20250821")
	require.NoError(t, err)
	id := stored[0].ID

	err = s.UpdateClearingStatus(ctx, id, settlement.Settled, "")
	require.ErrorIs(t, err, settlement.ErrTransition)

	require.NoError(t, s.UpdateClearingStatus(ctx, id, settlement.Confirmed, "ops-chen"))
	require.NoError(t, s.UpdateClearingStatus(ctx, id, settlement.Submitted, ""))
	require.NoError(t, s.UpdateClearingStatus(ctx, id, settlement.Settled, ""))

	got, err := s.FindClearing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, settlement.Settled, got.Status)
	assert.Equal(t, "ops-chen", got.ConfirmedBy)
	assert.False(t, got.ConfirmedAt.IsZero())

	err = s.UpdateClearingStatus(ctx, id, settlement.ClearingFailed, "")
	require.ErrorIs(t, err, settlement.ErrTransition)

	err = s.UpdateClearingStatus(ctx, "no-such-id", settlement.Confirmed, "x")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSettlementRecordsPersistMasked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []*settlement.Record{
		{
			Date: "20250821", TxRef: "TX000001", STAN: "000001", RRN: "000000000001",
			TxType: "0200", AcquiringBank: "0040000", IssuingBank: "8220000",
			PAN: "4111111111111111", Amount: decimal.New(100000, -2),
			Currency: "901", Fee: decimal.New(500, -2), TerminalID: "ATM00001",
			MerchantID: "統一超商", AuthCode: "A00001", ResponseCode: "00",
			Channel: "ATM", Status: settlement.Disputed,
		},
		{
			Date: "20250821", TxRef: "TX000002", STAN: "000002", RRN: "000000000002",
			TxType: "0200", AcquiringBank: "0040000", IssuingBank: "8220000",
			PAN: "4111111111111111", Amount: decimal.New(50000, -2),
			Currency: "901", Fee: decimal.Zero, TerminalID: "ATM00001",
			AuthCode: "A00002", ResponseCode: "00",
			Channel: "ATM", Status: settlement.Matched,
		},
	}
	require.NoError(t, s.SaveRecords(ctx, "FX250822", records))

	disputed, err := s.RecordsByStatus(ctx, "20250821", settlement.Disputed)
	require.NoError(t, err)
	require.Len(t, disputed, 1)

	got := disputed[0]
	assert.Equal(t, "000001", got.STAN)
	assert.Equal(t, "411111******1111", got.PAN, "clear PAN must not round-trip")
	assert.True(t, got.Amount.Equal(decimal.New(100000, -2)))
	assert.Equal(t, "統一超商", got.MerchantID)
	assert.Equal(t, settlement.Disputed, got.Status)

	// Re-saving after dispute resolution refreshes the status.
	records[0].Status = settlement.Matched
	require.NoError(t, s.SaveRecords(ctx, "FX250822", records))

	disputed, err = s.RecordsByStatus(ctx, "20250821", settlement.Disputed)
	require.NoError(t, err)
	assert.Empty(t, disputed)

	matchedRecs, err := s.RecordsByStatus(ctx, "20250821", settlement.Matched)
	require.NoError(t, err)
	assert.Len(t, matchedRecs, 2)
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "x"}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(Config{Driver: DriverSQLite}, zerolog.Nop())
	require.Error(t, err, "empty dsn")

	s, err := New(Config{Driver: DriverPostgres, DSN: "postgres://localhost/fep"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "SELECT $1, $2", s.rebind("SELECT ?, ?"))

	s2, err := New(Config{Driver: DriverSQLite, DSN: ":memory:"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "SELECT ?, ?", s2.rebind("SELECT ?, ?"))
}
