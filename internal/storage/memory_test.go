package storage

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/txn"
)

func sampleRecord(id, stan, rrn string) *TransactionRecord {
	return &TransactionRecord{
		ID:            id,
		Type:          txn.Withdrawal,
		Channel:       txn.ChannelATM,
		MaskedPAN:     "411111******1111",
		Amount:        decimal.NewFromInt(1000),
		Currency:      "901",
		STAN:          stan,
		RRN:           rrn,
		TerminalID:    "ATM00001",
		AcquiringBank: "00000001",
		ResponseCode:  "00",
		Status:        txn.StatusApproved,
		CreatedAt:     time.Now(),
		CompletedAt:   time.Now(),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := sampleRecord("tx-1", "000001", "202506250001")
	require.NoError(t, s.SaveTransaction(ctx, rec))

	got, err := s.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, rec.STAN, got.STAN)
	assert.True(t, rec.Amount.Equal(got.Amount))

	byTrace, err := s.FindByTrace(ctx, "000001", "202506250001")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", byTrace.ID)

	_, err = s.FindTransaction(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.FindByTrace(ctx, "999999", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveTransaction(ctx, sampleRecord("tx-1", "000001", "r1")))

	got, err := s.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	got.ResponseCode = "96"

	again, err := s.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "00", again.ResponseCode)
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.SaveTransaction(ctx, sampleRecord("tx-1", "000001", "r1")))

	require.NoError(t, s.UpdateStatus(ctx, "tx-1", txn.StatusApproved, txn.StatusReversed))

	// Second identical transition must lose the compare-and-set.
	err := s.UpdateStatus(ctx, "tx-1", txn.StatusApproved, txn.StatusReversed)
	assert.ErrorIs(t, err, ErrConflict)

	got, _ := s.FindTransaction(ctx, "tx-1")
	assert.Equal(t, txn.StatusReversed, got.Status)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "nope", txn.StatusApproved, txn.StatusReversed), ErrNotFound)
}

func TestMemoryStoreListByDate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	today := time.Date(2025, 6, 25, 14, 30, 0, 0, time.Local)
	yesterday := today.AddDate(0, 0, -1)

	a := sampleRecord("tx-a", "000001", "r1")
	a.CompletedAt = today.Add(2 * time.Hour)
	b := sampleRecord("tx-b", "000002", "r2")
	b.CompletedAt = today
	c := sampleRecord("tx-c", "000003", "r3")
	c.CompletedAt = yesterday
	for _, rec := range []*TransactionRecord{a, b, c} {
		require.NoError(t, s.SaveTransaction(ctx, rec))
	}

	got, err := s.ListByDate(ctx, today)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tx-b", got[0].ID)
	assert.Equal(t, "tx-a", got[1].ID)
}

func TestMemoryStoreAuditTrail(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, ev := range []string{"received", "approved"} {
		require.NoError(t, s.AppendAudit(ctx, &AuditRecord{
			ID:            ev + "-1",
			At:            time.Now(),
			Event:         ev,
			TransactionID: "tx-1",
		}))
	}

	trail, err := s.AuditByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "received", trail[0].Event)
	assert.Equal(t, "approved", trail[1].Event)

	empty, err := s.AuditByTransaction(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestNewTransactionRecordMasksPAN(t *testing.T) {
	req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.Amount = decimal.NewFromInt(500)
	req.STAN = "000042"
	resp := txn.NewResponse(req, txn.CodeApproved)
	resp.AuthCode = "123456"

	rec := NewTransactionRecord(req, resp)
	assert.Equal(t, "411111******1111", rec.MaskedPAN)
	assert.NotEmpty(t, rec.PANHash)
	assert.NotContains(t, rec.MaskedPAN, "1111111111")
	assert.Equal(t, txn.StatusApproved, rec.Status)
	assert.Equal(t, "00", rec.ResponseCode)
	assert.Equal(t, "123456", rec.AuthCode)
}
