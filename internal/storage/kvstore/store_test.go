package kvstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/txn"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	backend, err := NewMemoryBackend(nil)
	require.NoError(t, err)
	require.NoError(t, backend.Open(true))
	s := NewStore(backend, true, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(id, stan, rrn string, completed time.Time) *storage.TransactionRecord {
	return &storage.TransactionRecord{
		ID:            id,
		Type:          txn.Withdrawal,
		Channel:       txn.ChannelATM,
		MaskedPAN:     "411111******1111",
		Amount:        decimal.New(150050, -2),
		Currency:      "901",
		STAN:          stan,
		RRN:           rrn,
		TerminalID:    "ATM00001",
		AcquiringBank: "00000001",
		ResponseCode:  "00",
		Status:        txn.StatusApproved,
		CreatedAt:     completed.Add(-time.Second),
		CompletedAt:   completed,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 25, 10, 0, 0, 0, time.UTC)

	rec := record("tx-1", "000001", "202506250001", now)
	require.NoError(t, s.SaveTransaction(ctx, rec))

	got, err := s.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, rec.STAN, got.STAN)
	assert.Equal(t, rec.MaskedPAN, got.MaskedPAN)
	assert.True(t, rec.Amount.Equal(got.Amount), "amount %s != %s", rec.Amount, got.Amount)
	assert.Equal(t, txn.StatusApproved, got.Status)

	byTrace, err := s.FindByTrace(ctx, "000001", "202506250001")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", byTrace.ID)

	_, err = s.FindTransaction(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreUpdateStatusCompareAndSet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveTransaction(ctx, record("tx-1", "000001", "r1", time.Now())))

	require.NoError(t, s.UpdateStatus(ctx, "tx-1", txn.StatusApproved, txn.StatusReversed))
	assert.ErrorIs(t, s.UpdateStatus(ctx, "tx-1", txn.StatusApproved, txn.StatusReversed), storage.ErrConflict)

	got, err := s.FindTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusReversed, got.Status)
}

func TestStoreListByDateOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 25, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveTransaction(ctx, record("tx-late", "000002", "r2", day.Add(18*time.Hour))))
	require.NoError(t, s.SaveTransaction(ctx, record("tx-early", "000001", "r1", day.Add(9*time.Hour))))
	require.NoError(t, s.SaveTransaction(ctx, record("tx-other-day", "000003", "r3", day.AddDate(0, 0, 1))))

	got, err := s.ListByDate(ctx, day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tx-early", got[0].ID)
	assert.Equal(t, "tx-late", got[1].ID)
}

func TestStoreResaveMovesDateIndex(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 25, 0, 0, 0, 0, time.UTC)

	rec := record("tx-1", "000001", "r1", day.Add(8*time.Hour))
	require.NoError(t, s.SaveTransaction(ctx, rec))

	// Completing on the next day must move, not duplicate, the index row.
	rec.CompletedAt = day.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.SaveTransaction(ctx, rec))

	before, err := s.ListByDate(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, before)

	after, err := s.ListByDate(ctx, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "tx-1", after[0].ID)
}

func TestStoreAuditTrailOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, ev := range []string{"received", "routed", "approved"} {
		require.NoError(t, s.AppendAudit(ctx, &storage.AuditRecord{
			ID:            ev,
			At:            time.Now().Add(time.Duration(i) * time.Millisecond),
			Event:         ev,
			TransactionID: "tx-1",
		}))
	}
	require.NoError(t, s.AppendAudit(ctx, &storage.AuditRecord{
		ID: "other", Event: "received", TransactionID: "tx-2",
	}))

	trail, err := s.AuditByTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "received", trail[0].Event)
	assert.Equal(t, "routed", trail[1].Event)
	assert.Equal(t, "approved", trail[2].Event)
}

func TestRowCodecCompression(t *testing.T) {
	rec := record("tx-1", "000001", "r1", time.Now())
	rec.MerchantID = strings.Repeat("M", 512) // force past the compression floor

	compressed, err := encodeRow(rec, true)
	require.NoError(t, err)
	plain, err := encodeRow(rec, false)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(plain))
	assert.NotZero(t, compressed[0]&rowFlagCompressed)
	assert.Zero(t, plain[0]&rowFlagCompressed)

	var got storage.TransactionRecord
	require.NoError(t, decodeRow(compressed, &got))
	assert.Equal(t, rec.MerchantID, got.MerchantID)
	assert.True(t, rec.Amount.Equal(got.Amount))
}

func TestRowCodecRejectsTruncatedRow(t *testing.T) {
	var got storage.TransactionRecord
	err := decodeRow([]byte{0x01}, &got)
	assert.Error(t, err)
}

func TestPrefixSuccessor(t *testing.T) {
	assert.Equal(t, []byte("u"), prefixSuccessor([]byte("t")))
	assert.Equal(t, []byte("t0"), prefixSuccessor([]byte("t/")))
	assert.Nil(t, prefixSuccessor([]byte{0xff, 0xff}))
	assert.True(t, bytes.Equal([]byte{0x01}, prefixSuccessor([]byte{0x00, 0xff, 0xff})),
		"carry moves left past 0xff bytes")
}

func TestBackendRegistry(t *testing.T) {
	names := AvailableBackends()
	assert.Contains(t, names, "pebble")
	assert.Contains(t, names, "leveldb")
	assert.Contains(t, names, "memory")

	_, err := CreateBackend("bolt", DefaultConfig())
	assert.Error(t, err)
}
