package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/storage"
	"github.com/linhsiu/gofepd/internal/txn"
)

func auditRequest() *txn.Request {
	req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.Amount = decimal.NewFromInt(1000)
	req.STAN = "000001"
	req.RRN = "202506250001"
	req.TerminalID = "ATM00001"
	return req
}

func TestAuditTrailPersists(t *testing.T) {
	repo := storage.NewMemoryStore()
	l := New(zerolog.Nop(), repo)
	ctx := context.Background()
	req := auditRequest()

	l.Received(ctx, req)
	resp := txn.NewResponse(req, txn.CodeApproved)
	l.Responded(ctx, req, resp)

	trail, err := repo.AuditByTransaction(ctx, req.ID.String())
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, EventReceived, trail[0].Event)
	assert.Equal(t, EventResponded, trail[1].Event)
	assert.Equal(t, "00", trail[1].ResponseCode)
	assert.True(t, trail[1].Approved)
}

func TestAuditNeverLogsClearPAN(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf), storage.NewMemoryStore())
	ctx := context.Background()
	req := auditRequest()

	l.Received(ctx, req)
	l.Responded(ctx, req, txn.NewResponse(req, txn.CodeInsufficientFunds))
	l.Error(ctx, req, txn.Errorf(txn.CategorySecurity, "mac verification failed"))

	out := buf.String()
	assert.NotContains(t, out, "4111111111111111")
	assert.Contains(t, out, "411111******1111")

	trail, err := storage.NewMemoryStore().AuditByTransaction(ctx, req.ID.String())
	require.NoError(t, err)
	for _, rec := range trail {
		assert.NotContains(t, rec.MaskedPAN, "1111111111111")
	}
}

func TestAuditErrorCarriesCategory(t *testing.T) {
	var buf bytes.Buffer
	repo := storage.NewMemoryStore()
	l := New(zerolog.New(&buf), repo)
	ctx := context.Background()
	req := auditRequest()

	l.Error(ctx, req, txn.Errorf(txn.CategoryTimeout, "host response deadline exceeded"))

	trail, err := repo.AuditByTransaction(ctx, req.ID.String())
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, EventError, trail[0].Event)
	assert.Equal(t, txn.CategoryTimeout.String(), trail[0].ErrorCategory)
	assert.Contains(t, trail[0].Error, "deadline")

	var line map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, EventError, line["event"])
}

func TestAuditReversalTargetsOriginal(t *testing.T) {
	repo := storage.NewMemoryStore()
	l := New(zerolog.Nop(), repo)
	ctx := context.Background()

	rev := txn.NewRequest(txn.Reversal, txn.ChannelATM)
	rev.STAN = "000099"
	rev.Amount = decimal.NewFromInt(1000)
	l.Reversed(ctx, rev, "orig-id")

	trail, err := repo.AuditByTransaction(ctx, "orig-id")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, EventReversed, trail[0].Event)
}

func TestAuditSurvivesRepoFailure(t *testing.T) {
	l := New(zerolog.Nop(), failingRepo{})
	// Must not panic or propagate the persistence error.
	l.Received(context.Background(), auditRequest())
}

type failingRepo struct{}

func (failingRepo) AppendAudit(context.Context, *storage.AuditRecord) error {
	return errors.New("disk full")
}

func (failingRepo) AuditByTransaction(context.Context, string) ([]*storage.AuditRecord, error) {
	return nil, nil
}
