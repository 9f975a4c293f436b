package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/config"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/processor"
	"github.com/linhsiu/gofepd/internal/security/keystore"
	"github.com/linhsiu/gofepd/internal/security/mac"
	"github.com/linhsiu/gofepd/internal/security/pinblock"
	"github.com/linhsiu/gofepd/internal/txn"
)

// internalConfig wires no interbank links: everything routes to the
// in-process approver, which is all the stage tests need.
func internalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Dedup.RetentionWindow = time.Hour
	cfg.Dedup.ReversalWindow = time.Hour
	cfg.Security.GenerateMissing = true
	cfg.Storage.Backend = "memory"
	cfg.Router.DefaultDestination = "INTERNAL"
	cfg.Router.TimeoutMs = 200
	cfg.CoreAPI.Endpoint = "127.0.0.1:50061"
	cfg.CoreAPI.Method = "/fep.CoreBanking/Execute"
	cfg.CoreAPI.TimeoutMs = 200
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func validRequest(stan string) *txn.Request {
	req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
	req.PAN = "4111111111111111"
	req.Amount = decimal.NewFromInt(2000)
	req.STAN = stan
	req.RRN = "624514" + stan
	req.TerminalID = "ATM00001"
	req.AcquiringBank = "9990001"
	return req
}

func TestValidationDeclines(t *testing.T) {
	eng := newEngine(t, internalConfig())

	cases := []struct {
		name   string
		mutate func(*txn.Request)
		want   txn.ResponseCode
	}{
		{"luhn failure", func(r *txn.Request) { r.PAN = "4111111111111112" }, txn.CodeInvalidCard},
		{"missing pan", func(r *txn.Request) { r.PAN = "" }, txn.CodeInvalidCard},
		{"zero amount", func(r *txn.Request) { r.Amount = decimal.Zero }, txn.CodeInvalidAmount},
		{"negative amount", func(r *txn.Request) { r.Amount = decimal.NewFromInt(-5) }, txn.CodeInvalidAmount},
		{"short stan", func(r *txn.Request) { r.STAN = "123" }, txn.CodeFormatError},
		{"alpha stan", func(r *txn.Request) { r.STAN = "12A456" }, txn.CodeFormatError},
		{"missing terminal", func(r *txn.Request) { r.TerminalID = "" }, txn.CodeFormatError},
		{"expired card", func(r *txn.Request) { r.Expiry = "2001" }, txn.CodeExpiredCard},
		{"over withdrawal ceiling", func(r *txn.Request) { r.Amount = decimal.NewFromInt(150000) }, txn.CodeLimitExceeded},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest(fmt.Sprintf("9%05d", i))
			tc.mutate(req)

			pc := eng.Submit(context.Background(), req)
			require.Error(t, pc.Err)
			require.NotNil(t, pc.Response)
			assert.Equal(t, tc.want, pc.Response.Code)
		})
	}
}

func TestApprovedInternally(t *testing.T) {
	eng := newEngine(t, internalConfig())

	req := validRequest("910001")
	pc := eng.Submit(context.Background(), req)
	require.NoError(t, pc.Err)
	require.NotNil(t, pc.Response)
	assert.Equal(t, txn.CodeApproved, pc.Response.Code)
	assert.Equal(t, "I10001", pc.Response.AuthCode)

	rec, err := eng.Repository().FindByTrace(context.Background(), "910001", "624514910001")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusApproved, rec.Status)
	assert.Equal(t, "INTERNAL", rec.Destination)
}

func TestFutureExpiryAccepted(t *testing.T) {
	eng := newEngine(t, internalConfig())

	req := validRequest("910002")
	req.Expiry = "3012"
	pc := eng.Submit(context.Background(), req)
	require.NoError(t, pc.Err)
	assert.Equal(t, txn.CodeApproved, pc.Response.Code)
}

func TestMACAcceptedAndTamperRejected(t *testing.T) {
	cfg := internalConfig()
	cfg.Security.MAK = "0123456789abcdef0123456789abcdef"
	eng := newEngine(t, cfg)

	mak, err := hex.DecodeString(cfg.Security.MAK)
	require.NoError(t, err)

	seal := func(stan string) []byte {
		m := withdrawalMessage(t, eng.schema, stan)
		require.NoError(t, m.SetById(iso8583.FieldMAC, make([]byte, wireMACLength)))
		payload := encode(t, m)
		tag, err := mac.Calculate(mac.X919, mak, payload[:len(payload)-wireMACLength])
		require.NoError(t, err)
		copy(payload[len(payload)-wireMACLength:], tag[:wireMACLength])
		return payload
	}

	reply, err := eng.Handle(context.Background(), seal("920001"))
	require.NoError(t, err)
	rm, err := iso8583.Decode(eng.schema, reply)
	require.NoError(t, err)
	assert.Equal(t, "00", rm.StringById(iso8583.FieldResponseCode))

	tampered := seal("920002")
	tampered[len(tampered)-1] ^= 0xFF
	reply, err = eng.Handle(context.Background(), tampered)
	require.NoError(t, err)
	rm, err = iso8583.Decode(eng.schema, reply)
	require.NoError(t, err)
	assert.Equal(t, "96", rm.StringById(iso8583.FieldResponseCode))
}

func TestPINBlockTranslatedToZoneKey(t *testing.T) {
	eng := newEngine(t, internalConfig())

	pekID, err := eng.keys.CurrentID(keystore.PEK)
	require.NoError(t, err)
	zekID, err := eng.keys.CurrentID(keystore.ZEK)
	require.NoError(t, err)

	const pan = "4111111111111111"
	blk, err := eng.pins.Create("1234", pan, pinblock.Format0, pekID)
	require.NoError(t, err)
	underPEK := append([]byte(nil), blk.Data[:]...)

	req := validRequest("930001")
	req.PINBlock = append([]byte(nil), blk.Data[:]...)
	pc := eng.Submit(context.Background(), req)
	require.NoError(t, pc.Err)
	assert.Equal(t, txn.CodeApproved, pc.Response.Code)
	assert.NotEqual(t, underPEK, req.PINBlock, "block must be re-encrypted")

	out := &pinblock.Block{Format: pinblock.Format0, Encrypted: true, KeyID: zekID}
	copy(out.Data[:], req.PINBlock)
	pin, err := eng.pins.ExtractPIN(out, pan)
	require.NoError(t, err)
	assert.Equal(t, "1234", pin)
}

func TestMalformedPINBlockDeclined(t *testing.T) {
	eng := newEngine(t, internalConfig())

	req := validRequest("930002")
	req.PINBlock = []byte{0x01, 0x02, 0x03}
	pc := eng.Submit(context.Background(), req)
	require.Error(t, pc.Err)
	assert.Equal(t, txn.CodeInvalidPIN, pc.Response.Code)
}

func TestChannelReversalReleasesOriginal(t *testing.T) {
	eng := newEngine(t, internalConfig())
	ctx := context.Background()

	orig := validRequest("940001")
	pc := eng.Submit(ctx, orig)
	require.NoError(t, pc.Err)
	require.Equal(t, txn.CodeApproved, pc.Response.Code)

	rev := txn.NewRequest(txn.Reversal, txn.ChannelATM)
	rev.PAN = orig.PAN
	rev.Amount = orig.Amount
	rev.STAN = "940002"
	rev.RRN = orig.RRN
	rev.TerminalID = orig.TerminalID
	rev.AcquiringBank = orig.AcquiringBank
	rev.Original = &txn.OriginalRef{
		MTI:        iso8583.MTIFinancialRequest,
		STAN:       orig.STAN,
		RRN:        orig.RRN,
		TerminalID: orig.TerminalID,
		Amount:     orig.Amount,
		SentAt:     orig.ReceivedAt,
	}

	pc = eng.Submit(ctx, rev)
	require.NoError(t, pc.Err)
	assert.Equal(t, txn.CodeApproved, pc.Response.Code)
	assert.Equal(t, processor.ReversalConfirmed, pc.Response.Extra[processor.ExtraReversal])

	rec, err := eng.Repository().FindByTrace(ctx, orig.STAN, orig.RRN)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusReversed, rec.Status)

	// A second reversal of the same original answers idempotently.
	again := txn.NewRequest(txn.Reversal, txn.ChannelATM)
	again.PAN = rev.PAN
	again.Amount = rev.Amount
	again.STAN = "940003"
	again.RRN = rev.RRN
	again.TerminalID = rev.TerminalID
	again.AcquiringBank = rev.AcquiringBank
	again.Original = rev.Original
	pc = eng.Submit(ctx, again)
	require.NoError(t, pc.Err)
	assert.Equal(t, txn.CodeDuplicate, pc.Response.Code)
}

func TestReversalWithoutOriginalDeclined(t *testing.T) {
	eng := newEngine(t, internalConfig())

	rev := txn.NewRequest(txn.Reversal, txn.ChannelATM)
	rev.Amount = decimal.NewFromInt(2000)
	rev.STAN = "950001"
	rev.RRN = "624514950001"
	rev.TerminalID = "ATM00001"
	rev.AcquiringBank = "9990001"
	rev.Original = &txn.OriginalRef{
		STAN:       "999999",
		RRN:        "624514999999",
		TerminalID: "ATM00001",
		Amount:     decimal.NewFromInt(2000),
	}

	pc := eng.Submit(context.Background(), rev)
	require.Error(t, pc.Err)
	assert.Equal(t, txn.CodeInvalidTxn, pc.Response.Code)
}
