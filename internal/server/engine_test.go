package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/batch"
	"github.com/linhsiu/gofepd/internal/config"
	"github.com/linhsiu/gofepd/internal/fisc"
	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/txn"
)

// fakeHost is a loopback stand-in for the interbank switch: one framed
// socket per session, sign-on and echo answered inline, financial
// traffic approved unless told to stay silent for an MTI.
type fakeHost struct {
	t      *testing.T
	ln     net.Listener
	schema *iso8583.Schema

	mu     sync.Mutex
	silent map[string]bool

	financials atomic.Int32
	reversals  atomic.Int32
}

func newFakeHost(t *testing.T) *fakeHost {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeHost{t: t, ln: ln, schema: iso8583.NewFISCSchema(), silent: make(map[string]bool)}
	go f.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeHost) addr() string { return f.ln.Addr().String() }

func (f *fakeHost) mute(mti string) {
	f.mu.Lock()
	f.silent[mti] = true
	f.mu.Unlock()
}

func (f *fakeHost) muted(mti string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silent[mti]
}

func (f *fakeHost) acceptLoop() {
	for {
		raw, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(raw)
	}
}

func (f *fakeHost) serve(raw net.Conn) {
	defer raw.Close()
	conn := fisc.NewFramedConn(raw, 0, time.Second)
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			return
		}
		msg, err := iso8583.Decode(f.schema, payload)
		if err != nil {
			continue
		}
		switch msg.MTI() {
		case iso8583.MTIFinancialRequest:
			f.financials.Add(1)
		case iso8583.MTIReversalRequest, iso8583.MTIReversalAdvice:
			f.reversals.Add(1)
		}
		if f.muted(msg.MTI()) {
			continue
		}

		resp := iso8583.NewMessage(f.schema)
		_ = resp.SetMTI(iso8583.ResponseMTI(msg.MTI()))
		for _, id := range []string{
			iso8583.FieldTransmission, iso8583.FieldSTAN, iso8583.FieldTerminalID,
			iso8583.FieldRRN, iso8583.FieldNetworkInfo,
		} {
			if v := msg.StringById(id); v != "" {
				_ = resp.SetById(id, v)
			}
		}
		if msg.MTI() == iso8583.MTIFinancialRequest {
			_ = resp.SetById(iso8583.FieldAuthCode, "654321")
		}
		_ = resp.SetById(iso8583.FieldResponseCode, "00")

		out, err := iso8583.Encode(resp)
		require.NoError(f.t, err)
		_ = conn.WriteFrame(out)
	}
}

// gatewayConfig wires a single single-socket link to the fake host and
// keeps every timeout short enough for the timeout scenarios.
func gatewayConfig(hostAddr string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ReadTimeoutMs = 10000
	cfg.Server.WriteTimeoutMs = 2000
	cfg.Connection.AutoConnect = true
	cfg.Connection.AutoSignOn = true
	cfg.Connection.GracefulShutdownTimeoutMs = 1000
	cfg.Channels = map[string]config.ChannelConfig{
		"fisc1": {
			ID:                  "fisc1",
			Institution:         "9990001",
			SendPrimary:         hostAddr,
			SingleSocket:        true,
			ConnectTimeoutMs:    1000,
			RequestTimeoutMs:    300,
			WriteTimeoutMs:      1000,
			HeartbeatIntervalMs: 3600000,
		},
	}
	cfg.Dedup.RetentionWindow = time.Hour
	cfg.Dedup.ReversalWindow = time.Hour
	cfg.Security.GenerateMissing = true
	cfg.Storage.Backend = "memory"
	cfg.Router.DefaultDestination = "FISC_INTERBANK"
	cfg.Router.TimeoutMs = 600
	cfg.CoreAPI.Endpoint = "127.0.0.1:50061"
	cfg.CoreAPI.Method = "/fep.CoreBanking/Execute"
	cfg.CoreAPI.TimeoutMs = 200
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Log("engine did not stop in time")
		}
		_ = eng.Close()
	})

	waitFor(t, 2*time.Second, func() bool { return eng.Addr() != "" })
	return eng
}

func waitFor(t *testing.T, limit time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func waitSignedOn(t *testing.T, eng *Engine) {
	t.Helper()
	waitFor(t, 3*time.Second, func() bool {
		for _, st := range eng.Links().Status() {
			if st.State == "SIGNED_ON" {
				return true
			}
		}
		return false
	})
}

func dialTerminal(t *testing.T, eng *Engine) *fisc.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", eng.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return fisc.NewFramedConn(raw, 8*time.Second, 2*time.Second)
}

func sendFrame(t *testing.T, term *fisc.Conn, schema *iso8583.Schema, payload []byte) *iso8583.Message {
	t.Helper()
	require.NoError(t, term.WriteFrame(payload))
	reply, err := term.ReadFrame()
	require.NoError(t, err)
	rm, err := iso8583.Decode(schema, reply)
	require.NoError(t, err)
	return rm
}

func withdrawalMessage(t *testing.T, schema *iso8583.Schema, stan string) *iso8583.Message {
	t.Helper()
	m := iso8583.NewMessage(schema)
	require.NoError(t, m.SetMTI(iso8583.MTIFinancialRequest))
	require.NoError(t, m.SetById(iso8583.FieldPAN, "4111111111111111"))
	require.NoError(t, m.SetById(iso8583.FieldProcessingCode, "011000"))
	require.NoError(t, m.SetById(iso8583.FieldAmount, "000000300000"))
	require.NoError(t, m.SetById(iso8583.FieldTransmission, time.Now().Format("0102150405")))
	require.NoError(t, m.SetById(iso8583.FieldSTAN, stan))
	require.NoError(t, m.SetById(iso8583.FieldRRN, "624514"+stan))
	require.NoError(t, m.SetById(iso8583.FieldAcquiringInst, "9990001"))
	require.NoError(t, m.SetById(iso8583.FieldTrack2, "4111111111111111=29121011000012345678"))
	require.NoError(t, m.SetById(iso8583.FieldTerminalID, "ATM00001"))
	require.NoError(t, m.SetById(iso8583.FieldCurrency, "901"))
	return m
}

func encode(t *testing.T, m *iso8583.Message) []byte {
	t.Helper()
	payload, err := iso8583.Encode(m)
	require.NoError(t, err)
	return payload
}

func TestWithdrawalRoundTrip(t *testing.T) {
	host := newFakeHost(t)
	eng := startEngine(t, gatewayConfig(host.addr()))
	waitSignedOn(t, eng)

	term := dialTerminal(t, eng)
	reply := sendFrame(t, term, eng.schema, encode(t, withdrawalMessage(t, eng.schema, "000101")))

	assert.Equal(t, iso8583.MTIFinancialResponse, reply.MTI())
	assert.Equal(t, "00", reply.StringById(iso8583.FieldResponseCode))
	assert.Equal(t, "654321", reply.StringById(iso8583.FieldAuthCode))
	assert.Equal(t, "000101", reply.StringById(iso8583.FieldSTAN))
	assert.Equal(t, "624514000101", reply.StringById(iso8583.FieldRRN))
	assert.False(t, reply.Has(35), "track2 must not echo")
	assert.False(t, reply.Has(52), "pin block must not echo")

	rec, err := eng.Repository().FindByTrace(context.Background(), "000101", "624514000101")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusApproved, rec.Status)
	assert.Equal(t, "654321", rec.AuthCode)
	assert.NotContains(t, rec.MaskedPAN, "111111111")
	assert.Equal(t, int32(1), host.financials.Load())
}

func TestDuplicateReplayedWithoutSecondDispatch(t *testing.T) {
	host := newFakeHost(t)
	eng := startEngine(t, gatewayConfig(host.addr()))
	waitSignedOn(t, eng)

	term := dialTerminal(t, eng)
	payload := encode(t, withdrawalMessage(t, eng.schema, "000202"))

	first := sendFrame(t, term, eng.schema, payload)
	second := sendFrame(t, term, eng.schema, payload)

	assert.Equal(t, "00", first.StringById(iso8583.FieldResponseCode))
	assert.Equal(t, "00", second.StringById(iso8583.FieldResponseCode))
	assert.Equal(t, first.StringById(iso8583.FieldAuthCode), second.StringById(iso8583.FieldAuthCode))
	assert.Equal(t, int32(1), host.financials.Load(), "duplicate must not dispatch upstream again")
}

func TestTimeoutReversesAndDeclines(t *testing.T) {
	host := newFakeHost(t)
	host.mute(iso8583.MTIFinancialRequest)
	eng := startEngine(t, gatewayConfig(host.addr()))
	waitSignedOn(t, eng)

	term := dialTerminal(t, eng)
	payload := encode(t, withdrawalMessage(t, eng.schema, "000303"))

	reply := sendFrame(t, term, eng.schema, payload)
	assert.Equal(t, iso8583.MTIFinancialResponse, reply.MTI())
	assert.Equal(t, "91", reply.StringById(iso8583.FieldResponseCode))
	assert.GreaterOrEqual(t, host.financials.Load(), int32(2), "silent host earns retries")
	assert.Equal(t, int32(1), host.reversals.Load(), "exhausted timeouts must reverse")

	rec, err := eng.Repository().FindByTrace(context.Background(), "000303", "624514000303")
	require.NoError(t, err)
	assert.Equal(t, txn.StatusReversed, rec.Status)

	// The outcome upstream stays unknown, so a replay of the same frame
	// is declined rather than answered from cache.
	replay := sendFrame(t, term, eng.schema, payload)
	assert.Equal(t, "94", replay.StringById(iso8583.FieldResponseCode))
}

func TestNetworkEchoAnsweredInline(t *testing.T) {
	host := newFakeHost(t)
	eng := startEngine(t, gatewayConfig(host.addr()))
	waitSignedOn(t, eng)

	m := iso8583.NewMessage(eng.schema)
	require.NoError(t, m.SetMTI(iso8583.MTINetworkRequest))
	require.NoError(t, m.SetById(iso8583.FieldTransmission, time.Now().Format("0102150405")))
	require.NoError(t, m.SetById(iso8583.FieldSTAN, "000404"))
	require.NoError(t, m.SetById(iso8583.FieldNetworkInfo, iso8583.NetEcho))

	term := dialTerminal(t, eng)
	before := host.financials.Load()
	reply := sendFrame(t, term, eng.schema, encode(t, m))

	assert.Equal(t, iso8583.MTINetworkResponse, reply.MTI())
	assert.Equal(t, "00", reply.StringById(iso8583.FieldResponseCode))
	assert.Equal(t, iso8583.NetEcho, reply.StringById(iso8583.FieldNetworkInfo))
	assert.Equal(t, "000404", reply.StringById(iso8583.FieldSTAN))
	assert.Equal(t, before, host.financials.Load())
}

func TestBalanceInquiryRoutedInternally(t *testing.T) {
	host := newFakeHost(t)
	cfg := gatewayConfig(host.addr())
	cfg.Router.Rules = []config.RuleConfig{{
		Name:        "inquiries-on-us",
		Priority:    10,
		Types:       []string{"BALANCE_INQUIRY"},
		Destination: "INTERNAL",
		TimeoutMs:   200,
	}}
	eng := startEngine(t, cfg)
	waitSignedOn(t, eng)

	m := iso8583.NewMessage(eng.schema)
	require.NoError(t, m.SetMTI(iso8583.MTIAuthRequest))
	require.NoError(t, m.SetById(iso8583.FieldPAN, "4111111111111111"))
	require.NoError(t, m.SetById(iso8583.FieldProcessingCode, "311000"))
	require.NoError(t, m.SetById(iso8583.FieldTransmission, time.Now().Format("0102150405")))
	require.NoError(t, m.SetById(iso8583.FieldSTAN, "000505"))
	require.NoError(t, m.SetById(iso8583.FieldRRN, "624514000505"))
	require.NoError(t, m.SetById(iso8583.FieldAcquiringInst, "9990001"))
	require.NoError(t, m.SetById(iso8583.FieldTerminalID, "ATM00001"))

	term := dialTerminal(t, eng)
	reply := sendFrame(t, term, eng.schema, encode(t, m))

	assert.Equal(t, iso8583.MTIAuthResponse, reply.MTI())
	assert.Equal(t, "00", reply.StringById(iso8583.FieldResponseCode))
	assert.Zero(t, host.financials.Load(), "on-us inquiry must not reach the switch")
}

func TestBatchRunsThroughPipeline(t *testing.T) {
	host := newFakeHost(t)
	eng := startEngine(t, gatewayConfig(host.addr()))
	waitSignedOn(t, eng)

	reqs := make([]*txn.Request, 0, 3)
	for i, stan := range []string{"000601", "000602", "000603"} {
		req := txn.NewRequest(txn.Withdrawal, txn.ChannelATM)
		req.PAN = "4111111111111111"
		req.Amount = decimal.NewFromInt(int64(1000 * (i + 1)))
		req.STAN = stan
		req.RRN = "624514" + stan
		req.TerminalID = "ATM00001"
		req.AcquiringBank = "9990001"
		reqs = append(reqs, req)
	}

	res, err := eng.SubmitBatch(context.Background(), &batch.Request{
		ID:           "B-0601",
		Type:         txn.Withdrawal,
		Transactions: reqs,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int32(3), host.financials.Load())
}
