package fisc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linhsiu/gofepd/internal/iso8583"
)

// fakeSwitch is a loopback stand-in for the interbank host. It reads
// requests from the first accepted socket of each pair and writes
// responses to the second, mirroring the dual-line arrangement.
type fakeSwitch struct {
	t      *testing.T
	ln     net.Listener
	schema *iso8583.Schema

	mu       sync.Mutex
	respConn *Conn
	muteEcho bool
	swallow  map[string]bool
	delay    time.Duration

	// seen collects responses observed on the request socket, i.e.
	// messages the channel originated on its own.
	seen chan *iso8583.Message
}

func newFakeSwitch(t *testing.T, single bool) *fakeSwitch {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeSwitch{
		t:       t,
		ln:      ln,
		schema:  iso8583.NewFISCSchema(),
		swallow: make(map[string]bool),
		seen:    make(chan *iso8583.Message, 16),
	}
	go f.acceptLoop(single)
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeSwitch) addr() string { return f.ln.Addr().String() }

func (f *fakeSwitch) acceptLoop(single bool) {
	for {
		c1, err := f.ln.Accept()
		if err != nil {
			return
		}
		if single {
			f.setRespConn(newConn(c1, RoleReceive, 0, time.Second))
			go f.serve(c1, c1)
			continue
		}
		c2, err := f.ln.Accept()
		if err != nil {
			_ = c1.Close()
			return
		}
		f.setRespConn(newConn(c2, RoleReceive, 0, time.Second))
		go f.serve(c1, c2)
	}
}

func (f *fakeSwitch) setRespConn(c *Conn) {
	f.mu.Lock()
	f.respConn = c
	f.mu.Unlock()
}

func (f *fakeSwitch) serve(reqRaw, respRaw net.Conn) {
	req := newConn(reqRaw, RoleSend, 0, time.Second)
	defer func() {
		_ = reqRaw.Close()
		if respRaw != reqRaw {
			_ = respRaw.Close()
		}
	}()
	for {
		payload, err := req.ReadFrame()
		if err != nil {
			return
		}
		msg, err := iso8583.Decode(f.schema, payload)
		if err != nil {
			continue
		}
		if !iso8583.IsRequestMTI(msg.MTI()) {
			select {
			case f.seen <- msg:
			default:
			}
			continue
		}
		if f.skip(msg) {
			continue
		}
		if d := f.getDelay(); d > 0 {
			time.Sleep(d)
		}
		f.write(f.respond(msg))
	}
}

func (f *fakeSwitch) skip(msg *iso8583.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.swallow[msg.MTI()] {
		return true
	}
	if f.muteEcho && msg.StringById(iso8583.FieldNetworkInfo) == iso8583.NetEcho {
		return true
	}
	return false
}

func (f *fakeSwitch) getDelay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delay
}

func (f *fakeSwitch) setDelay(d time.Duration) {
	f.mu.Lock()
	f.delay = d
	f.mu.Unlock()
}

func (f *fakeSwitch) setMuteEcho(v bool) {
	f.mu.Lock()
	f.muteEcho = v
	f.mu.Unlock()
}

func (f *fakeSwitch) swallowMTI(mti string) {
	f.mu.Lock()
	f.swallow[mti] = true
	f.mu.Unlock()
}

func (f *fakeSwitch) respond(req *iso8583.Message) *iso8583.Message {
	resp := iso8583.NewMessage(f.schema)
	_ = resp.SetMTI(iso8583.ResponseMTI(req.MTI()))
	for _, id := range []string{
		iso8583.FieldTransmission, iso8583.FieldSTAN, iso8583.FieldTerminalID,
		iso8583.FieldRRN, iso8583.FieldNetworkInfo,
	} {
		if v := req.StringById(id); v != "" {
			_ = resp.SetById(id, v)
		}
	}
	if req.MTI() == iso8583.MTIFinancialRequest {
		_ = resp.SetById(iso8583.FieldAuthCode, "654321")
	}
	_ = resp.SetById(iso8583.FieldResponseCode, "00")
	return resp
}

// write pushes a message to the channel's receive socket.
func (f *fakeSwitch) write(msg *iso8583.Message) {
	payload, err := iso8583.Encode(msg)
	require.NoError(f.t, err)
	f.mu.Lock()
	conn := f.respConn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteFrame(payload)
}

func testConfig(f *fakeSwitch) Config {
	return Config{
		ID:                "fisc-test",
		Institution:       "00000001",
		SendPrimary:       f.addr(),
		RecvPrimary:       f.addr(),
		ConnectTimeout:    time.Second,
		RequestTimeout:    2 * time.Second,
		WriteTimeout:      time.Second,
		HeartbeatInterval: time.Hour,
		Retry: RetryPolicy{
			MaxRetries:        3,
			InitialDelay:      20 * time.Millisecond,
			MaxDelay:          50 * time.Millisecond,
			BackoffMultiplier: 1.5,
		},
	}
}

func financialRequest(t *testing.T, schema *iso8583.Schema, stan string) *iso8583.Message {
	t.Helper()
	m := iso8583.NewMessage(schema)
	require.NoError(t, m.SetMTI(iso8583.MTIFinancialRequest))
	require.NoError(t, m.SetById(iso8583.FieldPAN, "4111111111111111"))
	require.NoError(t, m.SetById(iso8583.FieldProcessingCode, "000000"))
	require.NoError(t, m.SetById(iso8583.FieldAmount, "000000050000"))
	require.NoError(t, m.SetById(iso8583.FieldSTAN, stan))
	require.NoError(t, m.SetById(iso8583.FieldRRN, "624514"+stan))
	require.NoError(t, m.SetById(iso8583.FieldTerminalID, "ATM00001"))
	require.NoError(t, m.SetById(iso8583.FieldCurrency, "901"))
	return m
}

func startChannel(t *testing.T, f *fakeSwitch, cfg Config) *Channel {
	t.Helper()
	ch, err := NewChannel(cfg, f.schema, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ch.Close(ctx)
	})
	return ch
}

func TestChannelConnectSignOnAndSend(t *testing.T) {
	f := newFakeSwitch(t, false)
	ch := startChannel(t, f, testConfig(f))

	assert.Equal(t, StateSignedOn, ch.State())

	resp, err := ch.Send(context.Background(), financialRequest(t, f.schema, "000123"))
	require.NoError(t, err)
	assert.Equal(t, iso8583.MTIFinancialResponse, resp.MTI())
	assert.Equal(t, "00", resp.StringById(iso8583.FieldResponseCode))
	assert.Equal(t, "000123", resp.StringById(iso8583.FieldSTAN))
	assert.Equal(t, "654321", resp.StringById(iso8583.FieldAuthCode))

	st := ch.Stats()
	assert.GreaterOrEqual(t, st.Sent, uint64(2)) // sign-on plus the financial
	assert.Equal(t, st.Sent, st.Matched)
	assert.Zero(t, st.Timeouts)
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	f := newFakeSwitch(t, false)
	ch := startChannel(t, f, testConfig(f))

	require.NoError(t, ch.Close(context.Background()))
	assert.Equal(t, StateClosed, ch.State())
	require.NoError(t, ch.Close(context.Background()))

	_, err := ch.Send(context.Background(), financialRequest(t, f.schema, "000200"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelSendBeforeConnect(t *testing.T) {
	f := newFakeSwitch(t, false)
	ch, err := NewChannel(testConfig(f), f.schema, zerolog.Nop())
	require.NoError(t, err)

	_, err = ch.Send(context.Background(), financialRequest(t, f.schema, "000001"))
	assert.ErrorIs(t, err, ErrNotOperational)
}

func TestChannelSendTimeoutSynthesizesNoResponse(t *testing.T) {
	f := newFakeSwitch(t, false)
	f.swallowMTI(iso8583.MTIFinancialRequest)
	ch := startChannel(t, f, testConfig(f))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := ch.Send(ctx, financialRequest(t, f.schema, "000777"))
	require.ErrorIs(t, err, ErrNoResponse)

	assert.Equal(t, uint64(1), ch.Stats().Timeouts)
	assert.Zero(t, ch.InFlight(), "timed-out entry must be removed")
}

func TestChannelRejectsDuplicateSTANInFlight(t *testing.T) {
	f := newFakeSwitch(t, false)
	f.setDelay(300 * time.Millisecond)
	ch := startChannel(t, f, testConfig(f))

	first := make(chan error, 1)
	go func() {
		_, err := ch.Send(context.Background(), financialRequest(t, f.schema, "000042"))
		first <- err
	}()

	require.Eventually(t, func() bool { return ch.InFlight() == 1 }, time.Second, 10*time.Millisecond)

	_, err := ch.Send(context.Background(), financialRequest(t, f.schema, "000042"))
	assert.ErrorIs(t, err, ErrDuplicateSTAN)

	require.NoError(t, <-first)
}

func TestChannelDropsUnmatchedResponse(t *testing.T) {
	f := newFakeSwitch(t, false)
	ch := startChannel(t, f, testConfig(f))

	stray := iso8583.NewMessage(f.schema)
	require.NoError(t, stray.SetMTI(iso8583.MTIFinancialResponse))
	require.NoError(t, stray.SetById(iso8583.FieldSTAN, "999999"))
	require.NoError(t, stray.SetById(iso8583.FieldTerminalID, "NOBODY00"))
	require.NoError(t, stray.SetById(iso8583.FieldResponseCode, "00"))
	f.write(stray)

	require.Eventually(t, func() bool {
		return ch.Stats().Dropped >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannelAnswersSwitchEcho(t *testing.T) {
	f := newFakeSwitch(t, false)
	_ = startChannel(t, f, testConfig(f))

	probe := iso8583.NewMessage(f.schema)
	require.NoError(t, probe.SetMTI(iso8583.MTINetworkRequest))
	require.NoError(t, probe.SetById(iso8583.FieldSTAN, "000555"))
	require.NoError(t, probe.SetById(iso8583.FieldNetworkInfo, iso8583.NetEcho))
	f.write(probe)

	select {
	case reply := <-f.seen:
		assert.Equal(t, iso8583.MTINetworkResponse, reply.MTI())
		assert.Equal(t, "000555", reply.StringById(iso8583.FieldSTAN))
		assert.Equal(t, iso8583.NetEcho, reply.StringById(iso8583.FieldNetworkInfo))
		assert.Equal(t, "00", reply.StringById(iso8583.FieldResponseCode))
	case <-time.After(2 * time.Second):
		t.Fatal("no echo reply observed on the send socket")
	}
}

func TestChannelReconnectsAfterMissedHeartbeats(t *testing.T) {
	f := newFakeSwitch(t, false)
	cfg := testConfig(f)
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.MaxMissedHeartbeats = 2
	cfg.Retry = RetryPolicy{InitialDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffMultiplier: 1.5}
	ch := startChannel(t, f, cfg)

	f.setMuteEcho(true)
	require.Eventually(t, func() bool {
		return ch.Stats().HeartbeatsMissed >= uint64(cfg.MaxMissedHeartbeats)
	}, 5*time.Second, 10*time.Millisecond)
	f.setMuteEcho(false)

	require.Eventually(t, func() bool {
		return ch.State() == StateSignedOn && ch.Stats().Reconnects >= 1
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := ch.Send(context.Background(), financialRequest(t, f.schema, "000321"))
	require.NoError(t, err)
	assert.Equal(t, "00", resp.StringById(iso8583.FieldResponseCode))
}

func TestChannelSingleSocketMode(t *testing.T) {
	f := newFakeSwitch(t, true)
	cfg := testConfig(f)
	cfg.SingleSocket = true
	cfg.RecvPrimary = ""
	ch := startChannel(t, f, cfg)

	resp, err := ch.Send(context.Background(), financialRequest(t, f.schema, "000900"))
	require.NoError(t, err)
	assert.Equal(t, "00", resp.StringById(iso8583.FieldResponseCode))
}

func TestRegistry(t *testing.T) {
	f := newFakeSwitch(t, false)
	reg := NewRegistry()

	live := startChannel(t, f, testConfig(f))
	require.NoError(t, reg.Register(live))

	coldCfg := testConfig(f)
	coldCfg.ID = "fisc-cold"
	cold, err := NewChannel(coldCfg, f.schema, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.Register(cold))

	assert.Error(t, reg.Register(live), "duplicate id must be rejected")

	got, ok := reg.Get("fisc-test")
	require.True(t, ok)
	assert.Same(t, live, got)

	// Only the operational channel is eligible.
	for i := 0; i < 3; i++ {
		picked, err := reg.ForInstitution("00000001")
		require.NoError(t, err)
		assert.Same(t, live, picked)
	}

	_, err = reg.ForInstitution("99999999")
	assert.Error(t, err)

	status := reg.Status()
	require.Len(t, status, 2)
	assert.Equal(t, []string{"fisc-cold", "fisc-test"}, []string{status[0].ID, status[1].ID})
}
