package fisc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/iso8583"
)

const approvalCode = "00"

// Channel is one logical link to the switch over two TCP sockets: all
// requests leave on the send socket, all responses arrive on the
// receive socket. A single reader goroutine drains the receive socket
// and completes pending entries by correlation key; writers serialize
// on a send lock. In single-socket mode both roles share one socket.
type Channel struct {
	cfg     Config
	schema  *iso8583.Schema
	log     zerolog.Logger
	metrics Metrics
	table   *pendingTable

	mu           sync.Mutex
	state        State
	sendConn     *Conn
	recvConn     *Conn
	sendUp       bool
	sendGate     chan struct{}
	reconnecting bool

	// writeMu serializes frames on the send path so interleaved
	// requests cannot corrupt the stream.
	writeMu sync.Mutex

	stan atomic.Uint32

	startOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewChannel builds a channel from its configuration. The channel is
// inert until Connect.
func NewChannel(cfg Config, schema *iso8583.Schema, log zerolog.Logger) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := &Channel{
		cfg:      cfg.withDefaults(),
		schema:   schema,
		log:      log.With().Str("component", "fisc").Str("channel", cfg.ID).Logger(),
		table:    newPendingTable(),
		state:    StateDisconnected,
		sendGate: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	ch.stan.Store(uint32(time.Now().UnixNano() % 1000000))
	return ch, nil
}

// ID names the channel in the registry and in logs.
func (ch *Channel) ID() string { return ch.cfg.ID }

// Institution returns the institution code the channel serves.
func (ch *Channel) Institution() string { return ch.cfg.Institution }

// State returns the current lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Stats returns a snapshot of the channel counters.
func (ch *Channel) Stats() MetricsSnapshot { return ch.metrics.Snapshot() }

// InFlight reports the number of requests awaiting a response.
func (ch *Channel) InFlight() int { return ch.table.size() }

// Connect establishes both sockets, signs on and starts the heartbeat.
// Primary hosts are tried first, backups on dial failure. Blocks up to
// a connect timeout per socket plus the sign-on round trip.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.state {
	case StateClosing, StateClosed:
		ch.mu.Unlock()
		return ErrClosed
	case StateDisconnected, StateFailed:
	default:
		ch.mu.Unlock()
		return ErrAlreadyConnected
	}
	ch.mu.Unlock()

	start := time.Now()
	if err := ch.establish(ctx); err != nil {
		ch.setState(StateDisconnected)
		return err
	}
	ch.log.Info().Dur("took", time.Since(start)).Msg("connected and signed on")

	ch.startOnce.Do(func() {
		ch.wg.Add(1)
		go ch.heartbeatLoop()
	})
	return nil
}

// establish dials both sockets, starts the reader and signs on. Used
// by Connect and by the reconnect loop.
func (ch *Channel) establish(ctx context.Context) error {
	ch.setState(StateConnecting)
	opts := ch.cfg.dialOptions()

	sc, err := dial(ctx, RoleSend, ch.cfg.SendPrimary, ch.cfg.SendBackup, opts, 0, ch.cfg.WriteTimeout)
	if err != nil {
		return err
	}
	sc.bytesIn = &ch.metrics.bytesIn
	sc.bytesOut = &ch.metrics.bytesOut
	ch.setState(StateSendOnly)

	rc := sc
	if ch.cfg.SingleSocket {
		sc.readTO = ch.cfg.IdleTimeout
	} else {
		rc, err = dial(ctx, RoleReceive, ch.cfg.RecvPrimary, ch.cfg.RecvBackup, opts, ch.cfg.IdleTimeout, ch.cfg.WriteTimeout)
		if err != nil {
			sc.Close()
			return err
		}
		rc.bytesIn = &ch.metrics.bytesIn
		rc.bytesOut = &ch.metrics.bytesOut
	}
	ch.setState(StateBothConnected)

	ch.mu.Lock()
	if ch.state == StateClosing || ch.state == StateClosed {
		ch.mu.Unlock()
		sc.Close()
		if rc != sc {
			rc.Close()
		}
		return ErrClosed
	}
	ch.sendConn, ch.recvConn = sc, rc
	ch.allowSendsLocked()
	ch.mu.Unlock()

	ch.wg.Add(1)
	go ch.readLoop(rc)

	if !ch.cfg.SkipSignOn {
		if err := ch.signOn(ctx); err != nil {
			ch.mu.Lock()
			if ch.sendConn == sc {
				ch.sendConn = nil
			}
			if ch.recvConn == rc {
				ch.recvConn = nil
			}
			ch.blockSendsLocked()
			ch.mu.Unlock()
			sc.interruptRead()
			sc.Close()
			if rc != sc {
				rc.interruptRead()
				rc.Close()
			}
			return err
		}
	}
	ch.setState(StateSignedOn)
	return nil
}

// Send writes a request and blocks until its correlated response
// arrives, the deadline expires or the connection fails. Without a
// context deadline the configured request timeout applies. Timeouts
// surface as ErrNoResponse, which upstream maps to the ND code.
func (ch *Channel) Send(ctx context.Context, msg *iso8583.Message) (*iso8583.Message, error) {
	if _, err := ch.awaitSendPath(ctx); err != nil {
		return nil, err
	}
	return ch.exchange(ctx, msg)
}

// awaitSendPath blocks until the channel can carry a request. Under
// FAIL_WHEN_BOTH_DOWN a lost send socket queues callers here until the
// socket is restored; every other non-operational state fails fast.
func (ch *Channel) awaitSendPath(ctx context.Context) (*Conn, error) {
	for {
		ch.mu.Lock()
		st := ch.state
		conn := ch.sendConn
		gate := ch.sendGate
		ch.mu.Unlock()

		switch {
		case st == StateClosing || st == StateClosed:
			return nil, ErrClosed
		case st == StateSignedOn && conn != nil:
			return conn, nil
		case st == StateSignedOn && ch.cfg.Strategy == FailWhenBothDown:
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch.closed:
				return nil, ErrClosed
			}
		default:
			return nil, fmt.Errorf("%w: state %s", ErrNotOperational, st)
		}
	}
}

// exchange runs one request/response round trip with no state gating.
// The sign-on handshake uses it before the channel is operational.
func (ch *Channel) exchange(ctx context.Context, msg *iso8583.Message) (*iso8583.Message, error) {
	if msg.StringById(iso8583.FieldSTAN) == "" {
		return nil, ErrMissingCorrelation
	}
	payload, err := iso8583.Encode(msg)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ch.cfg.RequestTimeout)
		defer cancel()
	}

	// Register before the write so a fast response cannot race the
	// table entry.
	key := messageKey(msg)
	p, err := ch.table.register(key)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	conn := ch.sendConn
	ch.mu.Unlock()
	if conn == nil {
		ch.table.cancel(key)
		return nil, ErrSendUnavailable
	}

	ch.writeMu.Lock()
	err = conn.WriteFrame(payload)
	ch.writeMu.Unlock()
	if err != nil {
		ch.table.cancel(key)
		ch.socketDown(RoleSend, conn, err)
		return nil, err
	}
	ch.metrics.sent.Add(1)

	select {
	case r := <-p.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.resp, nil
	case <-ctx.Done():
		ch.table.cancel(key)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			ch.metrics.timeouts.Add(1)
			return nil, fmt.Errorf("request %s: %w", key, ErrNoResponse)
		}
		return nil, ctx.Err()
	case <-ch.closed:
		ch.table.cancel(key)
		return nil, ErrClosed
	}
}

// readLoop drains one socket, completing pending entries and answering
// network-management requests from the switch. It exits when the
// socket dies or the channel closes.
func (ch *Channel) readLoop(conn *Conn) {
	defer ch.wg.Done()
	for {
		payload, err := conn.ReadFrame()
		if err != nil {
			if ch.isShutdown() {
				return
			}
			ch.socketDown(RoleReceive, conn, err)
			return
		}
		msg, derr := iso8583.Decode(ch.schema, payload)
		if derr != nil {
			ch.metrics.dropped.Add(1)
			ch.log.Error().Err(derr).Int("bytes", len(payload)).Msg("undecodable frame dropped")
			continue
		}
		ch.dispatch(msg)
	}
}

func (ch *Channel) dispatch(msg *iso8583.Message) {
	if iso8583.IsRequestMTI(msg.MTI()) {
		ch.answerNetworkRequest(msg)
		return
	}
	key := messageKey(msg)
	if ch.table.complete(key, msg) {
		ch.metrics.matched.Add(1)
		return
	}
	// Late or duplicate reply. There is nobody left to give it to.
	ch.metrics.dropped.Add(1)
	ch.log.Warn().Str("mti", msg.MTI()).Str("key", key).Msg("unmatched response dropped")
}

// answerNetworkRequest replies in place to switch-originated echo
// tests. Any other inbound request is outside the acquirer contract
// and is dropped.
func (ch *Channel) answerNetworkRequest(req *iso8583.Message) {
	if req.MTI() != iso8583.MTINetworkRequest {
		ch.metrics.dropped.Add(1)
		ch.log.Warn().Str("mti", req.MTI()).Msg("unsolicited request dropped")
		return
	}
	resp := iso8583.NewMessage(ch.schema)
	_ = resp.SetMTI(iso8583.ResponseMTI(req.MTI()))
	for _, id := range []string{iso8583.FieldTransmission, iso8583.FieldSTAN, iso8583.FieldNetworkInfo} {
		if v := req.StringById(id); v != "" {
			_ = resp.SetById(id, v)
		}
	}
	_ = resp.SetById(iso8583.FieldResponseCode, approvalCode)
	if err := ch.writeMessage(resp); err != nil {
		ch.log.Warn().Err(err).Msg("echo reply failed")
	}
}

// writeMessage pushes a fire-and-forget message down the send path.
func (ch *Channel) writeMessage(msg *iso8583.Message) error {
	payload, err := iso8583.Encode(msg)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	conn := ch.sendConn
	ch.mu.Unlock()
	if conn == nil {
		return ErrSendUnavailable
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return conn.WriteFrame(payload)
}

// signOn runs the 0800/001 handshake.
func (ch *Channel) signOn(ctx context.Context) error {
	resp, err := ch.exchange(ctx, ch.networkMessage(iso8583.NetSignOn))
	if err != nil {
		return fmt.Errorf("sign-on: %w", err)
	}
	if code := resp.StringById(iso8583.FieldResponseCode); code != approvalCode {
		return fmt.Errorf("%w: response code %q", ErrSignOnDeclined, code)
	}
	ch.log.Info().Msg("signed on")
	return nil
}

// signOff tells the switch the session is ending. Best effort.
func (ch *Channel) signOff(ctx context.Context) {
	resp, err := ch.exchange(ctx, ch.networkMessage(iso8583.NetSignOff))
	if err != nil {
		ch.log.Warn().Err(err).Msg("sign-off failed")
		return
	}
	if code := resp.StringById(iso8583.FieldResponseCode); code != approvalCode {
		ch.log.Warn().Str("code", code).Msg("sign-off declined")
		return
	}
	ch.log.Info().Msg("signed off")
}

// Echo runs one 0800/301 round trip and verifies the approval code.
func (ch *Channel) Echo(ctx context.Context) error {
	resp, err := ch.Send(ctx, ch.networkMessage(iso8583.NetEcho))
	if err != nil {
		return err
	}
	if code := resp.StringById(iso8583.FieldResponseCode); code != approvalCode {
		return fmt.Errorf("echo declined: response code %q", code)
	}
	return nil
}

func (ch *Channel) networkMessage(infoCode string) *iso8583.Message {
	m := iso8583.NewMessage(ch.schema)
	_ = m.SetMTI(iso8583.MTINetworkRequest)
	_ = m.SetById(iso8583.FieldTransmission, time.Now().UTC().Format("0102150405"))
	_ = m.SetById(iso8583.FieldSTAN, ch.nextSTAN())
	_ = m.SetById(iso8583.FieldNetworkInfo, infoCode)
	return m
}

// nextSTAN produces trace numbers for channel-originated network
// management messages. Zero is not a legal STAN and is skipped.
func (ch *Channel) nextSTAN() string {
	for {
		n := ch.stan.Add(1) % 1000000
		if n != 0 {
			return fmt.Sprintf("%06d", n)
		}
	}
}

// heartbeatLoop sends an echo every heartbeat interval while the
// channel is operational. Three consecutive misses force a reconnect.
func (ch *Channel) heartbeatLoop() {
	defer ch.wg.Done()
	ticker := time.NewTicker(ch.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ch.closed:
			return
		case <-ticker.C:
		}
		if ch.State() != StateSignedOn {
			missed = 0
			continue
		}
		to := ch.cfg.RequestTimeout
		if ch.cfg.HeartbeatInterval < to {
			to = ch.cfg.HeartbeatInterval
		}
		ctx, cancel := context.WithTimeout(context.Background(), to)
		err := ch.Echo(ctx)
		cancel()
		ch.metrics.heartbeatsSent.Add(1)
		if err == nil {
			missed = 0
			continue
		}
		missed++
		ch.metrics.heartbeatsMissed.Add(1)
		ch.log.Warn().Err(err).Int("missed", missed).Msg("heartbeat missed")
		if missed >= ch.cfg.MaxMissedHeartbeats {
			missed = 0
			ch.log.Error().Msg("heartbeat budget exhausted, forcing reconnect")
			ch.forceReconnect()
		}
	}
}

// socketDown reacts to a dead socket per the failure strategy. Stale
// notifications for sockets that were already replaced are ignored.
func (ch *Channel) socketDown(role Role, c *Conn, cause error) {
	ch.mu.Lock()
	switch ch.state {
	case StateClosing, StateClosed, StateFailed:
		ch.mu.Unlock()
		return
	}
	if ch.connLocked(role) != c {
		ch.mu.Unlock()
		return
	}

	ch.log.Warn().Err(cause).Stringer("socket", role).Msg("socket lost")

	if shared := ch.sendConn != nil && ch.sendConn == ch.recvConn; shared {
		ch.beginFullReconnectLocked()
		return
	}

	switch ch.cfg.Strategy {
	case FailWhenAnyDown:
		ch.beginFullReconnectLocked()

	case FailWhenBothDown:
		if role == RoleSend {
			ch.sendConn = nil
			ch.blockSendsLocked()
		} else {
			ch.recvConn = nil
		}
		if ch.sendConn == nil && ch.recvConn == nil {
			ch.beginFullReconnectLocked()
			return
		}
		ch.mu.Unlock()
		c.Close()
		ch.wg.Add(1)
		go ch.restoreLoop(role)

	case FallbackToSingle:
		var survivor *Conn
		if role == RoleSend {
			survivor = ch.recvConn
		} else {
			survivor = ch.sendConn
		}
		if survivor == nil {
			ch.beginFullReconnectLocked()
			return
		}
		ch.sendConn, ch.recvConn = survivor, survivor
		ch.allowSendsLocked()
		ch.mu.Unlock()
		c.Close()
		ch.log.Warn().Stringer("socket", role).Str("survivor", survivor.Remote()).
			Msg("collapsed to single-socket operation")
		if role == RoleReceive {
			// The survivor was write-only until now.
			survivor.readTO = ch.cfg.IdleTimeout
			ch.wg.Add(1)
			go ch.readLoop(survivor)
		}
	}
}

func (ch *Channel) connLocked(role Role) *Conn {
	if role == RoleSend {
		return ch.sendConn
	}
	return ch.recvConn
}

// forceReconnect tears down both sockets and starts the reconnect loop.
func (ch *Channel) forceReconnect() {
	ch.mu.Lock()
	ch.beginFullReconnectLocked()
}

// beginFullReconnectLocked is entered with mu held and releases it.
// In-flight requests are failed with ErrNoResponse; callers map that
// to the ND response code.
func (ch *Channel) beginFullReconnectLocked() {
	if ch.reconnecting || ch.state == StateClosing || ch.state == StateClosed {
		ch.mu.Unlock()
		return
	}
	ch.reconnecting = true
	sc, rc := ch.sendConn, ch.recvConn
	ch.sendConn, ch.recvConn = nil, nil
	ch.blockSendsLocked()
	ch.setStateLocked(StateReconnecting)
	ch.mu.Unlock()

	if sc != nil {
		sc.interruptRead()
		sc.Close()
	}
	if rc != nil && rc != sc {
		rc.interruptRead()
		rc.Close()
	}
	if n := ch.table.failAll(ErrNoResponse); n > 0 {
		ch.log.Warn().Int("in_flight", n).Msg("failed in-flight requests on reconnect")
	}
	ch.wg.Add(1)
	go ch.reconnectLoop()
}

// reconnectLoop re-establishes the channel under the retry policy. An
// exhausted budget parks the channel in FAILED.
func (ch *Channel) reconnectLoop() {
	defer ch.wg.Done()
	for attempt := 0; ; attempt++ {
		if ch.cfg.Retry.Exhausted(attempt) {
			ch.mu.Lock()
			ch.reconnecting = false
			ch.setStateLocked(StateFailed)
			ch.mu.Unlock()
			ch.log.Error().Int("attempts", attempt).Msg("reconnect budget exhausted")
			return
		}
		select {
		case <-time.After(ch.cfg.Retry.Delay(attempt)):
		case <-ch.closed:
			ch.mu.Lock()
			ch.reconnecting = false
			ch.mu.Unlock()
			return
		}
		if err := ch.establish(context.Background()); err != nil {
			ch.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect attempt failed")
			continue
		}
		ch.mu.Lock()
		ch.reconnecting = false
		ch.mu.Unlock()
		ch.metrics.reconnects.Add(1)
		ch.log.Info().Msg("reconnected")
		return
	}
}

// restoreLoop re-dials one socket while the channel keeps serving on
// the other (FAIL_WHEN_BOTH_DOWN). If the budget runs out the whole
// channel reconnects.
func (ch *Channel) restoreLoop(role Role) {
	defer ch.wg.Done()
	for attempt := 0; ; attempt++ {
		if ch.cfg.Retry.Exhausted(attempt) {
			ch.log.Error().Stringer("socket", role).Msg("socket restore budget exhausted")
			ch.forceReconnect()
			return
		}
		select {
		case <-time.After(ch.cfg.Retry.Delay(attempt)):
		case <-ch.closed:
			return
		}

		primary, backup := ch.cfg.SendPrimary, ch.cfg.SendBackup
		readTO := time.Duration(0)
		if role == RoleReceive {
			primary, backup = ch.cfg.RecvPrimary, ch.cfg.RecvBackup
			readTO = ch.cfg.IdleTimeout
		}
		conn, err := dial(context.Background(), role, primary, backup, ch.cfg.dialOptions(), readTO, ch.cfg.WriteTimeout)
		if err != nil {
			ch.log.Warn().Err(err).Stringer("socket", role).Int("attempt", attempt+1).Msg("socket restore failed")
			continue
		}
		conn.bytesIn = &ch.metrics.bytesIn
		conn.bytesOut = &ch.metrics.bytesOut

		ch.mu.Lock()
		if ch.state != StateSignedOn || ch.connLocked(role) != nil {
			// A full reconnect or close got there first.
			ch.mu.Unlock()
			conn.Close()
			return
		}
		if role == RoleSend {
			ch.sendConn = conn
			ch.allowSendsLocked()
		} else {
			ch.recvConn = conn
		}
		ch.mu.Unlock()

		if role == RoleReceive {
			ch.wg.Add(1)
			go ch.readLoop(conn)
		}
		ch.log.Info().Stringer("socket", role).Str("remote", conn.Remote()).Msg("socket restored")
		return
	}
}

// Close drains in-flight requests within the context budget, signs off
// and tears both sockets down. Safe to call more than once.
func (ch *Channel) Close(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateClosing || ch.state == StateClosed {
		ch.mu.Unlock()
		return nil
	}
	wasOperational := ch.state == StateSignedOn
	ch.setStateLocked(StateClosing)
	ch.mu.Unlock()

	drain := time.NewTicker(20 * time.Millisecond)
	defer drain.Stop()
drainLoop:
	for ch.table.size() > 0 {
		select {
		case <-ctx.Done():
			break drainLoop
		case <-drain.C:
		}
	}

	if wasOperational && !ch.cfg.SkipSignOn {
		offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ch.signOff(offCtx)
		cancel()
	}

	close(ch.closed)

	ch.mu.Lock()
	sc, rc := ch.sendConn, ch.recvConn
	ch.sendConn, ch.recvConn = nil, nil
	ch.mu.Unlock()
	if sc != nil {
		sc.interruptRead()
		sc.Close()
	}
	if rc != nil && rc != sc {
		rc.interruptRead()
		rc.Close()
	}

	if n := ch.table.failAll(ErrClosed); n > 0 {
		ch.log.Warn().Int("in_flight", n).Msg("abandoned in-flight requests at close")
	}
	ch.wg.Wait()
	ch.setState(StateClosed)
	ch.log.Info().Msg("closed")
	return nil
}

func (ch *Channel) isShutdown() bool {
	select {
	case <-ch.closed:
		return true
	default:
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == StateClosing || ch.state == StateClosed
}

func (ch *Channel) setState(next State) {
	ch.mu.Lock()
	ch.setStateLocked(next)
	ch.mu.Unlock()
}

// setStateLocked applies a transition. CLOSING only advances to CLOSED
// so a shutdown cannot be overridden by a racing reconnect.
func (ch *Channel) setStateLocked(next State) {
	if ch.state == next {
		return
	}
	if ch.state == StateClosed {
		return
	}
	if ch.state == StateClosing && next != StateClosed {
		return
	}
	prev := ch.state
	ch.state = next
	ch.log.Info().Stringer("from", prev).Stringer("to", next).Msg("state change")
}

func (ch *Channel) blockSendsLocked() {
	if ch.sendUp {
		ch.sendUp = false
		ch.sendGate = make(chan struct{})
	}
}

func (ch *Channel) allowSendsLocked() {
	if !ch.sendUp {
		ch.sendUp = true
		close(ch.sendGate)
	}
}
