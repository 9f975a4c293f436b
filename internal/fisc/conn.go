package fisc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Role distinguishes the two sockets of a dual-socket channel.
type Role int

const (
	// RoleSend carries outbound requests.
	RoleSend Role = iota
	// RoleReceive carries inbound responses.
	RoleReceive
)

func (r Role) String() string {
	switch r {
	case RoleSend:
		return "send"
	case RoleReceive:
		return "receive"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// maxFrameLen is the largest payload a 2-byte BCD length prefix can
// announce (four decimal digits).
const maxFrameLen = 9999

// DialOptions carries the socket tuning applied after a successful dial.
type DialOptions struct {
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	NoDelay        bool
	SendBuffer     int
	RecvBuffer     int
}

// Conn is one framed socket. Every frame on the wire is a 2-byte BCD
// length prefix followed by that many payload bytes; the prefix counts
// the payload only. Conn is not safe for concurrent use of the same
// direction; the channel serializes writers and runs a single reader.
type Conn struct {
	raw      net.Conn
	role     Role
	remote   string
	readTO   time.Duration
	writeTO  time.Duration
	bytesIn  *atomic.Uint64
	bytesOut *atomic.Uint64

	lenBuf [2]byte
}

// dial connects to primary, falling back to backup when primary is
// unreachable. The returned Conn remembers which endpoint answered.
func dial(ctx context.Context, role Role, primary, backup string, opts DialOptions, readTO, writeTO time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout}
	if opts.KeepAlive > 0 {
		d.KeepAlive = opts.KeepAlive
	}

	raw, err := d.DialContext(ctx, "tcp", primary)
	remote := primary
	if err != nil && backup != "" {
		var berr error
		raw, berr = d.DialContext(ctx, "tcp", backup)
		if berr != nil {
			return nil, &DialError{Role: role, Primary: primary, Backup: backup, Err: berr}
		}
		remote = backup
		err = nil
	}
	if err != nil {
		return nil, &DialError{Role: role, Primary: primary, Err: err}
	}

	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(opts.NoDelay)
		if opts.SendBuffer > 0 {
			_ = tc.SetWriteBuffer(opts.SendBuffer)
		}
		if opts.RecvBuffer > 0 {
			_ = tc.SetReadBuffer(opts.RecvBuffer)
		}
	}

	return &Conn{
		raw:     raw,
		role:    role,
		remote:  remote,
		readTO:  readTO,
		writeTO: writeTO,
	}, nil
}

// newConn wraps an established net.Conn. Used by tests and by
// single-socket mode where both roles share one connection.
func newConn(raw net.Conn, role Role, readTO, writeTO time.Duration) *Conn {
	return &Conn{raw: raw, role: role, remote: raw.RemoteAddr().String(), readTO: readTO, writeTO: writeTO}
}

// NewFramedConn adapts an established socket to the framed protocol.
// Terminals speak the same 2-byte BCD length prefix the switch links
// do, so the acquiring listener reuses this framing.
func NewFramedConn(raw net.Conn, readTO, writeTO time.Duration) *Conn {
	return newConn(raw, RoleReceive, readTO, writeTO)
}

// Remote reports the endpoint this socket is connected to.
func (c *Conn) Remote() string { return c.remote }

// ReadFrame blocks until a full frame arrives and returns its payload.
// A zero-length frame is legal on the wire and returns an empty slice.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.readTO > 0 {
		if err := c.raw.SetReadDeadline(time.Now().Add(c.readTO)); err != nil {
			return nil, err
		}
	}
	if _, err := io.ReadFull(c.raw, c.lenBuf[:]); err != nil {
		return nil, err
	}
	n, err := decodeBCDLen(c.lenBuf)
	if err != nil {
		return nil, &FrameError{Role: c.role, Reason: err.Error()}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.raw, payload); err != nil {
		return nil, err
	}
	if c.bytesIn != nil {
		c.bytesIn.Add(uint64(n + 2))
	}
	return payload, nil
}

// WriteFrame prefixes payload with its BCD length and writes the whole
// frame in one Write call.
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameLen {
		return ErrFrameTooLarge
	}
	if c.writeTO > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTO)); err != nil {
			return err
		}
	}
	frame := make([]byte, 2+len(payload))
	encodeBCDLen(frame[:2], len(payload))
	copy(frame[2:], payload)
	if _, err := c.raw.Write(frame); err != nil {
		return err
	}
	if c.bytesOut != nil {
		c.bytesOut.Add(uint64(len(frame)))
	}
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (c *Conn) Close() error {
	if c == nil || c.raw == nil {
		return nil
	}
	return c.raw.Close()
}

// interruptRead unblocks a pending ReadFrame by expiring its deadline.
func (c *Conn) interruptRead() {
	if c != nil && c.raw != nil {
		_ = c.raw.SetReadDeadline(time.Now())
	}
}

func encodeBCDLen(dst []byte, n int) {
	dst[0] = byte((n/1000)%10)<<4 | byte((n/100)%10)
	dst[1] = byte((n/10)%10)<<4 | byte(n%10)
}

func decodeBCDLen(src [2]byte) (int, error) {
	n := 0
	for _, b := range src {
		hi, lo := b>>4, b&0x0f
		if hi > 9 || lo > 9 {
			return 0, fmt.Errorf("length prefix %02X%02X is not BCD", src[0], src[1])
		}
		n = n*100 + int(hi)*10 + int(lo)
	}
	return n, nil
}
