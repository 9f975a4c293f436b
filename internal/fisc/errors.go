// Package fisc manages the logical link to the interbank switch: two
// framed TCP sockets (send and receive), a sign-on handshake, a
// heartbeat, response correlation by (STAN, terminal) and automatic
// reconnection with primary/backup failover.
package fisc

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnected indicates Connect on a live channel.
	ErrAlreadyConnected = errors.New("channel already connected")

	// ErrNotOperational indicates traffic on a channel that has not
	// reached an operational state.
	ErrNotOperational = errors.New("channel not operational")

	// ErrClosed indicates use of a closed channel.
	ErrClosed = errors.New("channel closed")

	// ErrSendUnavailable indicates the send socket is down and the
	// failure strategy does not queue.
	ErrSendUnavailable = errors.New("send socket unavailable")

	// ErrNoResponse indicates the deadline expired with no correlated
	// response. Callers map it to the ND response code.
	ErrNoResponse = errors.New("no response before deadline")

	// ErrDuplicateSTAN indicates a second in-flight request under the
	// same (STAN, terminal) correlation key.
	ErrDuplicateSTAN = errors.New("duplicate stan for terminal in flight")

	// ErrSignOnDeclined indicates the switch answered sign-on with a
	// non-approval code.
	ErrSignOnDeclined = errors.New("sign-on declined")

	// ErrFrameTooLarge indicates a payload beyond the 2-byte BCD
	// length prefix capacity.
	ErrFrameTooLarge = errors.New("frame exceeds length prefix capacity")

	// ErrMissingCorrelation indicates an outbound request without the
	// STAN the receive side would correlate on.
	ErrMissingCorrelation = errors.New("request has no stan")
)

// DialError reports a failed connect attempt with both endpoints tried.
type DialError struct {
	Role    Role
	Primary string
	Backup  string
	Err     error
}

func (e *DialError) Error() string {
	if e.Backup != "" {
		return fmt.Sprintf("dial %s: primary %s and backup %s failed: %v", e.Role, e.Primary, e.Backup, e.Err)
	}
	return fmt.Sprintf("dial %s: %s failed: %v", e.Role, e.Primary, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// FrameError reports a malformed frame on the wire.
type FrameError struct {
	Role   Role
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s socket: bad frame: %s", e.Role, e.Reason)
}
