package fisc

import "fmt"

// State is the lifecycle position of a channel. Transitions flow
// DISCONNECTED through CONNECTING and the socket states to SIGNED_ON;
// a lost socket moves the channel to RECONNECTING and an exhausted
// retry budget to FAILED.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSendOnly
	StateReceiveOnly
	StateBothConnected
	StateSignedOn
	StateReconnecting
	StateClosing
	StateClosed
	StateFailed
)

var stateNames = map[State]string{
	StateDisconnected:  "DISCONNECTED",
	StateConnecting:    "CONNECTING",
	StateSendOnly:      "SEND_ONLY_CONNECTED",
	StateReceiveOnly:   "RECEIVE_ONLY_CONNECTED",
	StateBothConnected: "BOTH_CONNECTED",
	StateSignedOn:      "SIGNED_ON",
	StateReconnecting:  "RECONNECTING",
	StateClosing:       "CLOSING",
	StateClosed:        "CLOSED",
	StateFailed:        "FAILED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Operational reports whether the channel accepts traffic.
func (s State) Operational() bool { return s == StateSignedOn }

// FailureStrategy decides how a channel behaves when one of its two
// sockets dies while the other is still up.
type FailureStrategy int

const (
	// FailWhenBothDown keeps the channel operational on one socket:
	// sends wait for the send socket to come back, responses keep
	// draining while the receive socket lives. Only losing both
	// sockets triggers a full reconnect.
	FailWhenBothDown FailureStrategy = iota

	// FailWhenAnyDown treats either socket loss as a channel loss and
	// reconnects both sides immediately.
	FailWhenAnyDown

	// FallbackToSingle collapses onto the surviving socket and runs
	// both directions over it. Not part of the standard dual-line
	// contract; keep it off unless the far end tolerates it.
	FallbackToSingle
)

var strategyNames = map[FailureStrategy]string{
	FailWhenBothDown: "FAIL_WHEN_BOTH_DOWN",
	FailWhenAnyDown:  "FAIL_WHEN_ANY_DOWN",
	FallbackToSingle: "FALLBACK_TO_SINGLE",
}

func (f FailureStrategy) String() string {
	if n, ok := strategyNames[f]; ok {
		return n
	}
	return fmt.Sprintf("strategy(%d)", int(f))
}

// ParseFailureStrategy maps a configuration string to its strategy.
func ParseFailureStrategy(s string) (FailureStrategy, error) {
	for f, n := range strategyNames {
		if n == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown failure strategy %q", s)
}
