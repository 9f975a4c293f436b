package fisc

import "sync/atomic"

// Metrics counts channel activity. All counters are monotonic and safe
// for concurrent use; Snapshot copies them for reporting.
type Metrics struct {
	sent             atomic.Uint64
	matched          atomic.Uint64
	dropped          atomic.Uint64
	timeouts         atomic.Uint64
	reconnects       atomic.Uint64
	heartbeatsSent   atomic.Uint64
	heartbeatsMissed atomic.Uint64
	bytesIn          atomic.Uint64
	bytesOut         atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the channel counters.
type MetricsSnapshot struct {
	Sent             uint64 `json:"sent"`
	Matched          uint64 `json:"matched"`
	Dropped          uint64 `json:"dropped"`
	Timeouts         uint64 `json:"timeouts"`
	Reconnects       uint64 `json:"reconnects"`
	HeartbeatsSent   uint64 `json:"heartbeats_sent"`
	HeartbeatsMissed uint64 `json:"heartbeats_missed"`
	BytesIn          uint64 `json:"bytes_in"`
	BytesOut         uint64 `json:"bytes_out"`
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Sent:             m.sent.Load(),
		Matched:          m.matched.Load(),
		Dropped:          m.dropped.Load(),
		Timeouts:         m.timeouts.Load(),
		Reconnects:       m.reconnects.Load(),
		HeartbeatsSent:   m.heartbeatsSent.Load(),
		HeartbeatsMissed: m.heartbeatsMissed.Load(),
		BytesIn:          m.bytesIn.Load(),
		BytesOut:         m.bytesOut.Load(),
	}
}
