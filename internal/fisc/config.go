package fisc

import (
	"errors"
	"time"
)

// Config describes one channel to the switch. Send and receive sides
// each have a primary endpoint and an optional backup that is tried
// when the primary refuses the dial.
type Config struct {
	// ID names the channel in logs and in the registry.
	ID string
	// Institution is the 8-digit institution code the channel serves.
	Institution string

	SendPrimary string
	SendBackup  string
	RecvPrimary string
	RecvBackup  string

	// SingleSocket runs both directions over the send endpoint. Used
	// for test hosts and low-volume institutions.
	SingleSocket bool

	// SkipSignOn connects the sockets without the 0800 sign-on
	// handshake. Sessions pre-registered with the switch start ready.
	SkipSignOn bool

	Strategy FailureStrategy

	ConnectTimeout time.Duration
	// RequestTimeout bounds a Send when the caller's context carries
	// no deadline of its own.
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	// IdleTimeout bounds how long the receive socket may stay silent
	// before the reader treats it as dead. Zero derives it from the
	// heartbeat cadence.
	IdleTimeout time.Duration

	HeartbeatInterval   time.Duration
	MaxMissedHeartbeats int

	Retry RetryPolicy

	KeepAlive  time.Duration
	NoDelay    bool
	SendBuffer int
	RecvBuffer int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 5 * time.Second
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 10 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.MaxMissedHeartbeats <= 0 {
		out.MaxMissedHeartbeats = 3
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = out.HeartbeatInterval * time.Duration(out.MaxMissedHeartbeats+1)
	}
	if out.Retry == (RetryPolicy{}) {
		out.Retry = DefaultRetryPolicy()
	}
	if out.SingleSocket {
		out.RecvPrimary = out.SendPrimary
		out.RecvBackup = out.SendBackup
	}
	return out
}

// Validate rejects configurations the channel cannot run with.
func (c *Config) Validate() error {
	if c.ID == "" {
		return errors.New("channel id required")
	}
	if c.SendPrimary == "" {
		return errors.New("send primary endpoint required")
	}
	if !c.SingleSocket && c.RecvPrimary == "" {
		return errors.New("receive primary endpoint required in dual-socket mode")
	}
	return nil
}

func (c *Config) dialOptions() DialOptions {
	return DialOptions{
		ConnectTimeout: c.ConnectTimeout,
		KeepAlive:      c.KeepAlive,
		NoDelay:        c.NoDelay,
		SendBuffer:     c.SendBuffer,
		RecvBuffer:     c.RecvBuffer,
	}
}
