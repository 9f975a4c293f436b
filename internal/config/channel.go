package config

import (
	"fmt"
	"net"
	"time"

	"github.com/linhsiu/gofepd/internal/fisc"
)

// ChannelConfig represents one [channel.<name>] section: a dual-line
// link to the switch or to a test host. Each section in the config
// becomes one of these structs, keyed by the section name.
type ChannelConfig struct {
	// ID names the channel; defaults to the section name.
	ID string `toml:"id" mapstructure:"id"`

	// Institution is the institution code the channel serves.
	Institution string `toml:"institution_id" mapstructure:"institution_id"`

	// Send and receive endpoints, each with an optional backup tried
	// when the primary refuses the dial.
	SendPrimary string `toml:"send_primary" mapstructure:"send_primary"`
	SendBackup  string `toml:"send_backup" mapstructure:"send_backup"`
	RecvPrimary string `toml:"recv_primary" mapstructure:"recv_primary"`
	RecvBackup  string `toml:"recv_backup" mapstructure:"recv_backup"`

	// SingleSocket runs both directions over the send endpoint.
	SingleSocket bool `toml:"single_socket" mapstructure:"single_socket"`

	// FailureStrategy picks the behavior when one of the two sockets
	// dies: FAIL_WHEN_BOTH_DOWN, FAIL_WHEN_ANY_DOWN or
	// FALLBACK_TO_SINGLE.
	FailureStrategy string `toml:"failure_strategy" mapstructure:"failure_strategy"`

	// Socket timeouts
	ConnectTimeoutMs int `toml:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	RequestTimeoutMs int `toml:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	WriteTimeoutMs   int `toml:"write_timeout_ms" mapstructure:"write_timeout_ms"`
	IdleTimeoutMs    int `toml:"idle_timeout_ms" mapstructure:"idle_timeout_ms"`

	// Heartbeat cadence (0800 echo tests)
	HeartbeatIntervalMs int `toml:"heartbeat_interval_ms" mapstructure:"heartbeat_interval_ms"`
	MaxMissedHeartbeats int `toml:"max_missed_heartbeats" mapstructure:"max_missed_heartbeats"`

	// HealthCheckIntervalMs is the period of the status poll the
	// gateway publishes to the monitor feed.
	HealthCheckIntervalMs int `toml:"health_check_interval_ms" mapstructure:"health_check_interval_ms"`

	// Reconnect policy
	AutoReconnect   bool `toml:"auto_reconnect" mapstructure:"auto_reconnect"`
	MaxRetries      int  `toml:"max_retries" mapstructure:"max_retries"`
	RetryDelayMs    int  `toml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	RetryMaxDelayMs int  `toml:"retry_max_delay_ms" mapstructure:"retry_max_delay_ms"`

	// TCP tuning
	KeepAliveMs int  `toml:"keepalive_ms" mapstructure:"keepalive_ms"`
	NoDelay     bool `toml:"no_delay" mapstructure:"no_delay"`
	SendBuffer  int  `toml:"send_buffer" mapstructure:"send_buffer"`
	RecvBuffer  int  `toml:"recv_buffer" mapstructure:"recv_buffer"`
}

// HealthCheckInterval returns the status poll period as a duration.
func (c ChannelConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// ToChannel converts the section into the typed channel configuration.
func (c ChannelConfig) ToChannel() (fisc.Config, error) {
	strategy := fisc.FailWhenBothDown
	if c.FailureStrategy != "" {
		s, err := fisc.ParseFailureStrategy(c.FailureStrategy)
		if err != nil {
			return fisc.Config{}, err
		}
		strategy = s
	}

	retry := fisc.DefaultRetryPolicy()
	if c.MaxRetries > 0 {
		retry.MaxRetries = c.MaxRetries
	}
	if c.RetryDelayMs > 0 {
		retry.InitialDelay = time.Duration(c.RetryDelayMs) * time.Millisecond
	}
	if c.RetryMaxDelayMs > 0 {
		retry.MaxDelay = time.Duration(c.RetryMaxDelayMs) * time.Millisecond
	}
	if !c.AutoReconnect {
		retry.MaxRetries = -1
	}

	return fisc.Config{
		ID:                  c.ID,
		Institution:         c.Institution,
		SendPrimary:         c.SendPrimary,
		SendBackup:          c.SendBackup,
		RecvPrimary:         c.RecvPrimary,
		RecvBackup:          c.RecvBackup,
		SingleSocket:        c.SingleSocket,
		Strategy:            strategy,
		ConnectTimeout:      time.Duration(c.ConnectTimeoutMs) * time.Millisecond,
		RequestTimeout:      time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		WriteTimeout:        time.Duration(c.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:         time.Duration(c.IdleTimeoutMs) * time.Millisecond,
		HeartbeatInterval:   time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		MaxMissedHeartbeats: c.MaxMissedHeartbeats,
		Retry:               retry,
		KeepAlive:           time.Duration(c.KeepAliveMs) * time.Millisecond,
		NoDelay:             c.NoDelay,
		SendBuffer:          c.SendBuffer,
		RecvBuffer:          c.RecvBuffer,
	}, nil
}

// Validate checks one channel section.
func (c ChannelConfig) Validate() error {
	if c.Institution == "" {
		return fmt.Errorf("institution_id cannot be empty")
	}
	for _, d := range c.Institution {
		if d < '0' || d > '9' {
			return fmt.Errorf("institution_id must be numeric: %q", c.Institution)
		}
	}
	endpoints := []struct {
		key  string
		addr string
	}{
		{"send_primary", c.SendPrimary},
		{"send_backup", c.SendBackup},
		{"recv_primary", c.RecvPrimary},
		{"recv_backup", c.RecvBackup},
	}
	for _, ep := range endpoints {
		if ep.addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(ep.addr); err != nil {
			return fmt.Errorf("invalid %s address %q: %w", ep.key, ep.addr, err)
		}
	}

	fc, err := c.ToChannel()
	if err != nil {
		return err
	}
	return fc.Validate()
}
