package config

import (
	"fmt"
	"net"
	"time"
)

// ServerConfig represents the [server] section: the framed ISO-8583
// listener that acquiring hosts connect to.
type ServerConfig struct {
	// Listen is the host:port the inbound listener binds.
	Listen string `toml:"listen" mapstructure:"listen"`

	// MaxConns caps concurrent client sockets. Zero means unlimited.
	MaxConns int `toml:"max_conns" mapstructure:"max_conns"`

	// ReadTimeoutMs bounds one framed read from a client.
	ReadTimeoutMs int `toml:"read_timeout_ms" mapstructure:"read_timeout_ms"`

	// WriteTimeoutMs bounds one framed write to a client.
	WriteTimeoutMs int `toml:"write_timeout_ms" mapstructure:"write_timeout_ms"`
}

// ReadTimeout returns the read bound as a duration.
func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// WriteTimeout returns the write bound as a duration.
func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// Validate checks the listener settings.
func (c ServerConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("max_conns cannot be negative: %d", c.MaxConns)
	}
	if c.ReadTimeoutMs < 0 || c.WriteTimeoutMs < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

// Validate checks the connection management settings.
func (c ConnectionConfig) Validate() error {
	if c.GracefulShutdownTimeoutMs < 0 {
		return fmt.Errorf("graceful_shutdown_timeout_ms cannot be negative: %d", c.GracefulShutdownTimeoutMs)
	}
	if c.AutoSignOn && !c.AutoConnect {
		return fmt.Errorf("auto_sign_on requires auto_connect")
	}
	return nil
}
