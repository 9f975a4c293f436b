// Package coreapi dispatches transactions to the bank's open-system
// core over gRPC. The core's gateway negotiates msgpack payloads, so
// the client registers a msgpack codec and invokes the execute method
// with hand-defined request and response structs.
package coreapi

import (
	"fmt"
	"net"
	"time"
)

// Config holds client settings for one core-banking endpoint.
type Config struct {
	// Endpoint is the host:port of the core's gRPC gateway.
	Endpoint string

	// Method is the fully qualified RPC the core exposes for
	// transaction execution.
	Method string

	// HealthService is the service name passed to the standard
	// health check. Empty checks overall server health.
	HealthService string

	// Timeout bounds one call when the caller's context carries no
	// earlier deadline.
	Timeout time.Duration

	// MaxRecvMsgSize is the maximum message size in bytes the client
	// accepts. Default is 4MB if not set.
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes the client
	// sends. Default is 4MB if not set.
	MaxSendMsgSize int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Endpoint:       "127.0.0.1:50061",
		Method:         "/fep.CoreBanking/Execute",
		Timeout:        5 * time.Second,
		MaxRecvMsgSize: 4 * 1024 * 1024,
		MaxSendMsgSize: 4 * 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	if c.Method == "" {
		c.Method = "/fep.CoreBanking/Execute"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxRecvMsgSize <= 0 {
		c.MaxRecvMsgSize = 4 * 1024 * 1024
	}
	if c.MaxSendMsgSize <= 0 {
		c.MaxSendMsgSize = 4 * 1024 * 1024
	}
	return c
}

// Validate validates the client configuration.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	host, port, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint format: %w", err)
	}
	if host == "" {
		return fmt.Errorf("endpoint host cannot be empty")
	}
	if port == "" {
		return fmt.Errorf("endpoint port cannot be empty")
	}
	if len(c.Method) < 2 || c.Method[0] != '/' {
		return fmt.Errorf("method must be a full /service/name path, got %q", c.Method)
	}
	return nil
}
