package config

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/batch"
	"github.com/linhsiu/gofepd/internal/coreapi"
	"github.com/linhsiu/gofepd/internal/monitor"
)

// BatchConfig represents the [batch] section.
type BatchConfig struct {
	// MaxParallelism caps the per-batch worker bound regardless of what
	// a batch request asks for.
	MaxParallelism int `toml:"max_parallelism" mapstructure:"max_parallelism"`

	// ItemTimeoutMs bounds each transaction in a batch.
	ItemTimeoutMs int `toml:"item_timeout_ms" mapstructure:"item_timeout_ms"`
}

// ToProcessor converts the section into the typed batch configuration.
func (c BatchConfig) ToProcessor() batch.Config {
	return batch.Config{
		MaxParallelism: c.MaxParallelism,
		ItemTimeout:    time.Duration(c.ItemTimeoutMs) * time.Millisecond,
	}
}

// Validate checks the batch bounds.
func (c BatchConfig) Validate() error {
	if c.MaxParallelism < 0 {
		return fmt.Errorf("max_parallelism cannot be negative: %d", c.MaxParallelism)
	}
	if c.ItemTimeoutMs < 0 {
		return fmt.Errorf("item_timeout_ms cannot be negative: %d", c.ItemTimeoutMs)
	}
	return nil
}

// MonitorConfig represents the [monitor] section: the operator
// websocket feed.
type MonitorConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`

	// Listen is the host:port the feed binds.
	Listen string `toml:"listen" mapstructure:"listen"`

	// SendBuffer is the per-connection outbound queue.
	SendBuffer int `toml:"send_buffer" mapstructure:"send_buffer"`
}

// ToFeed converts the section into the typed feed configuration.
func (c MonitorConfig) ToFeed() monitor.Config {
	return monitor.Config{
		Addr:       c.Listen,
		SendBuffer: c.SendBuffer,
	}
}

// Validate checks the feed settings.
func (c MonitorConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Listen == "" {
		return fmt.Errorf("monitor listen address cannot be empty when enabled")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid monitor listen address %q: %w", c.Listen, err)
	}
	if c.SendBuffer < 0 {
		return fmt.Errorf("send_buffer cannot be negative: %d", c.SendBuffer)
	}
	return nil
}

// CoreAPIConfig represents the [coreapi] section: the gRPC gateway to
// the bank's open-system core.
type CoreAPIConfig struct {
	// Endpoint is the host:port of the core's gateway.
	Endpoint string `toml:"endpoint" mapstructure:"endpoint"`

	// Method is the fully qualified RPC for transaction execution.
	Method string `toml:"method" mapstructure:"method"`

	// HealthService is the service name for the standard health check.
	HealthService string `toml:"health_service" mapstructure:"health_service"`

	// TimeoutMs bounds one call when the caller carries no deadline.
	TimeoutMs int `toml:"timeout_ms" mapstructure:"timeout_ms"`

	// HealthCheckIntervalMs is the cadence of the core health poll
	// feeding the monitor. Zero disables the poll.
	HealthCheckIntervalMs int `toml:"health_check_interval_ms" mapstructure:"health_check_interval_ms"`
}

// HealthCheckInterval returns the poll cadence as a duration.
func (c CoreAPIConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

// ToClient converts the section into the typed client configuration.
func (c CoreAPIConfig) ToClient() coreapi.Config {
	return coreapi.Config{
		Endpoint:      c.Endpoint,
		Method:        c.Method,
		HealthService: c.HealthService,
		Timeout:       time.Duration(c.TimeoutMs) * time.Millisecond,
	}
}

// Validate checks the core gateway settings.
func (c CoreAPIConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("coreapi endpoint cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Endpoint); err != nil {
		return fmt.Errorf("invalid coreapi endpoint %q: %w", c.Endpoint, err)
	}
	if c.Method != "" && c.Method[0] != '/' {
		return fmt.Errorf("coreapi method must be a full /service/name path, got %q", c.Method)
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms cannot be negative: %d", c.TimeoutMs)
	}
	if c.HealthCheckIntervalMs < 0 {
		return fmt.Errorf("health_check_interval_ms cannot be negative: %d", c.HealthCheckIntervalMs)
	}
	return nil
}

// LogConfig represents the [log] section.
type LogConfig struct {
	// Level is a zerolog level name: trace, debug, info, warn, error.
	Level string `toml:"level" mapstructure:"level"`

	// Console renders human-readable output instead of JSON.
	Console bool `toml:"console" mapstructure:"console"`
}

// ZerologLevel parses the configured level.
func (c LogConfig) ZerologLevel() (zerolog.Level, error) {
	if c.Level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(c.Level)
}

// Validate checks the logging settings.
func (c LogConfig) Validate() error {
	if _, err := c.ZerologLevel(); err != nil {
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	return nil
}
