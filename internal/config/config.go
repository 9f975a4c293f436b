package config

import (
	"path/filepath"
	"sort"
	"time"

	"github.com/linhsiu/gofepd/internal/fisc"
)

// Config is the complete gateway configuration.
// This mirrors the structure of gofepd.toml.
type Config struct {
	// Inbound ISO-8583 listener
	Server ServerConfig `toml:"server" mapstructure:"server"`

	// Switch link management
	Connection ConnectionConfig `toml:"connection" mapstructure:"connection"`

	// Channel configurations (dynamic, one per [channel.<name>] block)
	Channels map[string]ChannelConfig `toml:"-" mapstructure:"-"`

	// Duplicate and correlation store
	Dedup DedupConfig `toml:"dedup" mapstructure:"dedup"`

	// Software HSM key seeds
	Security SecurityConfig `toml:"security" mapstructure:"security"`

	// Transaction store
	Storage StorageConfig `toml:"storage" mapstructure:"storage"`

	// Settlement and clearing database
	Settlement SettlementConfig `toml:"settlement" mapstructure:"settlement"`

	// Transaction routing
	Router RouterConfig `toml:"router" mapstructure:"router"`

	// Batch execution bounds
	Batch BatchConfig `toml:"batch" mapstructure:"batch"`

	// Operator websocket feed
	Monitor MonitorConfig `toml:"monitor" mapstructure:"monitor"`

	// Open-system core gateway
	CoreAPI CoreAPIConfig `toml:"coreapi" mapstructure:"coreapi"`

	// Logging
	Log LogConfig `toml:"log" mapstructure:"log"`

	// Internal fields for configuration management
	configPath string `toml:"-" mapstructure:"-"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return "gofepd.toml"
}

// ConfigPathFromDir returns the configuration path for a directory.
func ConfigPathFromDir(configDir string) string {
	return filepath.Join(configDir, "gofepd.toml")
}

// GetConfigPath returns the path the configuration was loaded from.
func (c *Config) GetConfigPath() string {
	return c.configPath
}

// GetChannel returns the configuration for a channel by name.
func (c *Config) GetChannel(name string) (ChannelConfig, bool) {
	ch, exists := c.Channels[name]
	return ch, exists
}

// ChannelNames returns the configured channel names in sorted order so
// startup touches channels deterministically.
func (c *Config) ChannelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FISCChannels converts every configured channel block into the typed
// channel configuration, in name order.
func (c *Config) FISCChannels() ([]fisc.Config, error) {
	out := make([]fisc.Config, 0, len(c.Channels))
	for _, name := range c.ChannelNames() {
		cc := c.Channels[name]
		fc, err := cc.ToChannel()
		if err != nil {
			return nil, err
		}
		fc.SkipSignOn = !c.Connection.AutoSignOn
		out = append(out, fc)
	}
	return out, nil
}

// ConnectionConfig governs how the gateway manages its switch links.
type ConnectionConfig struct {
	// AutoConnect dials every configured channel at startup.
	AutoConnect bool `toml:"auto_connect" mapstructure:"auto_connect"`

	// AutoSignOn runs the 0800 sign-on handshake once a channel is
	// connected. Requires AutoConnect.
	AutoSignOn bool `toml:"auto_sign_on" mapstructure:"auto_sign_on"`

	// GracefulShutdownTimeoutMs bounds how long shutdown waits for
	// in-flight transactions before tearing sockets down.
	GracefulShutdownTimeoutMs int `toml:"graceful_shutdown_timeout_ms" mapstructure:"graceful_shutdown_timeout_ms"`
}

// GracefulShutdownTimeout returns the shutdown bound as a duration.
func (c ConnectionConfig) GracefulShutdownTimeout() time.Duration {
	return time.Duration(c.GracefulShutdownTimeoutMs) * time.Millisecond
}
