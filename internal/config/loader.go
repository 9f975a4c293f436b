package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from multiple sources in priority order:
// 1. Default values
// 2. Configuration file (gofepd.toml)
// 3. Environment variables (GOFEPD_ prefix)
func Load(path string) (*Config, error) {
	// Create viper instance
	v := viper.New()

	// 1. Set defaults first
	setDefaults(v)

	// 2. Load configuration file
	if err := loadMainConfig(v, path); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. Set up environment variable support
	v.SetEnvPrefix("GOFEPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into struct
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// 5. Process dynamic channel configurations
	if err := processChannels(&config, v); err != nil {
		return nil, fmt.Errorf("failed to process channels: %w", err)
	}

	// 6. Store path for reference
	config.configPath = path

	// 7. Validate the complete configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// LoadDefault builds a configuration from defaults and environment
// only, with no config file. Serves tests and bare development runs.
func LoadDefault() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GOFEPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Channels = make(map[string]ChannelConfig)

	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

// loadMainConfig loads the main configuration file
func loadMainConfig(v *viper.Viper, configPath string) error {
	if configPath == "" {
		return fmt.Errorf("config path cannot be empty")
	}

	// Set config file path
	v.SetConfigFile(configPath)

	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return nil
}

// processChannels processes dynamic [channel.<name>] configurations
func processChannels(config *Config, v *viper.Viper) error {
	config.Channels = make(map[string]ChannelConfig)

	for _, name := range findChannelSections(v) {
		channelConfig, err := loadChannelConfig(v, name)
		if err != nil {
			return fmt.Errorf("failed to load channel config %s: %w", name, err)
		}
		config.Channels[name] = channelConfig
	}

	return nil
}

// findChannelSections scans viper for sections under "channel."
func findChannelSections(v *viper.Viper) []string {
	var channels []string

	// Get all keys and look for channel configurations
	allKeys := v.AllKeys()
	channelMap := make(map[string]bool)

	for _, key := range allKeys {
		parts := strings.Split(key, ".")
		if len(parts) >= 3 && parts[0] == "channel" {
			channelName := parts[1]
			if !channelMap[channelName] {
				channels = append(channels, channelName)
				channelMap[channelName] = true
			}
		}
	}

	return channels
}

// loadChannelConfig loads configuration for a specific channel
func loadChannelConfig(v *viper.Viper, name string) (ChannelConfig, error) {
	// Create a sub-viper for this channel section
	channelViper := v.Sub("channel." + name)
	if channelViper == nil {
		return ChannelConfig{}, fmt.Errorf("no configuration found for channel %s", name)
	}

	// Apply channel defaults first
	applyChannelDefaults(channelViper)

	// Unmarshal channel configuration
	var channelConfig ChannelConfig
	if err := channelViper.Unmarshal(&channelConfig); err != nil {
		return ChannelConfig{}, fmt.Errorf("failed to unmarshal channel config: %w", err)
	}

	// The section name doubles as the channel id unless overridden
	if channelConfig.ID == "" {
		channelConfig.ID = name
	}

	return channelConfig, nil
}

// SaveExampleConfig saves an example configuration file
func SaveExampleConfig(configPath string) error {
	exampleConfig := generateExampleConfig()

	v := viper.New()

	// Set all example values
	for key, value := range exampleConfig {
		v.Set(key, value)
	}

	// Write to file
	v.SetConfigFile(configPath)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}

	return nil
}

// generateExampleConfig generates example configuration values
func generateExampleConfig() map[string]interface{} {
	return map[string]interface{}{
		"server.listen": "0.0.0.0:7583",

		"connection.auto_connect":                 true,
		"connection.auto_sign_on":                 true,
		"connection.graceful_shutdown_timeout_ms": 10000,

		"channel.fisc_primary.institution_id":        "0040000",
		"channel.fisc_primary.send_primary":          "10.1.1.10:7100",
		"channel.fisc_primary.send_backup":           "10.1.2.10:7100",
		"channel.fisc_primary.recv_primary":          "10.1.1.10:7101",
		"channel.fisc_primary.recv_backup":           "10.1.2.10:7101",
		"channel.fisc_primary.heartbeat_interval_ms": 30000,
		"channel.fisc_primary.failure_strategy":      "FAIL_WHEN_BOTH_DOWN",

		"channel.fisc_bill.institution_id": "0040000",
		"channel.fisc_bill.send_primary":   "10.1.1.20:7200",
		"channel.fisc_bill.single_socket":  true,

		"dedup.retention_window": "24h",
		"dedup.reversal_window":  "24h",

		"security.pek":              "00112233445566778899AABBCCDDEEFF",
		"security.mak":              "FFEEDDCCBBAA99887766554433221100",
		"security.generate_missing": true,

		"storage.backend":     "pebble",
		"storage.path":        "/var/lib/gofepd/txstore",
		"storage.compression": "lz4",

		"settlement.db":       "sqlite",
		"settlement.dsn":      "/var/lib/gofepd/settlement.db",
		"settlement.our_bank": "0040000",

		"router.default_destination": "MAINFRAME_CBS",
		"router.rules": []map[string]interface{}{
			{
				"name":        "interbank",
				"priority":    10,
				"types":       []string{"WITHDRAWAL", "TRANSFER"},
				"destination": "FISC_INTERBANK",
			},
			{
				"name":        "bills",
				"priority":    20,
				"types":       []string{"BILL_PAYMENT"},
				"destination": "FISC_BILL_PAYMENT",
			},
		},

		"monitor.listen": "127.0.0.1:8089",

		"coreapi.endpoint":                 "127.0.0.1:50061",
		"coreapi.timeout_ms":               5000,
		"coreapi.health_check_interval_ms": 10000,

		"log.level":   "info",
		"log.console": false,
	}
}
