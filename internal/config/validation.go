package config

import (
	"fmt"
)

// ValidateConfig performs validation on the complete configuration.
func ValidateConfig(config *Config) error {
	// Validate inbound listener
	if err := config.Server.Validate(); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}

	// Validate connection management
	if err := config.Connection.Validate(); err != nil {
		return fmt.Errorf("connection config validation failed: %w", err)
	}

	// Validate channel configurations
	if err := validateChannels(config.Channels); err != nil {
		return fmt.Errorf("channel config validation failed: %w", err)
	}

	// Validate duplicate store settings
	if err := config.Dedup.Validate(); err != nil {
		return fmt.Errorf("dedup validation failed: %w", err)
	}

	// Validate key seeds
	if err := config.Security.Validate(); err != nil {
		return fmt.Errorf("security validation failed: %w", err)
	}

	// Validate transaction store settings
	if err := config.Storage.Validate(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}

	// Validate settlement settings
	if err := config.Settlement.Validate(); err != nil {
		return fmt.Errorf("settlement validation failed: %w", err)
	}

	// Validate routing settings
	if err := config.Router.Validate(); err != nil {
		return fmt.Errorf("router validation failed: %w", err)
	}

	// Validate batch bounds
	if err := config.Batch.Validate(); err != nil {
		return fmt.Errorf("batch validation failed: %w", err)
	}

	// Validate monitor feed settings
	if err := config.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor validation failed: %w", err)
	}

	// Validate core gateway settings
	if err := config.CoreAPI.Validate(); err != nil {
		return fmt.Errorf("coreapi validation failed: %w", err)
	}

	// Validate logging settings
	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}

	// Cross-validation checks
	if err := validateCrossSettings(config); err != nil {
		return fmt.Errorf("cross-validation failed: %w", err)
	}

	return nil
}

// validateChannels checks every channel section.
func validateChannels(channels map[string]ChannelConfig) error {
	for name, cc := range channels {
		if err := cc.Validate(); err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
	}
	return nil
}

// validateCrossSettings checks constraints that span sections.
func validateCrossSettings(config *Config) error {
	// A rule pointing at the interbank switch needs at least one
	// channel to carry it.
	if len(config.Channels) == 0 {
		for _, rc := range config.Router.Rules {
			if rc.Disabled {
				continue
			}
			switch rc.Destination {
			case "FISC_INTERBANK", "FISC_BILL_PAYMENT":
				return fmt.Errorf("rule %q routes to %s but no channels are configured", rc.Name, rc.Destination)
			}
		}
	}

	// The monitor feed and the inbound listener cannot share a port.
	if config.Monitor.Enabled && config.Monitor.Listen == config.Server.Listen {
		return fmt.Errorf("monitor and server cannot listen on the same address %q", config.Server.Listen)
	}

	return nil
}
