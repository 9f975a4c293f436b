package config

import (
	"fmt"
	"time"

	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// RouterConfig represents the [router] section.
type RouterConfig struct {
	// DefaultDestination catches transactions no rule matches. Empty
	// means unmatched transactions are declined as not permitted.
	DefaultDestination string `toml:"default_destination" mapstructure:"default_destination"`

	// TimeoutMs is the upstream deadline used when a matched rule
	// carries none.
	TimeoutMs int `toml:"timeout_ms" mapstructure:"timeout_ms"`

	// Rules holds the [[router.rules]] blocks in file order.
	Rules []RuleConfig `toml:"rules" mapstructure:"rules"`
}

// DefaultTimeout returns the routing timeout as a duration.
func (c RouterConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RuleConfig represents one [[router.rules]] block. Empty match lists
// are wildcards.
type RuleConfig struct {
	Name        string   `toml:"name" mapstructure:"name"`
	Priority    int      `toml:"priority" mapstructure:"priority"`
	Types       []string `toml:"types" mapstructure:"types"`
	Channels    []string `toml:"channels" mapstructure:"channels"`
	DestBanks   []string `toml:"dest_banks" mapstructure:"dest_banks"`
	Destination string   `toml:"destination" mapstructure:"destination"`
	TimeoutMs   int      `toml:"timeout_ms" mapstructure:"timeout_ms"`
	Disabled    bool     `toml:"disabled" mapstructure:"disabled"`
}

var knownTypes = map[txn.Type]bool{
	txn.Purchase:       true,
	txn.Withdrawal:     true,
	txn.Deposit:        true,
	txn.BalanceInquiry: true,
	txn.Transfer:       true,
	txn.BillPayment:    true,
	txn.Reversal:       true,
}

var knownChannels = map[txn.Channel]bool{
	txn.ChannelATM:      true,
	txn.ChannelPOS:      true,
	txn.ChannelInternet: true,
	txn.ChannelMobile:   true,
}

// ToRule converts the block into a routing rule.
func (c RuleConfig) ToRule() (router.Rule, error) {
	rule := router.Rule{
		Name:        c.Name,
		Priority:    c.Priority,
		Active:      !c.Disabled,
		DestBanks:   c.DestBanks,
		Destination: router.Destination(c.Destination),
		Timeout:     time.Duration(c.TimeoutMs) * time.Millisecond,
	}
	for _, s := range c.Types {
		t := txn.Type(s)
		if !knownTypes[t] {
			return router.Rule{}, fmt.Errorf("rule %q: unknown transaction type %q", c.Name, s)
		}
		rule.Types = append(rule.Types, t)
	}
	for _, s := range c.Channels {
		ch := txn.Channel(s)
		if !knownChannels[ch] {
			return router.Rule{}, fmt.Errorf("rule %q: unknown channel %q", c.Name, s)
		}
		rule.Channels = append(rule.Channels, ch)
	}
	return rule, nil
}

// Validate checks the routing settings.
func (c RouterConfig) Validate() error {
	if c.DefaultDestination != "" && !router.Destination(c.DefaultDestination).Valid() {
		return fmt.Errorf("unknown default_destination %q", c.DefaultDestination)
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms cannot be negative: %d", c.TimeoutMs)
	}
	seen := make(map[string]bool, len(c.Rules))
	for _, rc := range c.Rules {
		if rc.Name == "" {
			return fmt.Errorf("routing rule requires a name")
		}
		if seen[rc.Name] {
			return fmt.Errorf("duplicate routing rule %q", rc.Name)
		}
		seen[rc.Name] = true
		if !router.Destination(rc.Destination).Valid() {
			return fmt.Errorf("rule %q: unknown destination %q", rc.Name, rc.Destination)
		}
		if _, err := rc.ToRule(); err != nil {
			return err
		}
	}
	return nil
}
