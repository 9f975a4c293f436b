// Package router decides where each transaction goes: the mainframe
// core, the open-system API, one of the FISC interbank links, or an
// internal handler. Rules are evaluated in priority order and the first
// match wins.
package router

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linhsiu/gofepd/internal/txn"
)

// Destination identifies a downstream system.
type Destination string

const (
	DestMainframeCBS    Destination = "MAINFRAME_CBS"
	DestOpenSystemAPI   Destination = "OPEN_SYSTEM_API"
	DestFISCInterbank   Destination = "FISC_INTERBANK"
	DestFISCBillPayment Destination = "FISC_BILL_PAYMENT"
	DestCardNetwork     Destination = "CARD_NETWORK"
	DestInternal        Destination = "INTERNAL"
	DestExternalService Destination = "EXTERNAL_SERVICE"
)

// knownDestinations guards config typos at registration time.
var knownDestinations = map[Destination]bool{
	DestMainframeCBS:    true,
	DestOpenSystemAPI:   true,
	DestFISCInterbank:   true,
	DestFISCBillPayment: true,
	DestCardNetwork:     true,
	DestInternal:        true,
	DestExternalService: true,
}

// Valid reports whether d names a known destination.
func (d Destination) Valid() bool { return knownDestinations[d] }

// Predicate is an arbitrary extra condition on a rule. A nil predicate
// always passes.
type Predicate func(*txn.Request) bool

// Rule matches a class of transactions to a destination. Empty match
// sets are wildcards. Lower Priority values are evaluated first.
type Rule struct {
	Name        string
	Priority    int
	Active      bool
	Types       []txn.Type
	Channels    []txn.Channel
	DestBanks   []string
	Predicate   Predicate
	Destination Destination
	// Timeout overrides the router default for transactions matched by
	// this rule; zero keeps the default.
	Timeout time.Duration
}

func (r *Rule) matches(req *txn.Request) bool {
	if !r.Active {
		return false
	}
	if len(r.Types) > 0 && !containsType(r.Types, req.Type) {
		return false
	}
	if len(r.Channels) > 0 && !containsChannel(r.Channels, req.Channel) {
		return false
	}
	if len(r.DestBanks) > 0 && !containsBank(r.DestBanks, req.DestinationBank) {
		return false
	}
	if r.Predicate != nil && !r.Predicate(req) {
		return false
	}
	return true
}

func containsType(set []txn.Type, t txn.Type) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsChannel(set []txn.Channel, c txn.Channel) bool {
	for _, v := range set {
		if v == c {
			return true
		}
	}
	return false
}

func containsBank(set []string, bank string) bool {
	for _, v := range set {
		if v == bank {
			return true
		}
	}
	return false
}

// Decision is the routing outcome for one transaction.
type Decision struct {
	Destination Destination
	Timeout     time.Duration
	Rule        string // matched rule name, "" for the default route
}

// Router evaluates rules. Safe for concurrent Route calls while rules
// are added or removed.
type Router struct {
	log zerolog.Logger

	mu             sync.RWMutex
	rules          []Rule // kept sorted by Priority, then insertion order
	defaultDest    Destination
	defaultTimeout time.Duration
}

// Option tunes a Router at construction.
type Option func(*Router)

// WithDefaultDestination sets the fallback for unmatched transactions.
// Without one, unmatched transactions are rejected.
func WithDefaultDestination(d Destination) Option {
	return func(r *Router) { r.defaultDest = d }
}

// WithDefaultTimeout sets the timeout used when a matched rule carries
// none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) { r.defaultTimeout = d }
}

// New builds an empty router.
func New(log zerolog.Logger, opts ...Option) *Router {
	r := &Router{
		log:            log.With().Str("component", "router").Logger(),
		defaultTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddRule registers a rule. Rules with equal priority keep insertion
// order.
func (r *Router) AddRule(rule Rule) error {
	if rule.Name == "" {
		return txn.Errorf(txn.CategorySystem, "routing rule requires a name")
	}
	if !rule.Destination.Valid() {
		return txn.Errorf(txn.CategorySystem, "routing rule %s: unknown destination %q", rule.Name, rule.Destination)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rules {
		if existing.Name == rule.Name {
			return txn.Errorf(txn.CategorySystem, "routing rule %s already registered", rule.Name)
		}
	}
	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool { return r.rules[i].Priority < r.rules[j].Priority })
	r.log.Info().Str("rule", rule.Name).Int("priority", rule.Priority).
		Str("destination", string(rule.Destination)).Msg("routing rule added")
	return nil
}

// RemoveRule unregisters a rule by name.
func (r *Router) RemoveRule(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, rule := range r.rules {
		if rule.Name == name {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			r.log.Info().Str("rule", name).Msg("routing rule removed")
			return true
		}
	}
	return false
}

// SetActive flips a rule without removing it; returns false when the
// rule does not exist.
func (r *Router) SetActive(name string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rules {
		if r.rules[i].Name == name {
			r.rules[i].Active = active
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the rule list in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Route picks the destination for a request. With no matching rule and
// no default destination it returns a routing error, which the pipeline
// maps to a not-permitted decline.
func (r *Router) Route(req *txn.Request) (Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(req) {
			continue
		}
		timeout := rule.Timeout
		if timeout <= 0 {
			timeout = r.defaultTimeout
		}
		return Decision{Destination: rule.Destination, Timeout: timeout, Rule: rule.Name}, nil
	}

	if r.defaultDest != "" {
		return Decision{Destination: r.defaultDest, Timeout: r.defaultTimeout}, nil
	}
	return Decision{}, txn.Errorf(txn.CategoryRouting,
		"no route for %s via %s to bank %q", req.Type, req.Channel, req.DestinationBank)
}
