// Package processor holds the per-transaction-type business logic: each
// processor builds the outbound message, drives it through a forwarder
// with the retry policy, and maps the upstream answer back to a
// response. Reversal handling, including automatic reversal after
// exhausted timeouts, lives here too.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Processor implements one transaction type.
type Processor interface {
	// Type names the transaction type this processor accepts.
	Type() txn.Type

	// Process executes the transaction and returns the business
	// response. dec carries the routing outcome: where to forward and
	// the per-attempt deadline. Implementations must be idempotent
	// under retry; resending the same STAN must not double-effect.
	Process(ctx context.Context, req *txn.Request, dec router.Decision) (*txn.Response, error)
}

// Registry maps transaction types to processors. Registration happens
// at boot; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	procs map[txn.Type]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[txn.Type]Processor)}
}

// Register adds a processor, rejecting duplicates.
func (r *Registry) Register(p Processor) error {
	if p == nil {
		return fmt.Errorf("processor is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.procs[p.Type()]; exists {
		return fmt.Errorf("processor for %s already registered", p.Type())
	}
	r.procs[p.Type()] = p
	return nil
}

// MustRegister adds a processor and panics on conflict. Boot-time use
// only.
func (r *Registry) MustRegister(p Processor) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the processor for a type.
func (r *Registry) Get(t txn.Type) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[t]
	return p, ok
}

// Types returns the registered types sorted by name.
func (r *Registry) Types() []txn.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]txn.Type, 0, len(r.procs))
	for t := range r.procs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
