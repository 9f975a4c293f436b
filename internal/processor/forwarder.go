package processor

import (
	"context"
	"sync"

	"github.com/linhsiu/gofepd/internal/iso8583"
	"github.com/linhsiu/gofepd/internal/router"
	"github.com/linhsiu/gofepd/internal/txn"
)

// Forwarder delivers one outbound request to a destination class and
// returns the mapped upstream answer. Both representations travel
// together: binary links consume the wire message, API links consume
// the business request.
type Forwarder interface {
	Forward(ctx context.Context, req *txn.Request, msg *iso8583.Message) (*txn.Response, error)
}

// ForwarderFunc adapts a function to the Forwarder interface.
type ForwarderFunc func(ctx context.Context, req *txn.Request, msg *iso8583.Message) (*txn.Response, error)

// Forward calls the function.
func (f ForwarderFunc) Forward(ctx context.Context, req *txn.Request, msg *iso8583.Message) (*txn.Response, error) {
	return f(ctx, req, msg)
}

// Table binds router destinations to forwarders. Bind at boot; Lookup
// is concurrent.
type Table struct {
	mu sync.RWMutex
	m  map[router.Destination]Forwarder
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{m: make(map[router.Destination]Forwarder)}
}

// Bind attaches a forwarder to a destination, replacing any previous
// binding.
func (t *Table) Bind(d router.Destination, f Forwarder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[d] = f
}

// Lookup returns the forwarder for a destination. A missing binding is
// a routing failure: the rule pointed somewhere this node cannot reach.
func (t *Table) Lookup(d router.Destination) (Forwarder, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.m[d]
	if !ok {
		return nil, txn.Errorf(txn.CategoryRouting, "destination %s has no forwarder", d)
	}
	return f, nil
}

// Destinations returns the bound destinations.
func (t *Table) Destinations() []router.Destination {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]router.Destination, 0, len(t.m))
	for d := range t.m {
		out = append(out, d)
	}
	return out
}
