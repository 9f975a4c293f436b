package fisc

import (
	"sync"
	"time"

	"github.com/linhsiu/gofepd/internal/iso8583"
)

// correlationKey builds the lookup key a response is matched on. The
// switch echoes STAN (field 11) and terminal (field 41) back verbatim;
// network-management traffic carries no terminal and keys on STAN alone.
func correlationKey(stan, terminal string) string {
	return stan + "|" + terminal
}

func messageKey(msg *iso8583.Message) string {
	return correlationKey(msg.StringById(iso8583.FieldSTAN), msg.StringById(iso8583.FieldTerminalID))
}

// result is what a waiter receives when its pending entry completes.
type result struct {
	resp *iso8583.Message
	err  error
}

// pending is one in-flight request awaiting its correlated response.
// done is buffered so the reader never blocks completing an entry
// whose waiter already gave up.
type pending struct {
	key      string
	enqueued time.Time
	done     chan result
}

// pendingTable tracks in-flight requests by correlation key. One
// writer registers, the reader goroutine completes, and failAll sweeps
// everything when a socket dies.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pending)}
}

// register inserts a new entry. A live entry under the same key is a
// protocol violation on our side and is rejected.
func (t *pendingTable) register(key string) (*pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.entries[key]; dup {
		return nil, ErrDuplicateSTAN
	}
	p := &pending{
		key:      key,
		enqueued: time.Now(),
		done:     make(chan result, 1),
	}
	t.entries[key] = p
	return p, nil
}

// complete hands resp to the waiter registered under key and removes
// the entry. It reports false when no entry matches, which makes the
// response a drop.
func (t *pendingTable) complete(key string, resp *iso8583.Message) bool {
	t.mu.Lock()
	p, ok := t.entries[key]
	if ok {
		delete(t.entries, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.done <- result{resp: resp}
	return true
}

// cancel removes an entry whose waiter gave up. The response, if it
// ever arrives, will be dropped as unmatched.
func (t *pendingTable) cancel(key string) {
	t.mu.Lock()
	delete(t.entries, key)
	t.mu.Unlock()
}

// failAll completes every entry with err. Used when a socket dies and
// no in-flight request can be answered anymore.
func (t *pendingTable) failAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pending)
	t.mu.Unlock()
	for _, p := range entries {
		p.done <- result{err: err}
	}
	return len(entries)
}

// size reports the number of in-flight entries.
func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
