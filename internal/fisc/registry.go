package fisc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry holds the process-wide set of channels, addressable by
// channel id and by institution. Routing asks for an operational
// channel; operations tooling iterates everything.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Channel
	byInst   map[string][]*Channel
	rrCursor map[string]int
}

// NewRegistry returns an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Channel),
		byInst:   make(map[string][]*Channel),
		rrCursor: make(map[string]int),
	}
}

// Register adds a channel. Channel ids must be unique.
func (r *Registry) Register(ch *Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[ch.ID()]; dup {
		return fmt.Errorf("channel %q already registered", ch.ID())
	}
	r.byID[ch.ID()] = ch
	inst := ch.Institution()
	r.byInst[inst] = append(r.byInst[inst], ch)
	return nil
}

// Get returns a channel by id.
func (r *Registry) Get(id string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.byID[id]
	return ch, ok
}

// ForInstitution picks an operational channel for an institution,
// rotating among candidates so traffic spreads across parallel links.
func (r *Registry) ForInstitution(inst string) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.byInst[inst]
	if len(chans) == 0 {
		return nil, fmt.Errorf("no channel registered for institution %q", inst)
	}
	start := r.rrCursor[inst]
	for i := 0; i < len(chans); i++ {
		ch := chans[(start+i)%len(chans)]
		if ch.State().Operational() {
			r.rrCursor[inst] = (start + i + 1) % len(chans)
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: all %d channels for institution %q are down", ErrNotOperational, len(chans), inst)
}

// IDs returns the registered channel ids in stable order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ConnectAll brings every registered channel up concurrently and
// reports the first failure.
func (r *Registry) ConnectAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range r.IDs() {
		ch, _ := r.Get(id)
		g.Go(func() error {
			if err := ch.Connect(ctx); err != nil {
				return fmt.Errorf("channel %s: %w", ch.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CloseAll shuts every channel down, each within the context budget.
func (r *Registry) CloseAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range r.IDs() {
		ch, _ := r.Get(id)
		g.Go(func() error { return ch.Close(ctx) })
	}
	return g.Wait()
}

// ChannelStatus is the monitoring view of one channel.
type ChannelStatus struct {
	ID          string          `json:"id"`
	Institution string          `json:"institution"`
	State       string          `json:"state"`
	InFlight    int             `json:"in_flight"`
	Stats       MetricsSnapshot `json:"stats"`
}

// Status reports every channel for health endpoints and the monitor
// feed.
func (r *Registry) Status() []ChannelStatus {
	ids := r.IDs()
	out := make([]ChannelStatus, 0, len(ids))
	for _, id := range ids {
		ch, _ := r.Get(id)
		out = append(out, ChannelStatus{
			ID:          ch.ID(),
			Institution: ch.Institution(),
			State:       ch.State().String(),
			InFlight:    ch.InFlight(),
			Stats:       ch.Stats(),
		})
	}
	return out
}
