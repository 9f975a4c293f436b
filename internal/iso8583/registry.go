package iso8583

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds named schema versions. Lookups by bare name resolve
// to the latest registered version of that name.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema // name@version
	latest  map[string]*Schema // name
}

// NewRegistry returns a registry preloaded with the built-in schemas.
func NewRegistry() *Registry {
	r := &Registry{
		schemas: make(map[string]*Schema),
		latest:  make(map[string]*Schema),
	}
	r.MustRegister(NewFISCSchema())
	return r
}

// Register adds a schema. Re-registering the same name@version is an
// error; a new version of an existing name becomes the latest.
func (r *Registry) Register(s *Schema) error {
	if s == nil {
		return fmt.Errorf("register: nil schema")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := s.Key()
	if _, dup := r.schemas[key]; dup {
		return fmt.Errorf("register: schema %s already registered", key)
	}
	r.schemas[key] = s
	r.latest[s.Name] = s
	return nil
}

// MustRegister panics on registration failure. Use for built-ins only.
func (r *Registry) MustRegister(s *Schema) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get resolves "name" or "name@version".
func (r *Registry) Get(name string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.schemas[name]; ok {
		return s, nil
	}
	if s, ok := r.latest[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, name)
}

// Names returns the registered name@version keys, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
