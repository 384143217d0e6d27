package breaker

import (
	"sort"
	"sync"
)

// Registry is a named collection of breakers, addressable by the admin
// endpoints. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Register adds a breaker under its name, replacing any previous entry.
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.Name()] = b
}

// Get returns the breaker with the given name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Snapshots returns point-in-time views of all breakers, sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(list))
	for _, b := range list {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}
