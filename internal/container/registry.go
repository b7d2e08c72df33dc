package container

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateRegistration is returned when a name already has a live handle.
var ErrDuplicateRegistration = errors.New("container already registered")

// Registry maps container names to their live handle. It holds at most one handle per
// name and never evicts on its own; it is rebuilt from the node store after a restart.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Container
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Container)}
}

func (r *Registry) Get(name string) (*Container, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[name]
	return c, ok
}

// Register stores c under name. It fails if name is already taken.
func (r *Registry) Register(name string, c *Container) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, name)
	}
	r.entries[name] = c
	return nil
}

// Remove drops name only if it still maps to c.
func (r *Registry) Remove(name string, c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[name]; ok && cur == c {
		delete(r.entries, name)
	}
}

// Names returns registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
