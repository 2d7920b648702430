package substrate

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a substrate name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered substrates by name.
type Registry struct {
	mu         sync.RWMutex
	substrates map[string]Substrate
}

// NewRegistry creates an empty substrate registry.
func NewRegistry() *Registry {
	return &Registry{
		substrates: make(map[string]Substrate),
	}
}

// Register adds a substrate to the registry under the given name.
func (r *Registry) Register(name string, s Substrate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.substrates[name] = s
}

// Resolve returns the substrate registered under name.
func (r *Registry) Resolve(name string) (Substrate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.substrates[name]
	if !ok {
		return nil, fmt.Errorf("substrate %q is not registered", name)
	}
	return s, nil
}

// List returns information about all registered substrates, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.substrates))
	for name, s := range r.substrates {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: s.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
