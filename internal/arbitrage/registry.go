package arbitrage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/omenarb/internal/domain"
)

// Registry holds named price impact oracles for selection by config.
type Registry struct {
	oracles map[string]domain.PriceImpactOracle
	mu      sync.RWMutex
}

// NewRegistry returns an empty registry. Call Register to add oracles.
func NewRegistry() *Registry {
	return &Registry{oracles: make(map[string]domain.PriceImpactOracle)}
}

// Register adds an oracle under the given name.
func (r *Registry) Register(name string, o domain.PriceImpactOracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oracles[name] = o
}

// Get returns the oracle by name, or an error if not found.
func (r *Registry) Get(name string) (domain.PriceImpactOracle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.oracles[name]
	if !ok {
		return nil, fmt.Errorf("price impact oracle %q not found", name)
	}
	return o, nil
}

// List returns all registered oracle names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.oracles))
	for n := range r.oracles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
