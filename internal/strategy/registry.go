package strategy

import (
	"sort"
	"sync"
)

// DefaultName is used when settings name no strategy or an unknown one.
const DefaultName = "signal_follow"

// Registry maps strategy names to implementations.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(SignalFollow{})
	r.Register(TouchLimit{})
	r.Register(NewImbalanceConfirm(1.5, 10))
	return r
}

// Register adds or replaces a strategy under its name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get returns the named strategy.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Resolve returns the named strategy, falling back to DefaultName.
func (r *Registry) Resolve(name string) Strategy {
	if s, ok := r.Get(name); ok {
		return s
	}
	s, _ := r.Get(DefaultName)
	return s
}

// Names lists registered strategies, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
