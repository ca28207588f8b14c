package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/asr"
)

// ErrProviderNotRegistered is returned by [Registry.CreateASR] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ASRFactory builds a recognition backend from its configuration entry.
type ASRFactory func(ProviderEntry) (asr.Provider, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	asr map[string]ASRFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{asr: make(map[string]ASRFactory)}
}

// RegisterASR registers a recognition backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterASR(name string, factory ASRFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// CreateASR instantiates a recognition backend using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateASR(entry ProviderEntry) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create asr/%q: %w", entry.Name, err)
	}
	return p, nil
}

// ASRNames returns the registered backend names in sorted order.
func (r *Registry) ASRNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.asr))
	for n := range r.asr {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
