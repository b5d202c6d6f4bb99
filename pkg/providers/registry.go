// Package providers holds the provider registry and the pieces shared by
// the compiled-in CloudProvider implementations.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// Registry resolves CloudProviders by provider id. It implements
// engine.ProviderResolver.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]engine.CloudProvider
}

var _ engine.ProviderResolver = (*Registry)(nil)

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]engine.CloudProvider),
	}
}

// Register adds a provider under id. Registering an id twice is an error.
func (r *Registry) Register(id string, provider engine.CloudProvider) error {
	if id == "" {
		return engine.NewConfigError(engine.ErrCodeMissingRequiredField, "provider id is required")
	}
	if provider == nil {
		return engine.NewConfigError(engine.ErrCodeMissingRequiredField,
			fmt.Sprintf("provider %s is nil", id))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[id]; exists {
		return engine.NewAlreadyExistsError("provider "+id, nil).WithOperation("register")
	}
	r.providers[id] = provider
	return nil
}

// Provider returns the provider registered under id.
func (r *Registry) Provider(id string) (engine.CloudProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[id]
	if !exists {
		return nil, engine.NewNotFoundError("provider "+id, nil).
			WithOperation("resolve").
			WithDetail("registered", r.idsLocked())
	}
	return provider, nil
}

// IDs returns the registered provider ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
