// Package providers keeps the initialized providers of a run, keyed by the
// resource type they serve, and hands out only the capabilities the
// operator allowed.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/portagegt/pkg/engine"
)

// Registry maps resource types to initialized providers.
type Registry struct {
	mu sync.RWMutex

	// providers maps resource type to provider instance.
	providers map[string]engine.Provider

	// allowedCapabilities is the set of capabilities granted to every
	// provider registered here.
	allowedCapabilities map[string]bool
}

// NewRegistry creates a registry granting capabilities.
func NewRegistry(capabilities ...engine.ProviderCapability) *Registry {
	r := &Registry{
		providers:           make(map[string]engine.Provider),
		allowedCapabilities: make(map[string]bool),
	}
	for _, c := range capabilities {
		r.allowedCapabilities[string(c)] = true
	}
	return r
}

// Capabilities returns the granted capabilities, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.allowedCapabilities))
	for c := range r.allowedCapabilities {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ValidateCapabilities returns an error naming every requested capability
// that was not granted.
func (r *Registry) ValidateCapabilities(requested []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, c := range requested {
		if !r.allowedCapabilities[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required capabilities: %v", missing)
	}
	return nil
}

// Register initializes p with the granted capabilities and registers it for
// every resource type of its schema. config is passed to Init unchanged.
func (r *Registry) Register(ctx context.Context, p engine.Provider, config []byte) error {
	meta := p.Metadata()
	if err := r.ValidateCapabilities(meta.RequiredCapabilities); err != nil {
		return fmt.Errorf("provider %s: %w", meta.Name, err)
	}

	schema, err := p.Schema()
	if err != nil {
		return fmt.Errorf("provider %s: failed to read schema: %w", meta.Name, err)
	}

	for resourceType := range schema.ResourceTypes {
		if _, err := r.Get(resourceType); err == nil {
			return fmt.Errorf("provider %s: resource type %s is already served", meta.Name, resourceType)
		}
	}

	if err := p.Init(ctx, engine.ProviderConfig{
		Name:         meta.Name,
		Version:      meta.Version,
		Config:       config,
		Capabilities: r.Capabilities(),
	}); err != nil {
		return fmt.Errorf("provider %s: %w", meta.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for resourceType := range schema.ResourceTypes {
		if existing, ok := r.providers[resourceType]; ok {
			return fmt.Errorf("resource type %s already served by %s", resourceType, existing.Metadata().Name)
		}
	}
	for resourceType := range schema.ResourceTypes {
		r.providers[resourceType] = p
	}
	return nil
}

// Get returns the provider serving resourceType.
func (r *Registry) Get(resourceType string) (engine.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[resourceType]
	if !ok {
		return nil, fmt.Errorf("no provider for resource type %q", resourceType)
	}
	return p, nil
}

// List returns the metadata of every registered provider, sorted by name.
func (r *Registry) List() []engine.ProviderMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []engine.ProviderMetadata
	for _, p := range r.providers {
		meta := p.Metadata()
		if seen[meta.Name] {
			continue
		}
		seen[meta.Name] = true
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate routes a resource configuration to its provider.
func (r *Registry) Validate(ctx context.Context, res engine.Resource) error {
	p, err := r.Get(res.Type)
	if err != nil {
		return engine.NewSpecificationError(err.Error(), err).WithResource(res.ID)
	}
	return p.Validate(ctx, res.Config)
}
