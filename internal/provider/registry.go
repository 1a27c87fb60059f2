package provider

import "fmt"

// NotFoundError indicates the requested provider is not registered
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("provider not found: %s", e.Name)
}

// Registry is a basic in-memory provider registry
type Registry struct {
	order     []string
	providers map[string]Provider
}

// NewRegistry creates a registry from the given providers
func NewRegistry(providers []Provider) *Registry {
	r := &Registry{
		providers: make(map[string]Provider),
	}
	for _, p := range providers {
		if _, exists := r.providers[p.Name()]; !exists {
			r.order = append(r.order, p.Name())
		}
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return p, nil
}

// List returns all registered provider names in registration order
func (r *Registry) List() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// All returns all registered providers in registration order
func (r *Registry) All() []Provider {
	providers := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		providers = append(providers, r.providers[name])
	}
	return providers
}
