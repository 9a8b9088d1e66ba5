package services

import (
	"sort"
	"sync"

	"triggerhappy/internal/common/errors"
	"triggerhappy/internal/common/logging"
)

// Registry holds one plugin instance per enabled service name. Factories
// are registered at process start; Load constructs instances for the
// enabled definitions and atomically replaces the prior mapping, so a
// reload never duplicates or leaks instances from a caller's point of view.
//
// Registry is safe for concurrent use; after Load it is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	plugins   map[string]Plugin
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		plugins:   make(map[string]Plugin),
	}
}

// RegisterFactory makes a plugin constructible under its service name.
// Registering the same name again replaces the factory.
func (r *Registry) RegisterFactory(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factory.ServiceName()] = factory
}

// Load constructs one plugin per enabled definition that has a registered
// factory and swaps the instance map in a single step. Definitions that are
// disabled are skipped; enabled definitions without a factory are logged
// and skipped so one missing build tag cannot block the rest.
func (r *Registry) Load(definitions []Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	plugins := make(map[string]Plugin, len(definitions))
	for _, def := range definitions {
		if !def.Enabled {
			continue
		}

		factory, ok := r.factories[def.Name]
		if !ok {
			logging.Warn("no plugin factory for enabled service",
				logging.Field{Key: "service", Value: def.Name})
			continue
		}

		plugin, err := factory.Create()
		if err != nil {
			return errors.InternalError("constructing plugin for "+def.Name, err)
		}
		plugins[def.Name] = plugin
	}

	r.plugins = plugins
	return nil
}

// Resolve returns the plugin registered under name. Fails with an
// unknown-service error when the name is disabled or was never loaded.
func (r *Registry) Resolve(name string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugin, ok := r.plugins[name]
	if !ok {
		return nil, errors.UnknownServiceError(name)
	}
	return plugin, nil
}

// Names returns the sorted names of all loaded plugins
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
