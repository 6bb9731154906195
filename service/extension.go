package service

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/c360/replicant/replicant"
)

// Extension is a bundle of replicant declarations loaded into the service
// at startup. OnLoad typically registers replicants, schemas, and defaults;
// OnUnload releases anything the extension holds. Extensions are unloaded
// in reverse load order.
type Extension interface {
	Name() string
	OnLoad(ctx context.Context, store *replicant.Store) error
	OnUnload(ctx context.Context) error
}

// Constructor builds an extension instance from its raw JSON config.
type Constructor func(name string, rawConfig json.RawMessage) (Extension, error)

// ExtensionRegistry manages extension constructor registration
type ExtensionRegistry struct {
	constructors map[string]Constructor
	mu           sync.RWMutex
}

// NewExtensionRegistry creates a new extension registry
func NewExtensionRegistry() *ExtensionRegistry {
	return &ExtensionRegistry{
		constructors: make(map[string]Constructor),
	}
}

// Register registers an extension constructor
func (r *ExtensionRegistry) Register(name string, constructor Constructor) error {
	if name == "" {
		return fmt.Errorf("extension name cannot be empty")
	}
	if constructor == nil {
		return fmt.Errorf("constructor cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.constructors[name]; exists {
		return fmt.Errorf("extension %s already registered", name)
	}

	r.constructors[name] = constructor
	return nil
}

// Constructor returns a constructor for the given extension name
func (r *ExtensionRegistry) Constructor(name string) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	constructor, exists := r.constructors[name]
	return constructor, exists
}

// Extensions returns all registered extension names
func (r *ExtensionRegistry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	return names
}

// Constructors returns a copy of all constructors
func (r *ExtensionRegistry) Constructors() map[string]Constructor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := make(map[string]Constructor, len(r.constructors))
	maps.Copy(c, r.constructors)
	return c
}
