package detectors

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"

	"viewfinder/internal/pipeline"
)

// ErrBackendLost is wrapped by Infer errors after which the backend cannot
// be used again. The next Detect builds a fresh one.
var ErrBackendLost = errors.New("detector backend lost")

// Backend runs inference for one model configuration. A backend is built
// for a fixed DetectorConfig and thrown away when the config changes.
type Backend interface {
	// Infer returns raw detections for img in img's coordinate space
	Infer(ctx context.Context, img image.Image) ([]pipeline.DetectionResult, error)

	// Close releases backend resources
	Close() error
}

// Factory builds a backend for cfg
type Factory func(ctx context.Context, cfg pipeline.DetectorConfig) (Backend, error)

// Registry maps backend names to factories
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a backend factory under name
func (r *Registry) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}

	r.factories[name] = factory
	return nil
}

// Get returns the factory registered under name
func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names returns the registered backend names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unregister removes a backend factory
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; !exists {
		return fmt.Errorf("backend %q not found", name)
	}

	delete(r.factories, name)
	return nil
}
