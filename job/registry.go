package job

import (
	"sort"
	"sync"

	batch "github.com/goliatone/go-batch"
	goerrors "github.com/goliatone/go-errors"
)

// StageFactory builds a fresh stage for one job.
type StageFactory func(deps Deps) (batch.Handler, error)

// Registry stores named stage factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]StageFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]StageFactory)}
}

// Register stores factory under name. Names are unique.
func (r *Registry) Register(name string, factory StageFactory) error {
	if name == "" || factory == nil {
		return goerrors.NewValidation("invalid stage registration",
			goerrors.FieldError{Field: "name", Message: "name and factory are required", Value: name})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return goerrors.New("stage already registered", goerrors.CategoryConflict).
			WithTextCode("STAGE_CONFLICT").
			WithMetadata(map[string]any{"stage": name})
	}
	r.factories[name] = factory
	return nil
}

// RegisterHandler registers a stage instance shared by every job built
// from this registry.
func (r *Registry) RegisterHandler(name string, h batch.Handler) error {
	if h == nil {
		return r.Register(name, nil)
	}
	return r.Register(name, func(Deps) (batch.Handler, error) { return h, nil })
}

func (r *Registry) Lookup(name string) (StageFactory, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Names lists the registered stages in order.
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
