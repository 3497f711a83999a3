// Package registry maps execution function type names to factories and
// holds the named function instances created from configuration.
package registry

import (
	"sync"

	"github.com/sevenquant/auto-trader/internal/engine/fn"
	"github.com/sevenquant/auto-trader/internal/logger"
	"github.com/sevenquant/auto-trader/internal/types"
	"github.com/sevenquant/auto-trader/pkg/errors"
	"go.uber.org/zap"
)

// Factory constructs a function instance from its configuration.
type Factory func(config types.FunctionConfig, deps fn.Deps) (fn.Function, error)

// Registry is safe for concurrent use. Timeframe lookup is pre-indexed
// because it runs once per bar close.
type Registry struct {
	mu          sync.RWMutex
	factories   map[string]Factory
	instances   map[string]fn.Function
	byTimeframe map[types.Timeframe][]fn.Function

	deps   fn.Deps
	logger *logger.Logger
}

// NewRegistry creates an empty registry. The deps are passed to every
// factory at instance creation time.
func NewRegistry(deps fn.Deps, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Registry{
		factories:   make(map[string]Factory),
		instances:   make(map[string]fn.Function),
		byTimeframe: make(map[types.Timeframe][]fn.Function),
		deps:        deps,
		logger:      log,
	}
}

// NewDefaultRegistry creates a registry with the built-in function types
// registered.
func NewDefaultRegistry(deps fn.Deps, log *logger.Logger) *Registry {
	r := NewRegistry(deps, log)

	// Registration of the built-in variants cannot collide in a fresh map.
	_ = r.Register(fn.TypeCloseAbove, func(config types.FunctionConfig, deps fn.Deps) (fn.Function, error) {
		return fn.NewCloseAbove(config, deps)
	})
	_ = r.Register(fn.TypeCloseBelow, func(config types.FunctionConfig, deps fn.Deps) (fn.Function, error) {
		return fn.NewCloseBelow(config, deps)
	})
	_ = r.Register(fn.TypeTrailingStop, func(config types.FunctionConfig, deps fn.Deps) (fn.Function, error) {
		return fn.NewTrailingStop(config, deps)
	})

	return r
}

// Register associates a function type name with a factory. Registering an
// already known type fails.
func (r *Registry) Register(typeName string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeName]; exists {
		return errors.Newf(errors.ErrCodeFunctionAlreadyExists, "function type %q already registered", typeName)
	}

	r.factories[typeName] = factory
	r.logger.Debug("registered function type", zap.String("type", typeName))

	return nil
}

// RegisteredTypes returns the known function type names.
func (r *Registry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	return names
}

// CreateFunction instantiates a function from config and stores it keyed
// by its unique name. Duplicate names are rejected with an error naming
// the conflict.
func (r *Registry) CreateFunction(config types.FunctionConfig) (fn.Function, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[config.Name]; exists {
		return nil, errors.Newf(errors.ErrCodeFunctionAlreadyExists, "function %q already exists", config.Name)
	}

	factory, ok := r.factories[config.FunctionType]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeFunctionNotFound, "unknown function type %q", config.FunctionType)
	}

	instance, err := factory(config, r.deps)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to create function", err)
	}

	r.instances[config.Name] = instance
	r.byTimeframe[config.Timeframe] = append(r.byTimeframe[config.Timeframe], instance)

	r.logger.Info("created execution function",
		zap.String("name", config.Name),
		zap.String("type", config.FunctionType),
		zap.String("timeframe", string(config.Timeframe)),
	)

	return instance, nil
}

// GetFunction returns the named instance.
func (r *Registry) GetFunction(name string) (fn.Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.instances[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeFunctionNotFound, "function %q not found", name)
	}

	return instance, nil
}

// GetFunctionsByTimeframe returns the instances monitoring a timeframe.
// The returned slice is a copy.
func (r *Registry) GetFunctionsByTimeframe(timeframe types.Timeframe) []fn.Function {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indexed := r.byTimeframe[timeframe]
	out := make([]fn.Function, len(indexed))
	copy(out, indexed)

	return out
}

// RemoveFunction deletes a named instance from the registry and the
// timeframe index.
func (r *Registry) RemoveFunction(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	instance, ok := r.instances[name]
	if !ok {
		return errors.Newf(errors.ErrCodeFunctionNotFound, "function %q not found", name)
	}

	delete(r.instances, name)

	tf := instance.Timeframe()
	indexed := r.byTimeframe[tf]

	for i, candidate := range indexed {
		if candidate.Name() == name {
			r.byTimeframe[tf] = append(indexed[:i], indexed[i+1:]...)

			break
		}
	}

	if len(r.byTimeframe[tf]) == 0 {
		delete(r.byTimeframe, tf)
	}

	return nil
}

// Count returns the number of stored instances.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.instances)
}

// ClearAll removes every stored instance. Registered types survive. Used
// by tests and controlled restarts.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.instances = make(map[string]fn.Function)
	r.byTimeframe = make(map[types.Timeframe][]fn.Function)
	r.logger.Info("registry cleared")
}
