package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered step executors and resolves which one to use for
// a given agent type. A default executor, when set, handles agent types with
// no dedicated registration.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]StepExecutor
	fallback  StepExecutor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]StepExecutor),
	}
}

// Register adds an executor for the given agent type.
func (r *Registry) Register(agentType string, ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[agentType] = ex
}

// SetDefault sets the executor used for agent types with no dedicated
// registration.
func (r *Registry) SetDefault(ex StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = ex
}

// Resolve returns the executor for the given agent type, falling back to the
// default executor when no dedicated one is registered.
func (r *Registry) Resolve(agentType string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ex, ok := r.executors[agentType]; ok {
		return ex, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor registered for agent type %q", agentType)
}

// AgentTypes returns the registered agent types, sorted for a stable API
// response.
func (r *Registry) AgentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
