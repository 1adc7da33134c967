package worker

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Operator is user code implementing a workflow. It is re-executed from the
// top on every turn; engine primitives on the Context replay recorded steps
// without side effects and execute unrecorded ones. Returning a non-error
// completes the workflow with the returned output.
//
// Operators must not consult wall clock, randomness, or external state
// directly; those go through Context primitives that record into history.
type Operator func(c *Context) (json.RawMessage, error)

// Registry maps workflow names to operators.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operator)}
}

// Register binds an operator to a workflow name. Registering a name twice
// panics: it is a wiring bug, not a runtime condition.
func (r *Registry) Register(name string, op Operator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[name]; exists {
		panic(fmt.Sprintf("worker: operator %q registered twice", name))
	}
	r.ops[name] = op
}

// Get returns the operator for name.
func (r *Registry) Get(name string) (Operator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

// Names returns all registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	return names
}
