package buildsys

import (
	"context"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// StepContext is passed to a step for each run.
type StepContext struct {
	Project *Project
	// Targets lists the targets to process in declaration order.
	Targets []*Target
	// Invoke runs the named tasks as a new, independent invocation of the runner. Long-running steps get a
	// variant which skips the up-to-date checks.
	Invoke func(ctx context.Context, tasks ...string) error
}

// Step is the implementation of a plugin.
type Step interface {
	// Validate checks a target's configuration while the project is loaded.
	Validate(project *Project, target *Target) error
	Run(ctx context.Context, sc *StepContext) error
}

// Tracker is implemented by steps that can report their inputs and outputs. The runner uses them to skip
// targets whose outputs are newer than all inputs.
type Tracker interface {
	Paths(project *Project, target *Target) (inputs, outputs []string, err error)
}

// LongRunning marks steps which don't finish on their own (i.e. watch). They are never skipped and don't
// hold the output lock.
type LongRunning interface {
	LongRunning()
}

// Registry resolves plugin names to step implementations.
type Registry interface {
	Resolve(name string) (Step, error)
}

// MapRegistry is a simple Registry backed by a map.
type MapRegistry struct {
	steps map[string]Step
	lock  sync.RWMutex
}

func NewMapRegistry() *MapRegistry {
	return &MapRegistry{
		steps: make(map[string]Step),
	}
}

// Register adds or replaces the step for name.
func (r *MapRegistry) Register(name string, step Step) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.steps[name] = step
}

func (r *MapRegistry) Resolve(name string) (Step, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	step, ok := r.steps[name]
	if !ok {
		return nil, eris.Errorf("plugin %s is not registered", name)
	}
	return step, nil
}

// Names returns the registered plugin names in alphabetical order.
func (r *MapRegistry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	result := make([]string, 0, len(r.steps))
	for name := range r.steps {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}
