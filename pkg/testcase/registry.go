package testcase

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrUnknownCase   = errors.New("unknown case")
	errDuplicateCase = errors.New("case already registered")
)

// Registry maps case names to their body.
type Registry struct {
	mu    sync.RWMutex
	cases map[string]RunFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cases: map[string]RunFunc{}}
}

// Register adds fn under name.
func (r *Registry) Register(name string, fn RunFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cases[name]; ok {
		return fmt.Errorf("%w: %s", errDuplicateCase, name)
	}
	r.cases[name] = fn
	return nil
}

// Lookup returns the body registered under name.
func (r *Registry) Lookup(name string) (RunFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.cases[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCase, name)
	}
	return fn, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.cases))
	for name := range r.cases {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
