package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yourorg/apirecorder/pkg/types"
)

// Registry dispatches control calls to the manager of a backend kind.
type Registry struct {
	managers map[types.BackendKind]*Manager
	wg       sync.WaitGroup
}

func NewRegistry(managers ...*Manager) *Registry {
	r := &Registry{managers: make(map[types.BackendKind]*Manager, len(managers))}
	for _, m := range managers {
		r.managers[m.Kind()] = m
	}
	return r
}

// Get returns the manager for kind.
func (r *Registry) Get(kind types.BackendKind) (*Manager, error) {
	m, ok := r.managers[kind]
	if !ok {
		return nil, fmt.Errorf("capture: unknown backend %q", kind)
	}
	return m, nil
}

// Kinds lists the registered backends in a stable order.
func (r *Registry) Kinds() []types.BackendKind {
	out := make([]types.BackendKind, 0, len(r.managers))
	for k := range r.managers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run starts one event pump per manager. Pumps end when ctx is done.
func (r *Registry) Run(ctx context.Context) {
	for _, m := range r.managers {
		r.wg.Add(1)
		go func(m *Manager) {
			defer r.wg.Done()
			m.Run(ctx)
		}(m)
	}
}

// Close stops every backend. Pumps keep running until the Run ctx is done.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, k := range r.Kinds() {
		if err := r.managers[k].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until all pumps have returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}
