// Package features implements the name-indexed feature registry (spec
// §4.7): protocol listeners, the cache, the storage plane and the
// backup service all register as a uniform Feature and are toggled
// through a single contract, mirroring the teacher's named-runnable
// composition in its service bootstrap layer.
package features

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Feature is the uniform lifecycle contract every toggleable subsystem
// implements.
type Feature interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Info is the observable state of one registered feature.
type Info struct {
	Name        string
	Description string
	Enabled     bool
	Running     bool
}

type entry struct {
	feature     Feature
	description string
	enabled     bool
}

// Registry holds every registered Feature and tracks, independently of
// whether its task is actually running, whether it has been asked to be
// enabled — so "requested enabled but not yet up" (a Start in flight, or
// one that errored) is observable via list().
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	restarts map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), restarts: make(map[string]bool)}
}

// Register is idempotent: registering the same name twice replaces the
// feature instance but keeps its prior enabled bit.
func (r *Registry) Register(name, description string, f Feature) {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := false
	if existing, ok := r.entries[name]; ok {
		enabled = existing.enabled
	}

	r.entries[name] = &entry{feature: f, description: description, enabled: enabled}
}

func (r *Registry) Start(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("features: unknown feature %q", name)
	}

	if e.feature.IsRunning() {
		return nil
	}

	r.mu.Lock()
	e.enabled = true
	r.mu.Unlock()

	if err := e.feature.Start(ctx); err != nil {
		return fmt.Errorf("features: starting %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.restarts, name)
	r.mu.Unlock()

	return nil
}

func (r *Registry) Stop(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("features: unknown feature %q", name)
	}

	if !e.feature.IsRunning() {
		r.mu.Lock()
		e.enabled = false
		r.mu.Unlock()

		return nil
	}

	if err := e.feature.Stop(ctx); err != nil {
		return fmt.Errorf("features: stopping %q: %w", name, err)
	}

	r.mu.Lock()
	e.enabled = false
	r.mu.Unlock()

	return nil
}

// Restart stops then starts name, picking up whatever configuration the
// caller baked into the Feature when it last called Register.
func (r *Registry) Restart(ctx context.Context, name string) error {
	if err := r.Stop(ctx, name); err != nil {
		return err
	}

	return r.Start(ctx, name)
}

// MarkRestartRequired flags name as needing a Restart before a
// configuration change (typically to protocol enablement) takes effect.
// RestartRequired reports this bit; List does not include it.
func (r *Registry) MarkRestartRequired(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.restarts[name] = true
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		out = append(out, Info{Name: name, Description: e.description, Enabled: e.enabled, Running: e.feature.IsRunning()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// RestartRequired reports whether name has a pending configuration
// change that requires a Restart to take effect.
func (r *Registry) RestartRequired(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.restarts[name]
}

// StopAll stops every running feature, used during graceful shutdown.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)

	for _, name := range names {
		_ = r.Stop(ctx, name)
	}
}
