// Copyright 2026 The devflow Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fulvian/devflow-sub003/internal/task"
)

// Registry holds the registered adapters keyed by provider ID.
// Registration happens at startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	ordered  []Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter. The descriptor ID must be unique.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.Descriptor() == nil {
		return fmt.Errorf("registry: nil adapter")
	}
	id := a.Descriptor().ID
	if id == "" {
		return fmt.Errorf("registry: adapter has empty provider id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("registry: provider %s already registered", id)
	}
	r.adapters[id] = a
	r.ordered = append(r.ordered, a)
	sort.SliceStable(r.ordered, func(i, j int) bool {
		return r.ordered[i].Descriptor().Priority < r.ordered[j].Descriptor().Priority
	})
	return nil
}

// Get returns the adapter for a provider ID.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// All returns every adapter ordered by static priority.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// CandidatesFor returns the adapters whose capability set satisfies the task
// class, ordered by static priority.
func (r *Registry) CandidatesFor(class task.Class) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Adapter
	for _, a := range r.ordered {
		if a.Descriptor().Capabilities.SupportsClass(class) {
			out = append(out, a)
		}
	}
	return out
}

// Primary returns the highest-priority adapter, or nil when empty.
// Used by the emergency mode's primary-only path.
func (r *Registry) Primary() Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ordered) == 0 {
		return nil
	}
	return r.ordered[0]
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
