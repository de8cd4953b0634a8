// Package health aggregates readiness checks for the engine's subsystems.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single checker so one stuck subsystem cannot
// stall the readiness endpoint.
const checkTimeout = 2 * time.Second

// Status is the result of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a subsystem. It should respect ctx cancellation.
type Checker func(ctx context.Context) Status

// Registry runs named checkers in registration order.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Checker)}
}

// Register adds a checker under name. Registering the same name again
// replaces the previous checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; !dup {
		r.order = append(r.order, name)
	}
	r.byName[name] = check
}

// CheckAll probes every subsystem and reports the aggregate plus the
// individual results. Each probe runs under its own timeout.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = r.byName[name]
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(checks))
	for i, check := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		st := check(probeCtx)
		cancel()
		if st.Name == "" {
			st.Name = names[i]
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
