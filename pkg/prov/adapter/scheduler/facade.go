// Package scheduler defines the batch-scheduler facade the engine talks to and
// a registry selecting an implementation by the identity's scheduler token.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/tigerroll/ioprov/pkg/prov/core/domain/model"
)

// ErrNoScript means no job script could be located.
var ErrNoScript = errors.New("job script not found")

// Facade looks up job metadata from one scheduler family.
type Facade interface {
	// JobInfo returns the scheduler's current view of id. Failures are SCHEDULER errors.
	JobInfo(ctx context.Context, id model.JobIdentity) (model.JobInfo, error)
	// JobScript returns the script text, model.NoScript for interactive jobs, or ErrNoScript.
	JobScript(ctx context.Context, info model.JobInfo) (string, error)
}

// Registry maps scheduler kinds to facades.
type Registry struct {
	mu      sync.RWMutex
	facades map[model.SchedulerKind]Facade
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{facades: make(map[model.SchedulerKind]Facade)}
}

// Register installs f for kind, replacing any previous one.
func (r *Registry) Register(kind model.SchedulerKind, f Facade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facades[kind] = f
}

// Lookup returns the facade for id's scheduler token.
func (r *Registry) Lookup(id model.JobIdentity) (Facade, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.facades[model.SchedulerKind(id.Sched)]
	return f, ok
}
