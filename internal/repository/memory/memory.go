// Package memory implements an in-memory TaskRepository used by executor
// tests in place of a database.
package memory

import (
	"context"
	"sync"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// Repository is a concurrency-safe, process-local TaskRepository.
type Repository struct {
	mu        sync.Mutex
	tasks     map[string]model.Task
	endpoints map[string]model.Endpoint
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{
		tasks:     make(map[string]model.Task),
		endpoints: make(map[string]model.Endpoint),
	}
}

// PutTask seeds or overwrites a task, for test setup.
func (r *Repository) PutTask(t model.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t
}

// PutEndpoint seeds or overwrites an endpoint, for test setup.
func (r *Repository) PutEndpoint(ep model.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[ep.ID] = ep
}

func (r *Repository) LoadTask(ctx context.Context, taskID string) (model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return model.Task{}, rerr.Withf(rerr.ConfigError, "memory.LoadTask", "task %q not found", taskID)
	}
	return t, nil
}

func (r *Repository) LoadEndpoint(ctx context.Context, endpointID string) (model.Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.endpoints[endpointID]
	if !ok {
		return model.Endpoint{}, rerr.Withf(rerr.ConfigError, "memory.LoadEndpoint", "endpoint %q not found", endpointID)
	}
	return ep, nil
}

func (r *Repository) SaveStatus(ctx context.Context, taskID string, status model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return rerr.Withf(rerr.ConfigError, "memory.SaveStatus", "task %q not found", taskID)
	}
	t.Status = status
	r.tasks[taskID] = t
	return nil
}

func (r *Repository) SaveProgress(ctx context.Context, taskID string, pos model.Position, metrics model.Metrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return rerr.Withf(rerr.ConfigError, "memory.SaveProgress", "task %q not found", taskID)
	}
	t.LastPosition = pos
	t.Metrics = metrics
	r.tasks[taskID] = t
	return nil
}

func (r *Repository) BeginRun(ctx context.Context, taskID, runningTaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return rerr.Withf(rerr.ConfigError, "memory.BeginRun", "task %q not found", taskID)
	}
	t.RunningTaskID = runningTaskID
	t.Status = model.StatusPending
	r.tasks[taskID] = t
	return nil
}

func (r *Repository) PrepareReload(ctx context.Context, taskID string, pos model.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return rerr.Withf(rerr.ConfigError, "memory.PrepareReload", "task %q not found", taskID)
	}
	t.LastPosition = pos
	t.InitialLoad = true
	r.tasks[taskID] = t
	return nil
}

// Snapshot returns a copy of the current task state, for test assertions.
func (r *Repository) Snapshot(taskID string) (model.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	return t, ok
}
