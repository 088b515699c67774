// Package repository defines the Task Repository (C7): persistence for
// task definitions, endpoint connection details, and run-time status.
// Grounded on the original's SQLAlchemy Task/Endpoint models and the
// teacher's dbclient.go connection-config resolution, this is a
// supplemented addition: the distilled spec names the operations a
// repository must support without committing to a storage technology, so
// a concrete backing store is added here to make the module runnable
// end-to-end.
package repository

import (
	"context"

	"github.com/aelfazziki/replication-manager/internal/model"
)

// TaskRepository is the Task Executor's only path to persisted state.
// SaveProgress combines position and metrics into one write, per the
// invariant that they must never be observed out of sync with each other.
type TaskRepository interface {
	LoadTask(ctx context.Context, taskID string) (model.Task, error)
	LoadEndpoint(ctx context.Context, endpointID string) (model.Endpoint, error)

	SaveStatus(ctx context.Context, taskID string, status model.Status) error
	SaveProgress(ctx context.Context, taskID string, pos model.Position, metrics model.Metrics) error

	// BeginRun assigns a fresh running_task_id and sets status=pending in
	// one write, so a concurrent reader never observes a running_task_id
	// without a matching pending/running status.
	BeginRun(ctx context.Context, taskID, runningTaskID string) error

	// PrepareReload sets last_position and initial_load=true in one write,
	// used by submit_reload to pre-capture the source's current position
	// before a fresh snapshot begins.
	PrepareReload(ctx context.Context, taskID string, pos model.Position) error
}
