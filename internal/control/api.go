package control

import (
	"context"

	"github.com/google/uuid"

	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/repository"
	"github.com/aelfazziki/replication-manager/internal/rerr"
)

// Scheduler hands a task off for execution. executor.Pool implements this;
// kept as a narrow interface here so this package does not import
// executor (executor already imports control).
type Scheduler interface {
	Enqueue(taskID string)
}

// CurrentPositionFunc reads a source endpoint's current position without
// running a full task execution, used by SubmitReload to pre-capture
// last_position. cmd/replicator supplies this as a closure over its
// connector registry and secrets manager.
type CurrentPositionFunc func(ctx context.Context, sourceEndpointID string) (model.Position, error)

// StatusView is the read-only projection returned by GetStatus.
type StatusView struct {
	Status       model.Status
	LastPosition model.Position
	Metrics      model.Metrics
}

// API realizes the control surface named in the specification's external
// interfaces table (submit, submit_reload, request_stop, get_status) as a
// plain Go interface with no HTTP transport, per the Non-goal excluding a
// control-plane server.
type API struct {
	repo            repository.TaskRepository
	channel         *Channel
	scheduler       Scheduler
	currentPosition CurrentPositionFunc
}

// NewAPI wires the control surface to its collaborators.
func NewAPI(repo repository.TaskRepository, channel *Channel, scheduler Scheduler, currentPosition CurrentPositionFunc) *API {
	return &API{repo: repo, channel: channel, scheduler: scheduler, currentPosition: currentPosition}
}

// Submit loads the task, refuses if it is already running/stopping/pending,
// assigns a fresh running_task_id, sets status=pending, and hands off to
// the scheduler.
func (a *API) Submit(ctx context.Context, taskID string) error {
	if _, err := a.beginRun(ctx, taskID); err != nil {
		return err
	}
	a.scheduler.Enqueue(taskID)
	return nil
}

// SubmitReload does everything Submit does, plus pre-captures the source's
// current position and forces a fresh initial load.
func (a *API) SubmitReload(ctx context.Context, taskID string) error {
	task, err := a.repo.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Reentrant() {
		return rerr.Withf(rerr.ConfigError, "control.SubmitReload", "task %q is %s, refusing re-entry", taskID, task.Status)
	}

	pos, err := a.currentPosition(ctx, task.SourceID)
	if err != nil {
		return err
	}
	if err := a.repo.PrepareReload(ctx, taskID, pos); err != nil {
		return err
	}

	if _, err := a.beginRun(ctx, taskID); err != nil {
		return err
	}
	a.scheduler.Enqueue(taskID)
	return nil
}

func (a *API) beginRun(ctx context.Context, taskID string) (string, error) {
	task, err := a.repo.LoadTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status.Reentrant() {
		return "", rerr.Withf(rerr.ConfigError, "control.Submit", "task %q is %s, refusing re-entry", taskID, task.Status)
	}
	runningID := uuid.NewString()
	if err := a.repo.BeginRun(ctx, taskID, runningID); err != nil {
		return "", err
	}
	return runningID, nil
}

// RequestStop marks the task stopping and raises the cooperative stop
// flag for its currently assigned running_task_id.
func (a *API) RequestStop(ctx context.Context, taskID string) error {
	task, err := a.repo.LoadTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := a.repo.SaveStatus(ctx, taskID, model.StatusStopping); err != nil {
		return err
	}
	if task.RunningTaskID != "" {
		a.channel.RequestStop(task.RunningTaskID)
	}
	return nil
}

// GetStatus returns the task's current status, position, and metrics.
func (a *API) GetStatus(ctx context.Context, taskID string) (StatusView, error) {
	task, err := a.repo.LoadTask(ctx, taskID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{Status: task.Status, LastPosition: task.LastPosition, Metrics: task.Metrics}, nil
}
