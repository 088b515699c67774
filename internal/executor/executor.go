// Package executor implements the Task Executor (C5): the orchestrator
// driving one logical execution of a replication task through prelude,
// connect, optional DDL, optional snapshot, and the unbounded tail loop.
// Grounded on the original's run_replication and the teacher's
// CDCReplicationStream loop shape, adapted to Go's explicit context
// cancellation and interface-typed connectors.
package executor

import (
	"context"
	"io"
	"time"

	"github.com/aelfazziki/replication-manager/internal/config"
	"github.com/aelfazziki/replication-manager/internal/connector"
	"github.com/aelfazziki/replication-manager/internal/control"
	"github.com/aelfazziki/replication-manager/internal/logger"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/repository"
	"github.com/aelfazziki/replication-manager/internal/rerr"
	"github.com/aelfazziki/replication-manager/internal/secrets"
)

// Executor runs one task execution per Execute call. It owns no
// long-lived state of its own; everything durable lives in the
// repository, and everything ephemeral (stop flags) lives in the control
// channel.
type Executor struct {
	repo     repository.TaskRepository
	registry *connector.Registry
	control  *control.Channel
	log      *logger.Logger
	secrets  *secrets.Manager

	chunkSize    int
	pollInterval time.Duration
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithChunkSize overrides the default snapshot chunk size.
func WithChunkSize(n int) Option {
	return func(e *Executor) { e.chunkSize = n }
}

// WithPollInterval overrides the default tail-loop poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.pollInterval = d }
}

// WithLogger overrides the default logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithSecrets wires the endpoint password decryptor. Without it,
// loadEndpoints passes stored ciphertext straight to Connect, per
// model.Endpoint's documented contract that the core decrypts the
// password before opening a connection.
func WithSecrets(m *secrets.Manager) Option {
	return func(e *Executor) { e.secrets = m }
}

// New constructs an Executor wired to its collaborators.
func New(repo repository.TaskRepository, registry *connector.Registry, ctrl *control.Channel, opts ...Option) *Executor {
	e := &Executor{
		repo:         repo,
		registry:     registry,
		control:      ctrl,
		log:          logger.New("executor"),
		chunkSize:    config.DefaultChunkSize,
		pollInterval: config.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one logical execution of taskID to completion: it returns
// once the task reaches a terminal status (stopped, failed, completed).
// It never returns an error for an ordinary stop or clean terminal exit;
// the returned error surfaces only prelude/setup failures that occur
// before a status could be persisted as failed.
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	task, err := e.prelude(ctx, taskID)
	if err != nil {
		return err
	}

	sourceEndpoint, targetEndpoint, err := e.loadEndpoints(ctx, task)
	if err != nil {
		e.finish(ctx, task, model.StatusFailed, err)
		return nil
	}

	src, tgt, err := e.connectPhase(ctx, sourceEndpoint, targetEndpoint)
	if err != nil {
		e.finish(ctx, task, model.StatusFailed, err)
		return nil
	}
	defer func() {
		_ = src.Disconnect()
		_ = tgt.Disconnect()
		e.control.Clear(task.RunningTaskID)
	}()

	if err := e.ddlPhase(ctx, task, src, tgt, sourceEndpoint.Kind, targetEndpoint); err != nil {
		e.finish(ctx, task, model.StatusFailed, err)
		return nil
	}

	stopped, err := e.snapshotPhase(ctx, task, src, tgt, targetEndpoint)
	if err != nil {
		e.finish(ctx, task, model.StatusFailed, err)
		return nil
	}
	if stopped {
		e.finish(ctx, task, model.StatusStopped, nil)
		return nil
	}

	status, tailErr := e.tailLoop(ctx, task, src, tgt, targetEndpoint)
	e.finish(ctx, task, status, tailErr)
	return nil
}

// prelude loads the task, rejects re-entry while another execution holds
// it (running or stopping), and transitions to running. A pending task, as
// left by control.API's submit, is accepted.
func (e *Executor) prelude(ctx context.Context, taskID string) (*model.Task, error) {
	t, err := e.repo.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status == model.StatusRunning || t.Status == model.StatusStopping {
		return nil, rerr.Withf(rerr.ConfigError, "executor.prelude",
			"task %q is %s, refusing re-entry", taskID, t.Status)
	}

	t.Metrics.Error = ""
	if err := e.repo.SaveStatus(ctx, taskID, model.StatusRunning); err != nil {
		return nil, err
	}
	t.Status = model.StatusRunning
	return t.Clone(), nil
}

func (e *Executor) loadEndpoints(ctx context.Context, task *model.Task) (model.Endpoint, model.Endpoint, error) {
	src, err := e.repo.LoadEndpoint(ctx, task.SourceID)
	if err != nil {
		return model.Endpoint{}, model.Endpoint{}, err
	}
	tgt, err := e.repo.LoadEndpoint(ctx, task.DestinationID)
	if err != nil {
		return model.Endpoint{}, model.Endpoint{}, err
	}
	if err := e.decryptPassword(&src); err != nil {
		return model.Endpoint{}, model.Endpoint{}, rerr.New(rerr.ConfigError, "executor.loadEndpoints", err)
	}
	if err := e.decryptPassword(&tgt); err != nil {
		return model.Endpoint{}, model.Endpoint{}, rerr.New(rerr.ConfigError, "executor.loadEndpoints", err)
	}
	return src, tgt, nil
}

// decryptPassword replaces ep.Password's stored ciphertext with the
// plaintext password connectors expect, per model.Endpoint's documented
// contract. A nil secrets manager (no WithSecrets option) leaves the
// endpoint untouched, matching repository fakes that seed plaintext
// passwords directly.
func (e *Executor) decryptPassword(ep *model.Endpoint) error {
	if e.secrets == nil || ep.Password == "" {
		return nil
	}
	plain, err := e.secrets.DecryptEndpointPassword(ep.ID, ep.Password)
	if err != nil {
		return err
	}
	ep.Password = plain
	return nil
}

// connectPhase instantiates and connects the source and target
// connectors. Source connects first, then target; any failure aborts.
func (e *Executor) connectPhase(ctx context.Context, srcEP, tgtEP model.Endpoint) (connector.SourceConnector, connector.TargetConnector, error) {
	src, ok := e.registry.NewSource(srcEP.Kind)
	if !ok {
		return nil, nil, rerr.Withf(rerr.ConfigError, "executor.connectPhase", "no source connector registered for kind %q", srcEP.Kind)
	}
	tgt, ok := e.registry.NewTarget(tgtEP.Kind)
	if !ok {
		return nil, nil, rerr.Withf(rerr.ConfigError, "executor.connectPhase", "no target connector registered for kind %q", tgtEP.Kind)
	}

	connectCtx, cancel := context.WithTimeout(ctx, config.DefaultConnectTimeout)
	defer cancel()

	if err := src.Connect(connectCtx, srcEP); err != nil {
		return nil, nil, err
	}
	if err := tgt.Connect(connectCtx, tgtEP); err != nil {
		_ = src.Disconnect()
		return nil, nil, err
	}
	return src, tgt, nil
}

// ddlPhase ensures the target schema and tables exist when the task
// requests it. Existing tables are left untouched.
func (e *Executor) ddlPhase(ctx context.Context, task *model.Task, src connector.SourceConnector, tgt connector.TargetConnector, sourceKind model.Kind, targetEP model.Endpoint) error {
	if !task.CreateTables {
		return nil
	}
	if err := tgt.CreateSchemaIfAbsent(ctx, targetEP.TargetSchema); err != nil {
		return err
	}
	for _, table := range task.Tables {
		def, err := src.GetTableSchema(ctx, table.Schema, table.Table)
		if err != nil {
			return err
		}
		if err := tgt.CreateTableIfAbsent(ctx, def, sourceKind, targetEP.TargetSchema); err != nil {
			return err
		}
	}
	return nil
}

// snapshotPhase performs the initial bulk load when requested. It returns
// stopped=true if a control-channel stop interrupted the load cleanly.
//
// Position ordering is the crucial invariant here: pre_load_position is
// captured before any row of a table is read, and the task's
// last_position is set to the first table's pre_load_position only after
// every table has finished — this guarantees the tail resumes from a
// point at-or-before any row copied during the snapshot.
func (e *Executor) snapshotPhase(ctx context.Context, task *model.Task, src connector.SourceConnector, tgt connector.TargetConnector, targetEP model.Endpoint) (bool, error) {
	if !task.InitialLoad {
		return false, nil
	}

	var firstTablePosition model.Position

	for i, table := range task.Tables {
		prePos, err := src.CurrentPosition(ctx)
		if err != nil {
			return false, err
		}
		if i == 0 {
			firstTablePosition = prePos
		}

		if err := tgt.ClearTable(ctx, targetEP.TargetSchema, table.Table); err != nil {
			return false, err
		}

		stream, err := src.SnapshotChunks(ctx, table.Schema, table.Table, e.chunkSize)
		if err != nil {
			return false, err
		}

		stopped, err := e.copyChunks(ctx, task, stream, tgt, targetEP.TargetSchema, table.Table)
		stream.Close()
		if err != nil {
			return false, err
		}
		if stopped {
			// Position remains the pre_load_position of the table being
			// loaded when interrupted mid-table.
			return true, e.repo.SaveProgress(ctx, task.ID, prePos, task.Metrics)
		}
	}

	task.LastPosition = firstTablePosition
	task.InitialLoad = false
	return false, e.repo.SaveProgress(ctx, task.ID, task.LastPosition, task.Metrics)
}

func (e *Executor) copyChunks(ctx context.Context, task *model.Task, stream connector.SnapshotStream, tgt connector.TargetConnector, targetSchema, table string) (bool, error) {
	for {
		if e.control.IsStopRequested(task.RunningTaskID) {
			return true, nil
		}

		batch, err := stream.Next(ctx)
		if err != nil {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		if len(batch) == 0 {
			return false, nil
		}
		if err := tgt.WriteSnapshotChunk(ctx, targetSchema, table, batch); err != nil {
			return false, err
		}
		var bytes int64
		for _, row := range batch {
			bytes += estimateRowBytes(row)
		}
		task.Metrics.Add(int64(len(batch)), 0, 0, bytes, 0)
	}
}

// tailLoop is the unbounded CDC loop. It returns the terminal status to
// persist and, for a failure, the error that caused it.
func (e *Executor) tailLoop(ctx context.Context, task *model.Task, src connector.SourceConnector, tgt connector.TargetConnector, targetEP model.Endpoint) (model.Status, error) {
	for {
		if e.control.IsStopRequested(task.RunningTaskID) {
			return model.StatusStopped, nil
		}
		select {
		case <-ctx.Done():
			return model.StatusStopped, nil
		default:
		}

		events, newPosition, err := src.GetChanges(ctx, task.LastPosition)
		if err != nil {
			if rerr.IsTransient(err) {
				e.log.Warnf("transient source error for task %s: %v", task.ID, err)
				if !e.sleepOrCancel(ctx, e.pollInterval) {
					return model.StatusStopped, nil
				}
				continue
			}
			return model.StatusFailed, err
		}

		if len(events) == 0 && newPosition.Equal(task.LastPosition) {
			if !e.sleepOrCancel(ctx, e.pollInterval) {
				return model.StatusStopped, nil
			}
			continue
		}

		start := time.Now()
		if err := tgt.ApplyChanges(ctx, events, targetEP.TargetSchema, task.MergeEnabled); err != nil {
			return model.StatusFailed, err
		}
		latency := time.Since(start)

		task.LastPosition = newPosition
		inserts, updates, deletes, bytes := countOps(events)
		task.Metrics.Add(inserts, updates, deletes, bytes, latency)

		if err := e.repo.SaveProgress(ctx, task.ID, task.LastPosition, task.Metrics); err != nil {
			return model.StatusFailed, err
		}
	}
}

func (e *Executor) sleepOrCancel(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish writes the terminal status and, on failure, truncates the error
// message into metrics.error. It always clears the control flag and runs
// regardless of which phase produced the outcome.
func (e *Executor) finish(ctx context.Context, task *model.Task, status model.Status, cause error) {
	if cause != nil {
		task.Metrics.Error = truncateError(cause, 1000)
	}
	if err := e.repo.SaveProgress(ctx, task.ID, task.LastPosition, task.Metrics); err != nil {
		e.log.Errorf("finish: failed to save progress for task %s: %v", task.ID, err)
	}
	if err := e.repo.SaveStatus(ctx, task.ID, status); err != nil {
		e.log.Errorf("finish: failed to save status for task %s: %v", task.ID, err)
	}
	e.control.Clear(task.RunningTaskID)
}

func truncateError(err error, max int) string {
	s := err.Error()
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func countOps(events []model.ChangeEvent) (inserts, updates, deletes, bytes int64) {
	for _, ev := range events {
		switch ev.Operation {
		case model.OpInsert:
			inserts++
		case model.OpUpdate:
			updates++
		case model.OpDelete:
			deletes++
		}
		bytes += estimateRowBytes(ev.AfterData) + estimateRowBytes(ev.BeforeData)
	}
	return
}

// estimateRowBytes is a rough metrics-only size estimate, not a wire
// format; it exists to give bytes_processed a plausible non-zero value.
func estimateRowBytes(row map[string]any) int64 {
	var n int64
	for k, v := range row {
		n += int64(len(k)) + 8
		if s, ok := v.(string); ok {
			n += int64(len(s))
		}
	}
	return n
}
