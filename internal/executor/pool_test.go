package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelfazziki/replication-manager/internal/connector"
	"github.com/aelfazziki/replication-manager/internal/control"
	"github.com/aelfazziki/replication-manager/internal/model"
	"github.com/aelfazziki/replication-manager/internal/repository/memory"
)

// A task whose source endpoint was never seeded fails fast at
// loadEndpoints, giving pool_test.go an observable signal (status=failed)
// that a worker actually picked up and ran the enqueued task, without
// needing a full connector round trip.
func seedFailFastTask(repo *memory.Repository, taskID string) {
	repo.PutTask(model.Task{
		ID:       taskID,
		SourceID: "missing-source",
		DestinationID: "missing-target",
		Status:   model.StatusStopped,
	})
}

func TestPool_EnqueueDispatchesToAWorker(t *testing.T) {
	repo := memory.New()
	seedFailFastTask(repo, "task-1")
	exec := New(repo, connector.NewRegistry(), control.New())

	pool := NewPool(context.Background(), exec, 2, nil)
	defer pool.Stop()

	pool.Enqueue("task-1")

	require.Eventually(t, func() bool {
		task, ok := repo.Snapshot("task-1")
		return ok && task.Status == model.StatusFailed
	}, time.Second, 5*time.Millisecond)
}

func TestPool_StopIsIdempotent(t *testing.T) {
	exec := New(memory.New(), connector.NewRegistry(), control.New())
	pool := NewPool(context.Background(), exec, 1, nil)

	pool.Stop()
	assert.NotPanics(t, func() { pool.Stop() })
}

func TestPool_EnqueueAfterStopDropsSilently(t *testing.T) {
	exec := New(memory.New(), connector.NewRegistry(), control.New())
	pool := NewPool(context.Background(), exec, 1, nil)

	pool.Stop()
	assert.NotPanics(t, func() { pool.Enqueue("whatever") })
}

func TestPool_CancelingParentContextStopsWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	exec := New(memory.New(), connector.NewRegistry(), control.New())
	pool := NewPool(ctx, exec, 1, nil)
	defer pool.Stop()

	cancel()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after parent context cancellation")
	}
}
