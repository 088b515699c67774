package executor

import (
	"context"
	"sync"

	"github.com/aelfazziki/replication-manager/internal/logger"
)

// Pool is a small bounded worker pool running one goroutine per task
// execution, grounded on the teacher's per-connection goroutine pattern
// in services/anchor/internal/engine. Unlike that pattern there is no
// gRPC stream driving each goroutine; tasks are enqueued locally by
// control.API or cmd/replicator.
type Pool struct {
	exec   *Executor
	log    *logger.Logger
	queue  chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewPool builds a Pool of size workers driving exec. The pool's internal
// context is derived from ctx; Stop cancels it and waits for in-flight
// executions to observe cancellation.
func NewPool(ctx context.Context, exec *Executor, size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if log == nil {
		log = logger.New("executor-pool")
	}
	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		exec:   exec,
		log:    log,
		queue:  make(chan string, 64),
		ctx:    poolCtx,
		cancel: cancel,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case taskID, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.exec.Execute(p.ctx, taskID); err != nil {
				p.log.Errorf("task %s execution setup failed: %v", taskID, err)
			}
		}
	}
}

// Enqueue schedules taskID for execution by the next free worker. It never
// blocks the caller indefinitely: the queue is buffered, and a full queue
// drops the submission with a logged error rather than stalling whoever
// called submit.
func (p *Pool) Enqueue(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.log.Errorf("task %s dropped: pool stopped", taskID)
		return
	}
	select {
	case p.queue <- taskID:
	default:
		p.log.Errorf("task %s dropped: submission queue full", taskID)
	}
}

// Stop cancels all in-flight executions' context and waits for workers to
// return. Executions mid-batch still observe cancellation at their next
// suspension point per the cooperative-cancellation contract.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	close(p.queue)
	p.wg.Wait()
}
