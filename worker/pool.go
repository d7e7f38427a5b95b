package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/quantarc/tradeengine/broker"
	"github.com/quantarc/tradeengine/observability"
	"github.com/quantarc/tradeengine/store"
)

const (
	jobRun            = "run_execution"
	jobClosePositions = "close_positions"
)

// job is one unit of work for the pool.
type job struct {
	Kind        string
	TaskType    store.TaskType
	TaskID      int64
	ExecutionID int64
	AccountID   int64
}

// Pool dispatches executions onto a fixed set of worker goroutines. It is
// the lifecycle machine's Dispatcher: Dispatch allocates the execution
// row up front so callers get an execution id back immediately, then the
// pool runs it when a worker frees up.
type Pool struct {
	store   store.Store
	runner  *Runner
	gateway broker.OrderGateway
	workers int

	jobs chan job
	wg   sync.WaitGroup
}

func NewPool(s store.Store, runner *Runner, gateway broker.OrderGateway, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{
		store:   s,
		runner:  runner,
		gateway: gateway,
		workers: workers,
		jobs:    make(chan job, queueSize),
	}
}

// Start launches the worker goroutines. They drain the queue until the
// context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("Pool: starting %d workers (queue capacity %d)", p.workers, cap(p.jobs))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			observability.DispatchQueueDepth.Set(float64(len(p.jobs)))
			switch j.Kind {
			case jobRun:
				p.runner.Run(ctx, j.TaskType, j.TaskID, j.ExecutionID)
			case jobClosePositions:
				p.closePositions(ctx, j.AccountID)
			}
		}
	}
}

// Dispatch allocates the task's next execution, records the queued log
// line, and enqueues it for a worker.
func (p *Pool) Dispatch(ctx context.Context, taskType store.TaskType, taskID int64) (*store.Execution, error) {
	exec, err := p.store.AllocateExecution(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	if err := p.store.AppendExecutionLog(ctx, exec.ID, "info", "Execution queued"); err != nil {
		log.Printf("Pool: queued log append failed: %v", err)
	}

	j := job{Kind: jobRun, TaskType: taskType, TaskID: taskID, ExecutionID: exec.ID}
	select {
	case p.jobs <- j:
		observability.DispatchQueueDepth.Set(float64(len(p.jobs)))
		log.Printf("Pool: queued %s task %d as execution %d", taskType, taskID, exec.ID)
		return exec, nil
	default:
		// Queue saturated: fail the execution rather than block the API.
		msg := "worker queue full"
		if ferr := p.store.FinalizeExecution(ctx, exec.ID, store.ExecFailed, msg, ""); ferr != nil && ferr != store.ErrConflict {
			log.Printf("Pool: finalize of unqueueable execution failed: %v", ferr)
		}
		return nil, fmt.Errorf("dispatch %s task %d: %s", taskType, taskID, msg)
	}
}

// DispatchClosePositions enqueues a position-flattening job for an
// account whose task was stopped with graceful close and no live worker.
func (p *Pool) DispatchClosePositions(ctx context.Context, accountID int64) error {
	select {
	case p.jobs <- job{Kind: jobClosePositions, AccountID: accountID}:
		return nil
	default:
		return fmt.Errorf("worker queue full")
	}
}

func (p *Pool) closePositions(ctx context.Context, accountID int64) {
	if p.gateway == nil {
		log.Printf("Pool: no order gateway, skipping position close for account %d", accountID)
		return
	}
	results, err := p.gateway.CloseAll(ctx, fmt.Sprintf("%d", accountID))
	if err != nil {
		log.Printf("Pool: position close for account %d failed: %v", accountID, err)
		return
	}
	log.Printf("Pool: closed %d positions for account %d", len(results), accountID)
}
