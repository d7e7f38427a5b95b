package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/store"
	"github.com/quantarc/tradeengine/strategy"
)

// Stop modes. Immediate abandons open positions, graceful finishes the
// current tick and keeps strategy state, graceful close also flattens
// positions and discards the state so the next start is fresh.
const (
	StopImmediate     = "immediate"
	StopGraceful      = "graceful"
	StopGracefulClose = "graceful_close"
)

// Dispatcher hands accepted work to the worker pool.
type Dispatcher interface {
	// Dispatch allocates the task's next execution and enqueues it.
	Dispatch(ctx context.Context, taskType store.TaskType, taskID int64) (*store.Execution, error)

	// DispatchClosePositions enqueues a position-flattening job for the
	// account. Used when a graceful close is requested and no worker is
	// alive to do it inline.
	DispatchClosePositions(ctx context.Context, accountID int64) error
}

// Machine validates and applies task state transitions. It never runs
// strategies itself; accepted starts are handed to the dispatcher and
// stops are signalled through the lock manager.
type Machine struct {
	store      store.Store
	registry   *strategy.Registry
	locks      *coordination.Manager
	dispatcher Dispatcher
}

func NewMachine(s store.Store, reg *strategy.Registry, locks *coordination.Manager, d Dispatcher) *Machine {
	return &Machine{store: s, registry: reg, locks: locks, dispatcher: d}
}

// Start moves the task to RUNNING and dispatches a new execution. Legal
// from CREATED, STOPPED and FAILED (backtests may also be re-run after
// COMPLETED). A trading task resumes from its saved strategy state when
// one is present; use Restart to force a clean slate.
func (m *Machine) Start(ctx context.Context, taskType store.TaskType, taskID int64) (*store.Execution, error) {
	task, err := m.store.GetTask(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFoundf("%s task %d not found", taskType, taskID)
	}

	switch task.Status {
	case store.TaskRunning, store.TaskPaused:
		return nil, conflictf("task is %s", task.Status)
	case store.TaskCompleted:
		if taskType == store.TaskTypeTrading {
			return nil, conflictf("task is %s", task.Status)
		}
	}

	if err := m.validateStart(ctx, task); err != nil {
		return nil, err
	}

	// The status flip is a compare-and-swap so two racing starts cannot
	// both win; the loser sees the conflict even though its pre-checks
	// passed a moment ago.
	startableFrom := []string{store.TaskCreated, store.TaskStopped, store.TaskFailed}
	if taskType == store.TaskTypeBacktest {
		startableFrom = append(startableFrom, store.TaskCompleted)
	}
	if err := m.store.TransitionTaskStatus(ctx, taskType, taskID, startableFrom, store.TaskRunning); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		cur, gerr := m.store.GetTask(ctx, taskType, taskID)
		if gerr == nil && cur != nil && (cur.Status == store.TaskRunning || cur.Status == store.TaskPaused) {
			return nil, conflictf("task is %s", cur.Status)
		}
		return nil, conflictf("account %d already has a running trading task", task.AccountID)
	}
	exec, err := m.dispatcher.Dispatch(ctx, taskType, taskID)
	if err != nil {
		log.Printf("Lifecycle: dispatch of %s task %d failed: %v", taskType, taskID, err)
		if serr := m.store.UpdateTaskStatus(ctx, taskType, taskID, store.TaskFailed); serr != nil {
			log.Printf("Lifecycle: failed to mark task FAILED: %v", serr)
		}
		return nil, err
	}
	return exec, nil
}

// Restart starts a fresh execution, optionally discarding the saved
// strategy state first. With clearState false the next run resumes from
// the checkpoint, same as a plain Start.
func (m *Machine) Restart(ctx context.Context, taskType store.TaskType, taskID int64, clearState bool) (*store.Execution, error) {
	task, err := m.store.GetTask(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFoundf("%s task %d not found", taskType, taskID)
	}
	if task.Status == store.TaskRunning || task.Status == store.TaskPaused {
		return nil, conflictf("task is %s", task.Status)
	}
	if clearState && taskType == store.TaskTypeTrading && task.HasState() {
		if err := m.store.SetTaskState(ctx, taskType, taskID, nil); err != nil {
			return nil, err
		}
	}
	return m.Start(ctx, taskType, taskID)
}

// Stop requests termination. With a live worker the request travels
// through the lock record and the worker shuts itself down; without one
// the task is finalized here directly.
func (m *Machine) Stop(ctx context.Context, taskType store.TaskType, taskID int64, mode string) error {
	switch mode {
	case StopImmediate, StopGraceful, StopGracefulClose:
	case "":
		mode = StopGraceful
	default:
		return validationf("unknown stop mode %q", mode)
	}
	if mode == StopGracefulClose && taskType != store.TaskTypeTrading {
		return validationf("stop mode %s applies to trading tasks only", StopGracefulClose)
	}

	task, err := m.store.GetTask(ctx, taskType, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return notFoundf("%s task %d not found", taskType, taskID)
	}
	if task.Status != store.TaskRunning && task.Status != store.TaskPaused {
		return conflictf("task is %s", task.Status)
	}

	taskName := coordination.TaskName(taskType)
	instanceKey := coordination.InstanceKey(taskID)
	info, err := m.locks.GetInfo(ctx, taskName, instanceKey)
	if err != nil {
		return err
	}

	if info != nil && !info.Terminal() && !m.locks.IsStale(info, time.Now()) {
		log.Printf("Lifecycle: stop requested for %s task %d (mode %s)", taskType, taskID, mode)
		return m.locks.RequestStop(ctx, taskName, instanceKey, map[string]string{"stop_mode": mode})
	}

	// No live worker: finalize directly.
	log.Printf("Lifecycle: stopping %s task %d without a live worker (mode %s)", taskType, taskID, mode)
	if info != nil {
		if err := m.locks.Clear(ctx, taskName, instanceKey); err != nil {
			return err
		}
	}
	exec, err := m.store.LatestExecution(ctx, taskType, taskID)
	if err != nil {
		return err
	}
	if exec != nil && !exec.Terminal() {
		if err := m.store.FinalizeExecution(ctx, exec.ID, store.ExecStopped, "", ""); err != nil && err != store.ErrConflict {
			return err
		}
		if err := m.store.AppendExecutionLog(ctx, exec.ID, "info", "Execution stopped (no active worker)"); err != nil {
			log.Printf("Lifecycle: log append failed: %v", err)
		}
	}
	if mode == StopGracefulClose {
		if err := m.store.SetTaskState(ctx, taskType, taskID, nil); err != nil {
			return err
		}
		if err := m.dispatcher.DispatchClosePositions(ctx, task.AccountID); err != nil {
			log.Printf("Lifecycle: close-positions dispatch failed for account %d: %v", task.AccountID, err)
		}
	}
	err = m.store.TransitionTaskStatus(ctx, taskType, taskID,
		[]string{store.TaskRunning, store.TaskPaused}, store.TaskStopped)
	if errors.Is(err, store.ErrConflict) {
		// A worker finalized the task between our check and the write.
		return nil
	}
	return err
}

// DeleteConfig removes a strategy config unless a task in RUNNING or
// PAUSED still references it.
func (m *Machine) DeleteConfig(ctx context.Context, configID int64) error {
	cfg, err := m.store.GetStrategyConfig(ctx, configID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return notFoundf("strategy config %d not found", configID)
	}
	tasks, err := m.store.ListTasksByConfig(ctx, configID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status == store.TaskRunning || t.Status == store.TaskPaused {
			return conflictf("strategy config %d is in use by %s task %d (%s)", configID, t.Type, t.ID, t.Status)
		}
	}
	return m.store.DeleteStrategyConfig(ctx, configID)
}

// Pause suspends tick processing. Trading tasks only; the worker keeps
// its lock and heartbeat while paused.
func (m *Machine) Pause(ctx context.Context, taskType store.TaskType, taskID int64) error {
	if taskType != store.TaskTypeTrading {
		return validationf("%s tasks cannot be paused", taskType)
	}
	task, err := m.store.GetTask(ctx, taskType, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return notFoundf("%s task %d not found", taskType, taskID)
	}
	if task.Status != store.TaskRunning {
		return conflictf("task is %s", task.Status)
	}
	if err := m.store.TransitionTaskStatus(ctx, taskType, taskID, []string{store.TaskRunning}, store.TaskPaused); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return conflictf("task is no longer RUNNING")
		}
		return err
	}
	return nil
}

// Resume lifts a pause. The running worker observes the status flip on
// its next poll.
func (m *Machine) Resume(ctx context.Context, taskType store.TaskType, taskID int64) error {
	if taskType != store.TaskTypeTrading {
		return validationf("%s tasks cannot be resumed", taskType)
	}
	task, err := m.store.GetTask(ctx, taskType, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return notFoundf("%s task %d not found", taskType, taskID)
	}
	if task.Status != store.TaskPaused {
		return conflictf("task is %s", task.Status)
	}
	if err := m.store.TransitionTaskStatus(ctx, taskType, taskID, []string{store.TaskPaused}, store.TaskRunning); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return conflictf("task is no longer PAUSED")
		}
		return err
	}
	return nil
}

func (m *Machine) validateStart(ctx context.Context, task *store.Task) error {
	cfg, err := m.store.GetStrategyConfig(ctx, task.ConfigID)
	if err != nil {
		return err
	}
	if cfg == nil {
		return validationf("strategy config %d not found", task.ConfigID)
	}
	if cfg.OwnerID != task.OwnerID {
		return validationf("strategy config %d is not owned by %s", cfg.ID, task.OwnerID)
	}
	if !m.registry.IsRegistered(cfg.StrategyType) {
		return validationf("unknown strategy type %q", cfg.StrategyType)
	}
	if err := m.registry.Validate(cfg.StrategyType, cfg.Parameters); err != nil {
		return validationf("strategy parameters rejected: %v", err)
	}

	switch task.Type {
	case store.TaskTypeTrading:
		account, err := m.store.GetAccount(ctx, task.AccountID)
		if err != nil {
			return err
		}
		if account == nil {
			return validationf("account %d not found", task.AccountID)
		}
		if account.OwnerID != task.OwnerID {
			return validationf("account %d is not owned by %s", account.ID, task.OwnerID)
		}
		if !account.Active {
			return validationf("account %d is not active", account.ID)
		}
		running, err := m.store.ListRunningTradingTasksByAccount(ctx, task.AccountID)
		if err != nil {
			return err
		}
		for _, other := range running {
			if other.ID != task.ID {
				return conflictf("account %d already has a running trading task (%d)", task.AccountID, other.ID)
			}
		}
	case store.TaskTypeBacktest:
		if !task.EndTime.After(task.StartTime) {
			return validationf("backtest end_time must be after start_time")
		}
		if task.InitialBalance.Sign() <= 0 {
			return validationf("backtest initial_balance must be positive")
		}
		if task.Instrument == "" {
			return validationf("backtest instrument is required")
		}
	}
	return nil
}
