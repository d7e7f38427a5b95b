package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/observability"
	"github.com/quantarc/tradeengine/store"
)

const startupFailureMessage = "Execution did not start (no worker lock acquired)"

// StatusView is what a status read reports after reconciliation.
type StatusView struct {
	Task      *store.Task      `json:"task"`
	Execution *store.Execution `json:"execution,omitempty"`
	// PendingNewExecution is set while an execution is queued but no
	// worker has claimed its lock yet.
	PendingNewExecution bool `json:"pending_new_execution"`
}

// Detector converges tasks whose workers died. It runs at read time so a
// status request never reports a RUNNING task with no one behind it; the
// background lock monitor covers tasks nobody asks about.
type Detector struct {
	store store.Store
	locks *coordination.Manager

	// StartupTimeout bounds how long an execution may sit queued without
	// a worker lock before it is declared dead.
	StartupTimeout time.Duration
	// Grace is added on top of the lock staleness threshold before a
	// running worker is declared dead, absorbing heartbeat jitter.
	Grace time.Duration
}

func NewDetector(s store.Store, locks *coordination.Manager, startupTimeout, grace time.Duration) *Detector {
	return &Detector{store: s, locks: locks, StartupTimeout: startupTimeout, Grace: grace}
}

// TaskStatus reads the task and its latest execution, reconciling first
// when the recorded state cannot be true anymore.
func (d *Detector) TaskStatus(ctx context.Context, taskType store.TaskType, taskID int64) (*StatusView, error) {
	task, err := d.store.GetTask(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFoundf("%s task %d not found", taskType, taskID)
	}

	exec, err := d.store.LatestExecution(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}

	if task.Status == store.TaskRunning || task.Status == store.TaskPaused {
		changed, err := d.reconcile(ctx, task, exec)
		if err != nil {
			return nil, err
		}
		if changed {
			task, err = d.store.GetTask(ctx, taskType, taskID)
			if err != nil {
				return nil, err
			}
			exec, err = d.store.LatestExecution(ctx, taskType, taskID)
			if err != nil {
				return nil, err
			}
		}
	}

	view := &StatusView{Task: task, Execution: exec}
	if task.Status == store.TaskRunning {
		if exec == nil || exec.Terminal() {
			// The previous execution just finished (or none exists yet)
			// and the next one has not been claimed.
			view.PendingNewExecution = true
		} else {
			info, err := d.locks.GetInfo(ctx, coordination.TaskName(taskType), coordination.InstanceKey(taskID))
			if err != nil {
				return nil, err
			}
			view.PendingNewExecution = info == nil
		}
	}
	return view, nil
}

// reconcile applies the dead-worker rules. Returns whether anything
// was finalized.
func (d *Detector) reconcile(ctx context.Context, task *store.Task, exec *store.Execution) (bool, error) {
	now := time.Now()

	if exec == nil {
		// RUNNING with no execution at all: the dispatch never landed.
		if now.Sub(task.UpdatedAt) < d.StartupTimeout {
			return false, nil
		}
		log.Printf("StaleDetector: %s task %d is RUNNING with no execution, failing it", task.Type, task.ID)
		observability.StaleFinalizations.WithLabelValues("startup_timeout").Inc()
		return true, d.store.UpdateTaskStatus(ctx, task.Type, task.ID, store.TaskFailed)
	}

	if exec.Terminal() {
		return d.alignToTerminalExecution(ctx, task, exec, now)
	}

	taskName := coordination.TaskName(task.Type)
	instanceKey := coordination.InstanceKey(task.ID)
	info, err := d.locks.GetInfo(ctx, taskName, instanceKey)
	if err != nil {
		return false, err
	}

	// No lock was ever taken: the queued execution never started.
	if info == nil || (info.Terminal() && info.StartedAt.Before(exec.StartedAt)) {
		if now.Sub(exec.StartedAt) < d.StartupTimeout {
			return false, nil
		}
		log.Printf("StaleDetector: %s task %d execution %d never acquired a lock, failing it",
			task.Type, task.ID, exec.ID)
		observability.StaleFinalizations.WithLabelValues("startup_timeout").Inc()
		return true, d.finalize(ctx, task, exec, nil, store.ExecFailed, store.TaskFailed, startupFailureMessage)
	}

	if info.Terminal() {
		// The worker released the lock but the execution row was left
		// RUNNING (crash between the two writes). Mirror the lock's verdict.
		status, taskStatus := store.ExecFailed, store.TaskFailed
		if info.Status == store.ControlStopped || info.Status == store.ControlCompleted {
			status, taskStatus = store.ExecStopped, store.TaskStopped
		}
		observability.StaleFinalizations.WithLabelValues("stale_running").Inc()
		return true, d.finalize(ctx, task, exec, info, status, taskStatus, "Worker released lock without finalizing execution")
	}

	stale := now.Sub(info.LastHeartbeatAt) > d.locks.StaleThreshold+d.Grace
	if !stale {
		return false, nil
	}

	if info.Status == store.ControlStopRequested {
		// Worker died while a stop was in flight: honor the stop.
		log.Printf("StaleDetector: %s task %d worker died during stop, finalizing as STOPPED", task.Type, task.ID)
		observability.StaleFinalizations.WithLabelValues("stop_in_flight").Inc()
		return true, d.finalize(ctx, task, exec, info, store.ExecStopped, store.TaskStopped, "Worker lost during stop request")
	}

	log.Printf("StaleDetector: %s task %d worker heartbeat expired (last %v), failing execution %d",
		task.Type, task.ID, info.LastHeartbeatAt, exec.ID)
	observability.StaleFinalizations.WithLabelValues("stale_running").Inc()
	return true, d.finalize(ctx, task, exec, info, store.ExecFailed, store.TaskFailed, "Worker heartbeat expired")
}

// alignToTerminalExecution converges a task left RUNNING (or PAUSED)
// after its latest execution already reached a terminal status. A worker
// that crashed between finalizing the execution and updating the task
// leaves exactly this shape behind. The grace window lets a healthy
// worker finish its own two writes first.
func (d *Detector) alignToTerminalExecution(ctx context.Context, task *store.Task, exec *store.Execution, now time.Time) (bool, error) {
	anchor := task.UpdatedAt
	if exec.CompletedAt != nil && exec.CompletedAt.After(anchor) {
		anchor = *exec.CompletedAt
	}
	if now.Sub(anchor) < d.Grace {
		return false, nil
	}

	taskName := coordination.TaskName(task.Type)
	instanceKey := coordination.InstanceKey(task.ID)
	info, err := d.locks.GetInfo(ctx, taskName, instanceKey)
	if err != nil {
		return false, err
	}
	if info != nil && !info.Terminal() && !d.locks.IsStale(info, now) {
		// A live worker is on it (a fresh run claiming the lock before
		// its execution row appears); leave it alone.
		return false, nil
	}

	taskStatus := store.TaskFailed
	switch exec.Status {
	case store.ExecCompleted:
		taskStatus = store.TaskCompleted
	case store.ExecStopped:
		taskStatus = store.TaskStopped
	}
	log.Printf("StaleDetector: %s task %d left RUNNING after execution %d finished %s, aligning",
		task.Type, task.ID, exec.ID, exec.Status)
	observability.StaleFinalizations.WithLabelValues("status_drift").Inc()

	if info != nil {
		if err := d.locks.Clear(ctx, taskName, instanceKey); err != nil {
			return false, err
		}
	}
	return true, d.store.UpdateTaskStatus(ctx, task.Type, task.ID, taskStatus)
}

func (d *Detector) finalize(ctx context.Context, task *store.Task, exec *store.Execution, info *store.WorkerControl, execStatus, taskStatus, message string) error {
	if info != nil {
		if err := d.locks.Clear(ctx, coordination.TaskName(task.Type), coordination.InstanceKey(task.ID)); err != nil {
			return err
		}
	}
	errMsg := ""
	if execStatus == store.ExecFailed {
		errMsg = message
	}
	if err := d.store.FinalizeExecution(ctx, exec.ID, execStatus, errMsg, ""); err != nil && err != store.ErrConflict {
		return err
	}
	if err := d.store.AppendExecutionLog(ctx, exec.ID, "error", message); err != nil {
		log.Printf("StaleDetector: log append failed: %v", err)
	}
	return d.store.UpdateTaskStatus(ctx, task.Type, task.ID, taskStatus)
}
