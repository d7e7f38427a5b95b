package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/store"
)

func newDetectorFixture(t *testing.T, startupTimeout time.Duration) (*fixture, *Detector) {
	t.Helper()
	f := newFixture(t)
	return f, NewDetector(f.store, f.locks, startupTimeout, 30*time.Second)
}

func TestStatusFailsExecutionThatNeverStarted(t *testing.T) {
	f, d := newDetectorFixture(t, 0) // anything queued is immediately overdue
	ctx := context.Background()
	task := f.seedTradingTask(t)
	exec, _ := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskFailed {
		t.Errorf("Expected FAILED, got %s", view.Task.Status)
	}
	if view.Execution.Status != store.ExecFailed {
		t.Errorf("Expected execution FAILED, got %s", view.Execution.Status)
	}
	if view.Execution.ErrorMessage != "Execution did not start (no worker lock acquired)" {
		t.Errorf("Wrong failure message: %q", view.Execution.ErrorMessage)
	}

	got, _ := f.store.GetExecution(ctx, exec.ID)
	var found bool
	for _, line := range got.Logs {
		if line.Message == "Execution did not start (no worker lock acquired)" {
			found = true
		}
	}
	if !found {
		t.Errorf("Failure not logged: %+v", got.Logs)
	}
}

func TestStatusReportsPendingBeforeTimeout(t *testing.T) {
	f, d := newDetectorFixture(t, 2*time.Minute)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskRunning {
		t.Errorf("Queued task should stay RUNNING, got %s", view.Task.Status)
	}
	if !view.PendingNewExecution {
		t.Error("Expected pending_new_execution while no lock is held")
	}
}

func TestStatusFailsStaleWorker(t *testing.T) {
	f, d := newDetectorFixture(t, 2*time.Minute)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	exec, _ := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	taskName := coordination.TaskName(store.TaskTypeTrading)
	key := coordination.InstanceKey(task.ID)
	f.locks.Acquire(ctx, taskName, key, "worker-dead", "job-1", nil)
	old := time.Now().Add(-(f.locks.StaleThreshold + d.Grace + time.Minute))
	f.store.HeartbeatControl(ctx, taskName, key, "worker-dead", old)

	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskFailed || view.Execution.Status != store.ExecFailed {
		t.Errorf("Expected FAILED/FAILED, got %s/%s", view.Task.Status, view.Execution.Status)
	}
	if view.Execution.ID != exec.ID {
		t.Errorf("Reconciled the wrong execution")
	}
	// The dead worker's lock is cleared so a restart can claim it.
	if info, _ := f.locks.GetInfo(ctx, taskName, key); info != nil {
		t.Errorf("Lock should be cleared, got %+v", info)
	}
}

func TestStatusHonorsStopInFlight(t *testing.T) {
	f, d := newDetectorFixture(t, 2*time.Minute)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	taskName := coordination.TaskName(store.TaskTypeTrading)
	key := coordination.InstanceKey(task.ID)
	f.locks.Acquire(ctx, taskName, key, "worker-dead", "job-1", nil)
	f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGraceful)
	old := time.Now().Add(-(f.locks.StaleThreshold + d.Grace + time.Minute))
	f.store.HeartbeatControl(ctx, taskName, key, "worker-dead", old)

	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskStopped {
		t.Errorf("A stop in flight should land on STOPPED, got %s", view.Task.Status)
	}
	if view.Execution.Status != store.ExecStopped {
		t.Errorf("Expected execution STOPPED, got %s", view.Execution.Status)
	}
}

func TestStatusLeavesHealthyWorkerAlone(t *testing.T) {
	f, d := newDetectorFixture(t, 2*time.Minute)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	taskName := coordination.TaskName(store.TaskTypeTrading)
	key := coordination.InstanceKey(task.ID)
	f.locks.Acquire(ctx, taskName, key, "worker-a", "job-1", nil)

	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskRunning || view.Execution.Status != store.ExecRunning {
		t.Errorf("Healthy worker must not be touched: %s/%s", view.Task.Status, view.Execution.Status)
	}
	if view.PendingNewExecution {
		t.Error("pending_new_execution should be false once the lock is held")
	}
}

func TestStatusAlignsTaskToFinishedExecution(t *testing.T) {
	f := newFixture(t)
	d := NewDetector(f.store, f.locks, 2*time.Minute, 0) // no grace, drift converges at once
	ctx := context.Background()
	task := f.seedTradingTask(t)
	exec, _ := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	// Worker finalized its execution but died before touching the task.
	if err := f.store.FinalizeExecution(ctx, exec.ID, store.ExecStopped, "", ""); err != nil {
		t.Fatalf("FinalizeExecution failed: %v", err)
	}

	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskStopped {
		t.Errorf("Task should align to the execution's STOPPED, got %s", view.Task.Status)
	}
	if view.PendingNewExecution {
		t.Error("An aligned task is not pending a new execution")
	}
}

func TestStatusPendingWhileExecutionJustFinished(t *testing.T) {
	f, d := newDetectorFixture(t, 2*time.Minute) // 30s grace
	ctx := context.Background()
	task := f.seedTradingTask(t)
	exec, _ := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	if err := f.store.FinalizeExecution(ctx, exec.ID, store.ExecCompleted, "", ""); err != nil {
		t.Fatalf("FinalizeExecution failed: %v", err)
	}

	// Inside the grace window the worker gets to finish its own task write;
	// the read reports the gap instead of forcing it.
	view, err := d.TaskStatus(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus failed: %v", err)
	}
	if view.Task.Status != store.TaskRunning {
		t.Errorf("Task should stay RUNNING inside the grace window, got %s", view.Task.Status)
	}
	if !view.PendingNewExecution {
		t.Error("Expected pending_new_execution while the terminal execution is fresh")
	}
}

func TestStatusUnknownTask(t *testing.T) {
	_, d := newDetectorFixture(t, time.Minute)
	_, err := d.TaskStatus(context.Background(), store.TaskTypeBacktest, 424242)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}
