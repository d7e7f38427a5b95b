package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/store"
	"github.com/quantarc/tradeengine/strategy"
)

// fakeDispatcher allocates executions like the real pool but runs nothing.
type fakeDispatcher struct {
	store          store.Store
	dispatched     []int64
	closedAccounts []int64
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, taskType store.TaskType, taskID int64) (*store.Execution, error) {
	exec, err := d.store.AllocateExecution(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	d.dispatched = append(d.dispatched, exec.ID)
	return exec, d.store.AppendExecutionLog(ctx, exec.ID, "info", "Execution queued")
}

func (d *fakeDispatcher) DispatchClosePositions(ctx context.Context, accountID int64) error {
	d.closedAccounts = append(d.closedAccounts, accountID)
	return nil
}

type fixture struct {
	store      *store.MemoryStore
	locks      *coordination.Manager
	dispatcher *fakeDispatcher
	machine    *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	locks := coordination.NewManager(s, nil, 5*time.Second, 130*time.Second)
	d := &fakeDispatcher{store: s}
	return &fixture{
		store:      s,
		locks:      locks,
		dispatcher: d,
		machine:    NewMachine(s, strategy.DefaultRegistry(), locks, d),
	}
}

func (f *fixture) seedTradingTask(t *testing.T) *store.Task {
	t.Helper()
	ctx := context.Background()

	account := &store.Account{OwnerID: "u1", Name: "demo", Balance: decimal.NewFromInt(10000), Active: true}
	if err := f.store.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	cfg := &store.StrategyConfig{
		OwnerID:      "u1",
		Name:         "sma",
		StrategyType: "sma_cross",
		Parameters:   json.RawMessage(`{"fast_period": 2, "slow_period": 5}`),
	}
	if err := f.store.CreateStrategyConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateStrategyConfig failed: %v", err)
	}
	task := &store.Task{Type: store.TaskTypeTrading, OwnerID: "u1", Name: "live-1", ConfigID: cfg.ID, AccountID: account.ID}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func (f *fixture) seedBacktestTask(t *testing.T) *store.Task {
	t.Helper()
	ctx := context.Background()

	cfg := &store.StrategyConfig{
		OwnerID:      "u1",
		Name:         "bt",
		StrategyType: "threshold",
		Parameters:   json.RawMessage(`{"buy_below": "1.05", "sell_above": "1.15"}`),
	}
	if err := f.store.CreateStrategyConfig(ctx, cfg); err != nil {
		t.Fatalf("CreateStrategyConfig failed: %v", err)
	}
	task := &store.Task{
		Type:           store.TaskTypeBacktest,
		OwnerID:        "u1",
		Name:           "bt-1",
		ConfigID:       cfg.ID,
		Instrument:     "EUR_USD",
		StartTime:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndTime:        time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		InitialBalance: decimal.NewFromInt(10000),
	}
	if err := f.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return task
}

func TestStartDispatchesExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)

	exec, err := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if exec.Number != 1 || exec.Status != store.ExecRunning {
		t.Errorf("Unexpected execution: %+v", exec)
	}

	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.Status != store.TaskRunning {
		t.Errorf("Expected RUNNING, got %s", got.Status)
	}
	if len(f.dispatcher.dispatched) != 1 {
		t.Errorf("Expected one dispatch, got %d", len(f.dispatcher.dispatched))
	}

	stored, _ := f.store.GetExecution(ctx, exec.ID)
	if len(stored.Logs) == 0 || stored.Logs[0].Message != "Execution queued" {
		t.Errorf("Queued log missing: %+v", stored.Logs)
	}
}

func TestStartWhileRunningIsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)

	if _, err := f.machine.Start(ctx, store.TaskTypeTrading, task.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
	if _, ok := err.(*ConflictError); !ok {
		t.Errorf("Expected ConflictError, got %v", err)
	}
}

func TestStartUnknownTaskIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.machine.Start(context.Background(), store.TaskTypeTrading, 9999)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestOneRunningTradingTaskPerAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.seedTradingTask(t)

	second := &store.Task{Type: store.TaskTypeTrading, OwnerID: "u1", Name: "live-2", ConfigID: first.ConfigID, AccountID: first.AccountID}
	if err := f.store.CreateTask(ctx, second); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if _, err := f.machine.Start(ctx, store.TaskTypeTrading, first.ID); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_, err := f.machine.Start(ctx, store.TaskTypeTrading, second.ID)
	if _, ok := err.(*ConflictError); !ok {
		t.Errorf("Expected ConflictError for busy account, got %v", err)
	}
}

func TestStartValidatesConfigAndAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cfg := &store.StrategyConfig{OwnerID: "u1", Name: "bad", StrategyType: "martingale", Parameters: json.RawMessage(`{}`)}
	f.store.CreateStrategyConfig(ctx, cfg)
	account := &store.Account{OwnerID: "u1", Name: "inactive", Active: false}
	f.store.CreateAccount(ctx, account)

	task := &store.Task{Type: store.TaskTypeTrading, OwnerID: "u1", Name: "bad-task", ConfigID: cfg.ID, AccountID: account.ID}
	f.store.CreateTask(ctx, task)

	_, err := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("Expected ValidationError for unknown strategy, got %v", err)
	}
}

func TestStartValidatesBacktestWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedBacktestTask(t)

	// Invert the window.
	bad := *task
	bad.Name = "bt-bad"
	bad.StartTime, bad.EndTime = bad.EndTime, bad.StartTime
	bad.ID = 0
	f.store.CreateTask(ctx, &bad)

	_, err := f.machine.Start(ctx, store.TaskTypeBacktest, bad.ID)
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("Expected ValidationError for inverted window, got %v", err)
	}
}

func TestPauseResumeTradingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	if err := f.machine.Pause(ctx, store.TaskTypeTrading, task.ID); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.Status != store.TaskPaused {
		t.Errorf("Expected PAUSED, got %s", got.Status)
	}

	// Pausing twice is a conflict.
	if err := f.machine.Pause(ctx, store.TaskTypeTrading, task.ID); err == nil {
		t.Error("Expected conflict on double pause")
	}

	if err := f.machine.Resume(ctx, store.TaskTypeTrading, task.ID); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	got, _ = f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.Status != store.TaskRunning {
		t.Errorf("Expected RUNNING after resume, got %s", got.Status)
	}

	bt := f.seedBacktestTask(t)
	if err := f.machine.Pause(ctx, store.TaskTypeBacktest, bt.ID); err == nil {
		t.Error("Backtest pause should be rejected")
	}
}

func TestStopSignalsLiveWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	// Simulate the worker claiming its lock.
	taskName := coordination.TaskName(store.TaskTypeTrading)
	key := coordination.InstanceKey(task.ID)
	if _, err := f.locks.Acquire(ctx, taskName, key, "worker-a", "job-1", nil); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGraceful); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	info, _ := f.locks.GetInfo(ctx, taskName, key)
	if info.Status != store.ControlStopRequested || info.Meta["stop_mode"] != StopGraceful {
		t.Errorf("Stop request not recorded: %+v", info)
	}
	// The worker owns the final transition; the task stays RUNNING for now.
	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.Status != store.TaskRunning {
		t.Errorf("Expected RUNNING while stop is in flight, got %s", got.Status)
	}
}

func TestStopWithoutWorkerFinalizesDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	exec, _ := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	if err := f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGraceful); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.Status != store.TaskStopped {
		t.Errorf("Expected STOPPED, got %s", got.Status)
	}
	gotExec, _ := f.store.GetExecution(ctx, exec.ID)
	if gotExec.Status != store.ExecStopped {
		t.Errorf("Expected execution STOPPED, got %s", gotExec.Status)
	}
}

func TestStopGracefulCloseWithoutWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
	f.store.SetTaskState(ctx, store.TaskTypeTrading, task.ID, json.RawMessage(`{"prices":["1.1"]}`))

	if err := f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGracefulClose); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.HasState() {
		t.Errorf("Strategy state should be cleared, got %s", got.StrategyState)
	}
	if len(f.dispatcher.closedAccounts) != 1 || f.dispatcher.closedAccounts[0] != task.AccountID {
		t.Errorf("Close-positions job not dispatched: %v", f.dispatcher.closedAccounts)
	}
}

func TestStopRejectsBadMode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	err := f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, "violent")
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("Expected ValidationError, got %v", err)
	}

	bt := f.seedBacktestTask(t)
	f.machine.Start(ctx, store.TaskTypeBacktest, bt.ID)
	err = f.machine.Stop(ctx, store.TaskTypeBacktest, bt.ID, StopGracefulClose)
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("graceful_close on a backtest should be rejected, got %v", err)
	}
}

func TestRestartClearsSavedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)

	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
	f.store.SetTaskState(ctx, store.TaskTypeTrading, task.ID, json.RawMessage(`{"prices":["1.1"]}`))
	f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGraceful)

	exec, err := f.machine.Restart(ctx, store.TaskTypeTrading, task.ID, true)
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if exec.Number != 2 {
		t.Errorf("Expected execution 2, got %d", exec.Number)
	}
	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if got.HasState() {
		t.Errorf("Restart should clear state, got %s", got.StrategyState)
	}
	if got.Status != store.TaskRunning {
		t.Errorf("Expected RUNNING after restart, got %s", got.Status)
	}
}

func TestRestartKeepsStateByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)

	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
	f.store.SetTaskState(ctx, store.TaskTypeTrading, task.ID, json.RawMessage(`{"prices":["1.1"]}`))
	f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGraceful)

	if _, err := f.machine.Restart(ctx, store.TaskTypeTrading, task.ID, false); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	if !got.HasState() {
		t.Error("Restart without clear_state should keep the checkpoint")
	}
}

func TestConcurrentStartsCreateOneExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)

	const attempts = 16
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.machine.Start(ctx, store.TaskTypeTrading, task.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	started := 0
	for err := range errs {
		if err == nil {
			started++
		} else if _, ok := err.(*ConflictError); !ok {
			t.Errorf("Expected ConflictError for losers, got %v", err)
		}
	}
	if started != 1 {
		t.Fatalf("Expected exactly one start to win, got %d", started)
	}

	exec, _ := f.store.LatestExecution(ctx, store.TaskTypeTrading, task.ID)
	if exec == nil || exec.Number != 1 {
		t.Errorf("Expected a single execution numbered 1, got %+v", exec)
	}
}

func TestConcurrentStartsOnSameAccountAdmitOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.seedTradingTask(t)
	second := &store.Task{Type: store.TaskTypeTrading, OwnerID: "u1", Name: "live-2", ConfigID: first.ConfigID, AccountID: first.AccountID}
	if err := f.store.CreateTask(ctx, second); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []int64{first.ID, second.ID} {
		wg.Add(1)
		go func(taskID int64) {
			defer wg.Done()
			_, err := f.machine.Start(ctx, store.TaskTypeTrading, taskID)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	started := 0
	for err := range errs {
		if err == nil {
			started++
		}
	}
	if started != 1 {
		t.Fatalf("Expected exactly one task to start on the account, got %d", started)
	}
}

func TestDeleteConfigRefusedWhileTaskRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seedTradingTask(t)
	f.machine.Start(ctx, store.TaskTypeTrading, task.ID)

	err := f.machine.DeleteConfig(ctx, task.ConfigID)
	if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("Expected ConflictError while task runs, got %v", err)
	}

	f.machine.Stop(ctx, store.TaskTypeTrading, task.ID, StopGraceful)
	if err := f.machine.DeleteConfig(ctx, task.ConfigID); err != nil {
		t.Fatalf("DeleteConfig after stop failed: %v", err)
	}
	cfg, _ := f.store.GetStrategyConfig(ctx, task.ConfigID)
	if cfg != nil {
		t.Errorf("Config should be gone, got %+v", cfg)
	}

	err = f.machine.DeleteConfig(ctx, task.ConfigID)
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("Expected NotFoundError for deleted config, got %v", err)
	}
}
