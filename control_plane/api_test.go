package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/lifecycle"
	"github.com/quantarc/tradeengine/store"
	"github.com/quantarc/tradeengine/strategy"
)

// queueOnlyDispatcher allocates executions without running them, so API
// tests control worker behavior themselves.
type queueOnlyDispatcher struct {
	store store.Store
}

func (d *queueOnlyDispatcher) Dispatch(ctx context.Context, taskType store.TaskType, taskID int64) (*store.Execution, error) {
	exec, err := d.store.AllocateExecution(ctx, taskType, taskID)
	if err != nil {
		return nil, err
	}
	return exec, d.store.AppendExecutionLog(ctx, exec.ID, "info", "Execution queued")
}

func (d *queueOnlyDispatcher) DispatchClosePositions(ctx context.Context, accountID int64) error {
	return nil
}

type apiFixture struct {
	store  *store.MemoryStore
	locks  *coordination.Manager
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	s := store.NewMemoryStore()
	locks := coordination.NewManager(s, nil, 5*time.Second, 130*time.Second)
	registry := strategy.DefaultRegistry()
	machine := lifecycle.NewMachine(s, registry, locks, &queueOnlyDispatcher{store: s})
	detector := lifecycle.NewDetector(s, locks, 2*time.Minute, 30*time.Second)

	api := NewAPI(s, machine, detector, registry, NewStreamHub(s))
	mux := http.NewServeMux()
	api.Routes(mux)

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return &apiFixture{store: s, locks: locks, server: server}
}

func (f *apiFixture) post(t *testing.T, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return out
}

func (f *apiFixture) seedTradingTask(t *testing.T) *store.Task {
	t.Helper()
	ctx := context.Background()
	// Fixed ids keep the request paths readable.
	account := &store.Account{ID: 101, OwnerID: "u1", Name: "demo", Balance: decimal.NewFromInt(10000), Active: true}
	require.NoError(t, f.store.CreateAccount(ctx, account))
	cfg := &store.StrategyConfig{
		ID:           201,
		OwnerID:      "u1",
		Name:         "sma",
		StrategyType: "sma_cross",
		Parameters:   json.RawMessage(`{"fast_period": 2, "slow_period": 5}`),
	}
	require.NoError(t, f.store.CreateStrategyConfig(ctx, cfg))
	task := &store.Task{ID: 1, Type: store.TaskTypeTrading, OwnerID: "u1", Name: "live-1", ConfigID: cfg.ID, AccountID: account.ID}
	require.NoError(t, f.store.CreateTask(ctx, task))
	return task
}

func TestStartEndpointAcceptsAndConflicts(t *testing.T) {
	f := newAPIFixture(t)
	task := f.seedTradingTask(t)

	resp, body := f.post(t, "/api/tasks/trading/1/start", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, body["execution_number"])

	// Starting a RUNNING task is rejected, no second execution appears.
	resp, body = f.post(t, "/api/tasks/trading/1/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, body["error"], "RUNNING")

	exec, _ := f.store.LatestExecution(context.Background(), store.TaskTypeTrading, task.ID)
	assert.Equal(t, 1, exec.Number)
}

func TestStartEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.post(t, "/api/tasks/margin/1/start", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/api/tasks/trading/999/start", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopEndpointModes(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTradingTask(t)
	f.post(t, "/api/tasks/trading/1/start", "")

	resp, _ := f.post(t, "/api/tasks/trading/1/stop", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.post(t, "/api/tasks/trading/1/stop", `{"mode":"graceful"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Already stopped (no live worker, so the stop landed synchronously).
	resp, _ = f.post(t, "/api/tasks/trading/1/stop", `{"mode":"graceful"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusEndpointReconciles(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTradingTask(t)
	f.post(t, "/api/tasks/trading/1/start", "")

	// Simulate a worker whose heartbeat expired long ago.
	ctx := context.Background()
	taskName := coordination.TaskName(store.TaskTypeTrading)
	f.locks.Acquire(ctx, taskName, "1", "worker-dead", "job-1", nil)
	old := time.Now().Add(-time.Hour)
	f.store.HeartbeatControl(ctx, taskName, "1", "worker-dead", old)

	resp, body := f.get(t, "/api/tasks/trading/1/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	taskBody := body["task"].(map[string]interface{})
	assert.Equal(t, store.TaskFailed, taskBody["status"])
	execBody := body["execution"].(map[string]interface{})
	assert.Equal(t, store.ExecFailed, execBody["status"])
}

func TestEventsEndpointCursor(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTradingTask(t)
	f.post(t, "/api/tasks/trading/1/start", "")

	ctx := context.Background()
	exec, _ := f.store.LatestExecution(ctx, store.TaskTypeTrading, 1)
	for i := 0; i < 5; i++ {
		f.store.AppendStrategyEvent(ctx, exec.ID, "open", time.Now(), json.RawMessage(`{}`))
	}

	resp, body := f.get(t, "/api/executions/1/events?since_sequence=2&limit=2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	events := body["events"].([]interface{})
	require.Len(t, events, 2)
	first := events[0].(map[string]interface{})
	assert.EqualValues(t, 3, first["sequence"])
	assert.EqualValues(t, 4, body["next_sequence"])

	// An empty page echoes the cursor back.
	_, body = f.get(t, "/api/executions/1/events?since_sequence=5")
	assert.EqualValues(t, 5, body["next_sequence"])
}

func TestRestartEndpointClearState(t *testing.T) {
	f := newAPIFixture(t)
	task := f.seedTradingTask(t)
	ctx := context.Background()

	f.post(t, "/api/tasks/trading/1/start", "")
	f.store.SetTaskState(ctx, store.TaskTypeTrading, task.ID, json.RawMessage(`{"prices":["1.1"]}`))
	f.post(t, "/api/tasks/trading/1/stop", `{"mode":"graceful"}`)

	// Default restart resumes from the checkpoint.
	resp, _ := f.post(t, "/api/tasks/trading/1/restart", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	got, _ := f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	assert.True(t, got.HasState())

	f.post(t, "/api/tasks/trading/1/stop", `{"mode":"graceful"}`)

	resp, _ = f.post(t, "/api/tasks/trading/1/restart", `{"clear_state":true}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	got, _ = f.store.GetTask(ctx, store.TaskTypeTrading, task.ID)
	assert.False(t, got.HasState(), "clear_state restart should drop the checkpoint")
}

func TestDeleteConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.seedTradingTask(t)
	f.post(t, "/api/tasks/trading/1/start", "")

	req, _ := http.NewRequest(http.MethodDelete, f.server.URL+"/api/configs/201", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "config in use by a running task")

	f.post(t, "/api/tasks/trading/1/stop", `{"mode":"graceful"}`)

	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/api/configs/201", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cfg, _ := f.store.GetStrategyConfig(context.Background(), 201)
	assert.Nil(t, cfg)

	req, _ = http.NewRequest(http.MethodDelete, f.server.URL+"/api/configs/201", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateConfigValidatesSchema(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.post(t, "/api/configs", `{"owner_id":"u1","name":"x","strategy_type":"sma_cross","parameters":{"fast_period":"nope","slow_period":5}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.post(t, "/api/configs", `{"owner_id":"u1","name":"x","strategy_type":"sma_cross","parameters":{"fast_period":2,"slow_period":5}}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.EqualValues(t, 1, body["id"])
}

func TestListStrategies(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/api/strategies")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	strategies := body["strategies"].([]interface{})
	assert.Len(t, strategies, 2)
}
