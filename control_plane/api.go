package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/quantarc/tradeengine/lifecycle"
	"github.com/quantarc/tradeengine/observability"
	"github.com/quantarc/tradeengine/store"
	"github.com/quantarc/tradeengine/strategy"
)

// API is the HTTP surface of the engine: task lifecycle commands, status
// reads, and incremental execution data feeds.
type API struct {
	store    store.Store
	machine  *lifecycle.Machine
	detector *lifecycle.Detector
	registry *strategy.Registry
	hub      *StreamHub

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewAPI(s store.Store, machine *lifecycle.Machine, detector *lifecycle.Detector, registry *strategy.Registry, hub *StreamHub) *API {
	return &API{
		store:    s,
		machine:  machine,
		detector: detector,
		registry: registry,
		hub:      hub,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Routes registers all handlers on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/strategies", a.handleListStrategies)

	mux.HandleFunc("POST /api/accounts", a.handleCreateAccount)
	mux.HandleFunc("POST /api/configs", a.handleCreateConfig)
	mux.HandleFunc("DELETE /api/configs/{id}", a.handleDeleteConfig)
	mux.HandleFunc("POST /api/tasks", a.handleCreateTask)

	mux.HandleFunc("POST /api/tasks/{type}/{id}/start", a.limited("start", a.handleStart))
	mux.HandleFunc("POST /api/tasks/{type}/{id}/stop", a.limited("stop", a.handleStop))
	mux.HandleFunc("POST /api/tasks/{type}/{id}/pause", a.limited("pause", a.handlePause))
	mux.HandleFunc("POST /api/tasks/{type}/{id}/resume", a.limited("resume", a.handleResume))
	mux.HandleFunc("POST /api/tasks/{type}/{id}/restart", a.limited("restart", a.handleRestart))
	mux.HandleFunc("GET /api/tasks/{type}/{id}/status", a.handleTaskStatus)

	mux.HandleFunc("GET /api/executions/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /api/executions/{id}/trades", a.handleTrades)
	mux.HandleFunc("GET /api/executions/{id}/equity", a.handleEquity)
	mux.HandleFunc("GET /api/executions/{id}/metrics", a.handleMetrics)
	mux.HandleFunc("GET /api/executions/{id}/stream", a.handleStream)
}

// limited wraps a lifecycle command with a per-endpoint rate limiter so a
// client retry storm cannot hammer the state machine.
func (a *API) limited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	a.mu.Lock()
	limiter, ok := a.limiters[endpoint]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(20), 40)
		a.limiters[endpoint] = limiter
	}
	a.mu.Unlock()

	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			observability.APIRateLimited.WithLabelValues(endpoint).Inc()
			http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// --- lifecycle commands ---

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	taskType, taskID, ok := a.taskRef(w, r)
	if !ok {
		return
	}
	exec, err := a.machine.Start(r.Context(), taskType, taskID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id":     exec.ID,
		"execution_number": exec.Number,
	})
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	taskType, taskID, ok := a.taskRef(w, r)
	if !ok {
		return
	}
	var body struct {
		ClearState bool `json:"clear_state"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty body keeps saved state
	}
	exec, err := a.machine.Restart(r.Context(), taskType, taskID, body.ClearState)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id":     exec.ID,
		"execution_number": exec.Number,
	})
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	taskType, taskID, ok := a.taskRef(w, r)
	if !ok {
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) // empty body means default mode
	}
	if err := a.machine.Stop(r.Context(), taskType, taskID, body.Mode); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	taskType, taskID, ok := a.taskRef(w, r)
	if !ok {
		return
	}
	if err := a.machine.Pause(r.Context(), taskType, taskID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pause requested"})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	taskType, taskID, ok := a.taskRef(w, r)
	if !ok {
		return
	}
	if err := a.machine.Resume(r.Context(), taskType, taskID); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resume requested"})
}

func (a *API) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskType, taskID, ok := a.taskRef(w, r)
	if !ok {
		return
	}
	view, err := a.detector.TaskStatus(r.Context(), taskType, taskID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- execution data feeds ---

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	execID, since, limit, ok := a.feedRef(w, r)
	if !ok {
		return
	}
	rows, err := a.store.EventsSince(r.Context(), execID, since, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": rows, "next_sequence": lastSequence(since, len(rows), func(i int) int64 { return rows[i].Sequence })})
}

func (a *API) handleTrades(w http.ResponseWriter, r *http.Request) {
	execID, since, limit, ok := a.feedRef(w, r)
	if !ok {
		return
	}
	rows, err := a.store.TradesSince(r.Context(), execID, since, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": rows, "next_sequence": lastSequence(since, len(rows), func(i int) int64 { return rows[i].Sequence })})
}

func (a *API) handleEquity(w http.ResponseWriter, r *http.Request) {
	execID, since, limit, ok := a.feedRef(w, r)
	if !ok {
		return
	}
	rows, err := a.store.EquitySince(r.Context(), execID, since, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"equity": rows, "next_sequence": lastSequence(since, len(rows), func(i int) int64 { return rows[i].Sequence })})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	execID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"bad execution id"}`, http.StatusBadRequest)
		return
	}
	cp, err := a.store.LatestMetricsCheckpoint(r.Context(), execID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"metrics": json.RawMessage(cp.Payload), "final": cp.Final})
}

func (a *API) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"strategies": a.registry.GetAllInfo()})
}

// --- CRUD-lite ---

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var account store.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		http.Error(w, `{"error":"bad request body"}`, http.StatusBadRequest)
		return
	}
	if account.OwnerID == "" || account.Name == "" {
		http.Error(w, `{"error":"owner_id and name are required"}`, http.StatusBadRequest)
		return
	}
	if err := a.store.CreateAccount(r.Context(), &account); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

func (a *API) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	var cfg store.StrategyConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, `{"error":"bad request body"}`, http.StatusBadRequest)
		return
	}
	if !a.registry.IsRegistered(cfg.StrategyType) {
		http.Error(w, `{"error":"unknown strategy type"}`, http.StatusBadRequest)
		return
	}
	if err := a.registry.Validate(cfg.StrategyType, cfg.Parameters); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := a.store.CreateStrategyConfig(r.Context(), &cfg); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (a *API) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	configID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"bad config id"}`, http.StatusBadRequest)
		return
	}
	if err := a.machine.DeleteConfig(r.Context(), configID); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var task store.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, `{"error":"bad request body"}`, http.StatusBadRequest)
		return
	}
	if task.Type != store.TaskTypeTrading && task.Type != store.TaskTypeBacktest {
		http.Error(w, `{"error":"task_type must be trading or backtest"}`, http.StatusBadRequest)
		return
	}
	if task.Name == "" || task.OwnerID == "" {
		http.Error(w, `{"error":"name and owner_id are required"}`, http.StatusBadRequest)
		return
	}
	task.Status = store.TaskCreated
	if err := a.store.CreateTask(r.Context(), &task); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// --- helpers ---

func (a *API) taskRef(w http.ResponseWriter, r *http.Request) (store.TaskType, int64, bool) {
	taskType := store.TaskType(r.PathValue("type"))
	if taskType != store.TaskTypeTrading && taskType != store.TaskTypeBacktest {
		http.Error(w, `{"error":"task type must be trading or backtest"}`, http.StatusBadRequest)
		return "", 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"bad task id"}`, http.StatusBadRequest)
		return "", 0, false
	}
	return taskType, id, true
}

func (a *API) feedRef(w http.ResponseWriter, r *http.Request) (execID, since int64, limit int, ok bool) {
	execID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, `{"error":"bad execution id"}`, http.StatusBadRequest)
		return 0, 0, 0, false
	}
	if v := r.URL.Query().Get("since_sequence"); v != "" {
		if since, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, `{"error":"bad since_sequence"}`, http.StatusBadRequest)
			return 0, 0, 0, false
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			http.Error(w, `{"error":"bad limit"}`, http.StatusBadRequest)
			return 0, 0, 0, false
		}
	}
	return execID, since, limit, true
}

// lastSequence computes the cursor a client should pass on its next poll.
func lastSequence(since int64, n int, seq func(i int) int64) int64 {
	if n == 0 {
		return since
	}
	return seq(n - 1)
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *lifecycle.ValidationError:
		status = http.StatusBadRequest
	case *lifecycle.ConflictError:
		status = http.StatusConflict
	case *lifecycle.NotFoundError:
		status = http.StatusNotFound
	default:
		if err == store.ErrConflict {
			status = http.StatusConflict
		} else {
			log.Printf("API: internal error: %v", err)
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: response encode failed: %v", err)
	}
}
