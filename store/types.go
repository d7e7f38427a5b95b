package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TaskType discriminates the two task variants.
type TaskType string

const (
	TaskTypeTrading  TaskType = "trading"
	TaskTypeBacktest TaskType = "backtest"
)

// Task statuses. Backtest tasks never enter PAUSED; trading tasks never
// enter COMPLETED.
const (
	TaskCreated   = "CREATED"
	TaskRunning   = "RUNNING"
	TaskPaused    = "PAUSED"
	TaskStopped   = "STOPPED"
	TaskFailed    = "FAILED"
	TaskCompleted = "COMPLETED"
)

// Execution statuses. RUNNING is the only non-terminal state.
const (
	ExecRunning   = "RUNNING"
	ExecCompleted = "COMPLETED"
	ExecFailed    = "FAILED"
	ExecStopped   = "STOPPED"
)

// Worker-control (lock) statuses.
const (
	ControlRunning       = "RUNNING"
	ControlStopRequested = "STOP_REQUESTED"
	ControlStopped       = "STOPPED"
	ControlCompleted     = "COMPLETED"
	ControlFailed        = "FAILED"
)

// Account is a brokerage account owned by a user. At most one trading task
// per account may be RUNNING.
type Account struct {
	ID        int64     `json:"id" db:"id"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StrategyConfig is a reusable, user-owned strategy description.
// Immutable while any task referencing it is RUNNING or PAUSED.
type StrategyConfig struct {
	ID           int64           `json:"id" db:"id"`
	OwnerID      string          `json:"owner_id" db:"owner_id"`
	Name         string          `json:"name" db:"name"`
	StrategyType string          `json:"strategy_type" db:"strategy_type"`
	Parameters   json.RawMessage `json:"parameters" db:"parameters"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Task is a persistent description of what to run. The trading and
// backtest variants share a row shape; variant-only fields are zero on
// the other kind.
type Task struct {
	ID       int64    `json:"id" db:"id"`
	Type     TaskType `json:"task_type" db:"task_type"`
	OwnerID  string   `json:"owner_id" db:"owner_id"`
	Name     string   `json:"name" db:"name"`
	ConfigID int64    `json:"config_id" db:"config_id"`
	Status   string   `json:"status" db:"status"`

	// Trading only.
	AccountID     int64           `json:"account_id,omitempty" db:"account_id"`
	StrategyState json.RawMessage `json:"strategy_state,omitempty" db:"strategy_state"`

	// Backtest only.
	StartTime      time.Time       `json:"start_time,omitempty" db:"start_time"`
	EndTime        time.Time       `json:"end_time,omitempty" db:"end_time"`
	InitialBalance decimal.Decimal `json:"initial_balance,omitempty" db:"initial_balance"`
	DataSource     string          `json:"data_source,omitempty" db:"data_source"`
	Instrument     string          `json:"instrument,omitempty" db:"instrument"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasState reports whether a resumable strategy checkpoint is present.
func (t *Task) HasState() bool {
	return len(t.StrategyState) > 0 && string(t.StrategyState) != "null" && string(t.StrategyState) != "{}"
}

// LogLine is one entry of an execution's human-readable log.
type LogLine struct {
	TS      time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Execution is one numbered attempt to run a task.
type Execution struct {
	ID             int64      `json:"id" db:"id"`
	TaskType       TaskType   `json:"task_type" db:"task_type"`
	TaskID         int64      `json:"task_id" db:"task_id"`
	Number         int        `json:"execution_number" db:"execution_number"`
	Status         string     `json:"status" db:"status"`
	Progress       int        `json:"progress" db:"progress"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage   string     `json:"error_message,omitempty" db:"error_message"`
	ErrorTraceback string     `json:"error_traceback,omitempty" db:"error_traceback"`
	Logs           []LogLine  `json:"logs" db:"logs"`
}

// Terminal reports whether the execution has reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status != ExecRunning
}

// StrategyEvent is an append-only child of an execution. Details stays an
// opaque payload for forward compatibility; conventional fields are read
// through typed accessors where needed.
type StrategyEvent struct {
	ID          int64           `json:"id" db:"id"`
	ExecutionID int64           `json:"execution_id" db:"execution_id"`
	Sequence    int64           `json:"sequence" db:"sequence"`
	Type        string          `json:"type" db:"event_type"`
	Timestamp   time.Time       `json:"timestamp" db:"event_time"`
	Details     json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// TradeLogEntry is an append-only record of a completed trade.
type TradeLogEntry struct {
	ID          int64           `json:"id" db:"id"`
	ExecutionID int64           `json:"execution_id" db:"execution_id"`
	Sequence    int64           `json:"sequence" db:"sequence"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// EquityPoint is one point of the equity curve. A nil Timestamp marks the
// synthetic starting point at the initial balance.
type EquityPoint struct {
	ID          int64           `json:"id" db:"id"`
	ExecutionID int64           `json:"execution_id" db:"execution_id"`
	Sequence    int64           `json:"sequence" db:"sequence"`
	Timestamp   *time.Time      `json:"timestamp" db:"point_time"`
	Balance     decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// MetricsCheckpoint is an immutable snapshot of aggregated metrics.
// Final marks the one written at terminal success.
type MetricsCheckpoint struct {
	ID          int64           `json:"id" db:"id"`
	ExecutionID int64           `json:"execution_id" db:"execution_id"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Final       bool            `json:"final" db:"final"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// WorkerControl is the lock record for one (task_name, instance_key).
// It carries the heartbeat and the stop-request bit; a crashed worker
// leaves it behind with a stale heartbeat.
type WorkerControl struct {
	TaskName        string            `json:"task_name" db:"task_name"`
	InstanceKey     string            `json:"instance_key" db:"instance_key"`
	WorkerTaskID    string            `json:"worker_task_id" db:"worker_task_id"`
	WorkerID        string            `json:"worker_id" db:"worker_id"`
	Status          string            `json:"status" db:"status"`
	StartedAt       time.Time         `json:"started_at" db:"started_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	StoppedAt       *time.Time        `json:"stopped_at,omitempty" db:"stopped_at"`
	Meta            map[string]string `json:"meta" db:"meta"`
}

// Terminal reports whether the control record is in a final status.
func (c *WorkerControl) Terminal() bool {
	return c.Status == ControlStopped || c.Status == ControlCompleted || c.Status == ControlFailed
}
