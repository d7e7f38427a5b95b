package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrConflict is returned when a write violates a uniqueness or
// state-monotonicity constraint (duplicate task name, duplicate control
// record, un-terminalizing an execution).
var ErrConflict = errors.New("store: conflict")

// Store is the durable lifecycle state backend. It abstracts over
// Postgres (production) and an in-memory implementation (tests,
// single-node development).
//
// Missing rows are reported as (nil, nil), not an error.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id int64) (*Account, error)

	// Strategy configs
	CreateStrategyConfig(ctx context.Context, c *StrategyConfig) error
	GetStrategyConfig(ctx context.Context, id int64) (*StrategyConfig, error)
	DeleteStrategyConfig(ctx context.Context, id int64) error
	ListTasksByConfig(ctx context.Context, configID int64) ([]*Task, error)

	// Tasks
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, taskType TaskType, id int64) (*Task, error)
	UpdateTaskStatus(ctx context.Context, taskType TaskType, id int64, status string) error
	// TransitionTaskStatus moves the task to a new status only if its
	// current status is one of from, atomically; ErrConflict otherwise.
	// Moving a trading task to RUNNING additionally verifies, under the
	// same lock, that no other trading task on the account is RUNNING.
	TransitionTaskStatus(ctx context.Context, taskType TaskType, id int64, from []string, to string) error
	SetTaskState(ctx context.Context, taskType TaskType, id int64, state json.RawMessage) error
	ListRunningTradingTasksByAccount(ctx context.Context, accountID int64) ([]*Task, error)

	// Executions. AllocateExecution assigns the next execution_number for
	// the task under a row lock and creates the execution in RUNNING.
	AllocateExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error)
	GetExecution(ctx context.Context, id int64) (*Execution, error)
	LatestExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error)
	AppendExecutionLog(ctx context.Context, executionID int64, level, message string) error
	// SetExecutionProgress persists progress; values below the stored one
	// are ignored so progress stays monotone.
	SetExecutionProgress(ctx context.Context, executionID int64, progress int) error
	// FinalizeExecution moves RUNNING to a terminal status and stamps
	// completed_at. Idempotent: finalizing an already-terminal execution
	// is a no-op; changing a terminal status is ErrConflict.
	FinalizeExecution(ctx context.Context, executionID int64, status, errMessage, errTraceback string) error

	// Append-only children. Each append assigns the next contiguous
	// per-execution sequence and returns it.
	AppendStrategyEvent(ctx context.Context, executionID int64, eventType string, ts time.Time, details json.RawMessage) (int64, error)
	AppendTrade(ctx context.Context, executionID int64, payload json.RawMessage) (int64, error)
	AppendEquityPoint(ctx context.Context, executionID int64, ts *time.Time, balance decimal.Decimal) (int64, error)

	// Incremental cursor reads: rows with sequence > sinceSequence, in
	// sequence order, at most limit (0 means no limit).
	EventsSince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*StrategyEvent, error)
	TradesSince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*TradeLogEntry, error)
	EquitySince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*EquityPoint, error)

	// Metrics checkpoints
	WriteMetricsCheckpoint(ctx context.Context, executionID int64, payload json.RawMessage, final bool) error
	LatestMetricsCheckpoint(ctx context.Context, executionID int64) (*MetricsCheckpoint, error)

	// Worker-control records (the lock table)
	InsertControl(ctx context.Context, c *WorkerControl) error
	GetControl(ctx context.Context, taskName, instanceKey string) (*WorkerControl, error)
	HeartbeatControl(ctx context.Context, taskName, instanceKey, workerID string, t time.Time) error
	UpdateControlMeta(ctx context.Context, taskName, instanceKey string, meta map[string]string) error
	RequestControlStop(ctx context.Context, taskName, instanceKey string, meta map[string]string) error
	FinalizeControl(ctx context.Context, taskName, instanceKey, status, message string) error
	DeleteControl(ctx context.Context, taskName, instanceKey string) error
	ListControlsByStatus(ctx context.Context, status string) ([]*WorkerControl, error)
}
