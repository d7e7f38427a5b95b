package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	query := `
		INSERT INTO accounts (owner_id, name, balance, active, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`
	return s.pool.QueryRow(ctx, query, a.OwnerID, a.Name, a.Balance, a.Active).
		Scan(&a.ID, &a.CreatedAt)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	query := `SELECT id, owner_id, name, balance, active, created_at FROM accounts WHERE id = $1`
	var a Account
	err := s.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.OwnerID, &a.Name, &a.Balance, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Strategy configs ---

func (s *PostgresStore) CreateStrategyConfig(ctx context.Context, c *StrategyConfig) error {
	query := `
		INSERT INTO strategy_configs (owner_id, name, strategy_type, parameters, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, query, c.OwnerID, c.Name, c.StrategyType, c.Parameters).
		Scan(&c.ID, &c.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetStrategyConfig(ctx context.Context, id int64) (*StrategyConfig, error) {
	query := `SELECT id, owner_id, name, strategy_type, parameters, created_at FROM strategy_configs WHERE id = $1`
	var c StrategyConfig
	err := s.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.OwnerID, &c.Name, &c.StrategyType, &c.Parameters, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) DeleteStrategyConfig(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM strategy_configs WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListTasksByConfig(ctx context.Context, configID int64) ([]*Task, error) {
	query := taskSelect + ` WHERE config_id = $1`
	rows, err := s.pool.Query(ctx, query, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// --- Tasks ---

const taskSelect = `
	SELECT id, task_type, owner_id, name, config_id, status,
	       account_id, strategy_state,
	       start_time, end_time, initial_balance, data_source, instrument,
	       created_at, updated_at
	FROM tasks`

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	var accountID *int64
	var state []byte
	var startTime, endTime *time.Time
	var initialBalance *decimal.Decimal
	var dataSource, instrument *string
	err := row.Scan(
		&t.ID, &t.Type, &t.OwnerID, &t.Name, &t.ConfigID, &t.Status,
		&accountID, &state,
		&startTime, &endTime, &initialBalance, &dataSource, &instrument,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if accountID != nil {
		t.AccountID = *accountID
	}
	t.StrategyState = state
	if startTime != nil {
		t.StartTime = *startTime
	}
	if endTime != nil {
		t.EndTime = *endTime
	}
	if initialBalance != nil {
		t.InitialBalance = *initialBalance
	}
	if dataSource != nil {
		t.DataSource = *dataSource
	}
	if instrument != nil {
		t.Instrument = *instrument
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateTask(ctx context.Context, t *Task) error {
	if t.Status == "" {
		t.Status = TaskCreated
	}
	query := `
		INSERT INTO tasks (task_type, owner_id, name, config_id, status,
		                   account_id, strategy_state,
		                   start_time, end_time, initial_balance, data_source, instrument,
		                   created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, 0), $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		t.Type, t.OwnerID, t.Name, t.ConfigID, t.Status,
		t.AccountID, t.StrategyState,
		nullTime(t.StartTime), nullTime(t.EndTime), t.InitialBalance, t.DataSource, t.Instrument,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *PostgresStore) GetTask(ctx context.Context, taskType TaskType, id int64) (*Task, error) {
	query := taskSelect + ` WHERE task_type = $1 AND id = $2`
	t, err := scanTask(s.pool.QueryRow(ctx, query, taskType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskType TaskType, id int64, status string) error {
	query := `UPDATE tasks SET status = $1, updated_at = NOW() WHERE task_type = $2 AND id = $3`
	tag, err := s.pool.Exec(ctx, query, status, taskType, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("task not found")
	}
	return nil
}

func (s *PostgresStore) TransitionTaskStatus(ctx context.Context, taskType TaskType, id int64, from []string, to string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	var accountID *int64
	err = tx.QueryRow(ctx,
		`SELECT status, account_id FROM tasks WHERE task_type = $1 AND id = $2 FOR UPDATE`,
		taskType, id).Scan(&status, &accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.New("task not found")
	}
	if err != nil {
		return err
	}
	allowed := false
	for _, f := range from {
		if status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrConflict
	}

	if to == TaskRunning && taskType == TaskTypeTrading && accountID != nil {
		// Racing starts on the same account serialize on the account row.
		if _, err := tx.Exec(ctx, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, *accountID); err != nil {
			return err
		}
		var others int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM tasks
			WHERE task_type = 'trading' AND account_id = $1 AND status = 'RUNNING' AND id <> $2
		`, *accountID, id).Scan(&others)
		if err != nil {
			return err
		}
		if others > 0 {
			return ErrConflict
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET status = $1, updated_at = NOW() WHERE task_type = $2 AND id = $3`,
		to, taskType, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) SetTaskState(ctx context.Context, taskType TaskType, id int64, state json.RawMessage) error {
	query := `UPDATE tasks SET strategy_state = $1, updated_at = NOW() WHERE task_type = $2 AND id = $3`
	tag, err := s.pool.Exec(ctx, query, state, taskType, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("task not found")
	}
	return nil
}

func (s *PostgresStore) ListRunningTradingTasksByAccount(ctx context.Context, accountID int64) ([]*Task, error) {
	query := taskSelect + ` WHERE task_type = 'trading' AND account_id = $1 AND status = 'RUNNING'`
	rows, err := s.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// --- Executions ---

// AllocateExecution assigns the next execution number under a row lock on
// the task and creates the execution in RUNNING. A unique-constraint race
// is resolved by one re-read.
func (s *PostgresStore) AllocateExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error) {
	for attempt := 0; attempt < 2; attempt++ {
		exec, err := s.tryAllocateExecution(ctx, taskType, taskID)
		if err == nil {
			return exec, nil
		}
		if !isUniqueViolation(err) || attempt == 1 {
			return nil, err
		}
	}
	return nil, errors.New("unreachable")
}

func (s *PostgresStore) tryAllocateExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// The task row serializes concurrent allocations; the max itself
	// cannot take FOR UPDATE because of the aggregate.
	if _, err := tx.Exec(ctx,
		`SELECT id FROM tasks WHERE task_type = $1 AND id = $2 FOR UPDATE`,
		taskType, taskID); err != nil {
		return nil, err
	}
	var max int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(execution_number), 0)
		FROM executions
		WHERE task_type = $1 AND task_id = $2
	`, taskType, taskID).Scan(&max)
	if err != nil {
		return nil, err
	}

	exec := &Execution{TaskType: taskType, TaskID: taskID, Number: max + 1, Status: ExecRunning}
	err = tx.QueryRow(ctx, `
		INSERT INTO executions (task_type, task_id, execution_number, status, progress, started_at, logs)
		VALUES ($1, $2, $3, 'RUNNING', 0, NOW(), '[]'::jsonb)
		RETURNING id, started_at
	`, taskType, taskID, exec.Number).Scan(&exec.ID, &exec.StartedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

const execSelect = `
	SELECT id, task_type, task_id, execution_number, status, progress,
	       started_at, completed_at, error_message, error_traceback, logs
	FROM executions`

func scanExecution(row pgx.Row) (*Execution, error) {
	var e Execution
	var errMsg, errTb *string
	var logs []byte
	err := row.Scan(
		&e.ID, &e.TaskType, &e.TaskID, &e.Number, &e.Status, &e.Progress,
		&e.StartedAt, &e.CompletedAt, &errMsg, &errTb, &logs,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		e.ErrorMessage = *errMsg
	}
	if errTb != nil {
		e.ErrorTraceback = *errTb
	}
	if len(logs) > 0 {
		if err := json.Unmarshal(logs, &e.Logs); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	e, err := scanExecution(s.pool.QueryRow(ctx, execSelect+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) LatestExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error) {
	query := execSelect + ` WHERE task_type = $1 AND task_id = $2 ORDER BY execution_number DESC LIMIT 1`
	e, err := scanExecution(s.pool.QueryRow(ctx, query, taskType, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) AppendExecutionLog(ctx context.Context, executionID int64, level, message string) error {
	line, err := json.Marshal(LogLine{TS: time.Now(), Level: level, Message: message})
	if err != nil {
		return err
	}
	query := `UPDATE executions SET logs = logs || $1::jsonb WHERE id = $2`
	_, err = s.pool.Exec(ctx, query, string(line), executionID)
	return err
}

func (s *PostgresStore) SetExecutionProgress(ctx context.Context, executionID int64, progress int) error {
	// GREATEST keeps progress monotone even under racing writers.
	query := `UPDATE executions SET progress = GREATEST(progress, $1) WHERE id = $2`
	_, err := s.pool.Exec(ctx, query, progress, executionID)
	return err
}

func (s *PostgresStore) FinalizeExecution(ctx context.Context, executionID int64, status, errMessage, errTraceback string) error {
	query := `
		UPDATE executions
		SET status = $1, completed_at = NOW(),
		    error_message = NULLIF($2, ''), error_traceback = NULLIF($3, '')
		WHERE id = $4 AND status = 'RUNNING'
	`
	tag, err := s.pool.Exec(ctx, query, status, errMessage, errTraceback, executionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already terminal: idempotent if the status matches, conflict otherwise.
		existing, err := s.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if existing == nil {
			return errors.New("execution not found")
		}
		if existing.Status == status {
			return nil
		}
		return ErrConflict
	}
	return nil
}

// --- Append-only children ---

// nextSequence computes the next per-execution sequence under the
// execution's row lock so sequences stay dense even with racing writers.
func nextSequence(ctx context.Context, tx pgx.Tx, table string, executionID int64) (int64, error) {
	if _, err := tx.Exec(ctx, `SELECT id FROM executions WHERE id = $1 FOR UPDATE`, executionID); err != nil {
		return 0, err
	}
	var seq int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM `+table+` WHERE execution_id = $1`,
		executionID).Scan(&seq)
	return seq, err
}

func (s *PostgresStore) AppendStrategyEvent(ctx context.Context, executionID int64, eventType string, ts time.Time, details json.RawMessage) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	seq, err := nextSequence(ctx, tx, "strategy_events", executionID)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO strategy_events (execution_id, sequence, event_type, event_time, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, executionID, seq, eventType, ts, details)
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit(ctx)
}

func (s *PostgresStore) AppendTrade(ctx context.Context, executionID int64, payload json.RawMessage) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	seq, err := nextSequence(ctx, tx, "trade_log_entries", executionID)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO trade_log_entries (execution_id, sequence, payload, created_at)
		VALUES ($1, $2, $3, NOW())
	`, executionID, seq, payload)
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit(ctx)
}

func (s *PostgresStore) AppendEquityPoint(ctx context.Context, executionID int64, ts *time.Time, balance decimal.Decimal) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	seq, err := nextSequence(ctx, tx, "equity_points", executionID)
	if err != nil {
		return 0, err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO equity_points (execution_id, sequence, point_time, balance, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, executionID, seq, ts, balance)
	if err != nil {
		return 0, err
	}
	return seq, tx.Commit(ctx)
}

func (s *PostgresStore) EventsSince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*StrategyEvent, error) {
	query := `
		SELECT id, execution_id, sequence, event_type, event_time, details, created_at
		FROM strategy_events
		WHERE execution_id = $1 AND sequence > $2
		ORDER BY sequence
	`
	args := []interface{}{executionID, sinceSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StrategyEvent
	for rows.Next() {
		var ev StrategyEvent
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &ev.Sequence, &ev.Type, &ev.Timestamp, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TradesSince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*TradeLogEntry, error) {
	query := `
		SELECT id, execution_id, sequence, payload, created_at
		FROM trade_log_entries
		WHERE execution_id = $1 AND sequence > $2
		ORDER BY sequence
	`
	args := []interface{}{executionID, sinceSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeLogEntry
	for rows.Next() {
		var tr TradeLogEntry
		if err := rows.Scan(&tr.ID, &tr.ExecutionID, &tr.Sequence, &tr.Payload, &tr.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EquitySince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*EquityPoint, error) {
	query := `
		SELECT id, execution_id, sequence, point_time, balance, created_at
		FROM equity_points
		WHERE execution_id = $1 AND sequence > $2
		ORDER BY sequence
	`
	args := []interface{}{executionID, sinceSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EquityPoint
	for rows.Next() {
		var pt EquityPoint
		if err := rows.Scan(&pt.ID, &pt.ExecutionID, &pt.Sequence, &pt.Timestamp, &pt.Balance, &pt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pt)
	}
	return out, rows.Err()
}

// --- Metrics checkpoints ---

func (s *PostgresStore) WriteMetricsCheckpoint(ctx context.Context, executionID int64, payload json.RawMessage, final bool) error {
	query := `
		INSERT INTO metrics_checkpoints (execution_id, payload, final, created_at)
		VALUES ($1, $2, $3, NOW())
	`
	_, err := s.pool.Exec(ctx, query, executionID, payload, final)
	return err
}

func (s *PostgresStore) LatestMetricsCheckpoint(ctx context.Context, executionID int64) (*MetricsCheckpoint, error) {
	query := `
		SELECT id, execution_id, payload, final, created_at
		FROM metrics_checkpoints
		WHERE execution_id = $1
		ORDER BY final DESC, created_at DESC, id DESC
		LIMIT 1
	`
	var cp MetricsCheckpoint
	err := s.pool.QueryRow(ctx, query, executionID).Scan(&cp.ID, &cp.ExecutionID, &cp.Payload, &cp.Final, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// --- Worker-control records ---

func (s *PostgresStore) InsertControl(ctx context.Context, c *WorkerControl) error {
	if c.Status == "" {
		c.Status = ControlRunning
	}
	query := `
		INSERT INTO worker_controls (task_name, instance_key, worker_task_id, worker_id, status, started_at, last_heartbeat_at, meta)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), $6)
		RETURNING started_at, last_heartbeat_at
	`
	err := s.pool.QueryRow(ctx, query,
		c.TaskName, c.InstanceKey, c.WorkerTaskID, c.WorkerID, c.Status, c.Meta,
	).Scan(&c.StartedAt, &c.LastHeartbeatAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) GetControl(ctx context.Context, taskName, instanceKey string) (*WorkerControl, error) {
	query := `
		SELECT task_name, instance_key, worker_task_id, worker_id, status, started_at, last_heartbeat_at, stopped_at, meta
		FROM worker_controls WHERE task_name = $1 AND instance_key = $2
	`
	var c WorkerControl
	err := s.pool.QueryRow(ctx, query, taskName, instanceKey).Scan(
		&c.TaskName, &c.InstanceKey, &c.WorkerTaskID, &c.WorkerID, &c.Status,
		&c.StartedAt, &c.LastHeartbeatAt, &c.StoppedAt, &c.Meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) HeartbeatControl(ctx context.Context, taskName, instanceKey, workerID string, t time.Time) error {
	query := `
		UPDATE worker_controls SET last_heartbeat_at = $1
		WHERE task_name = $2 AND instance_key = $3 AND worker_id = $4
	`
	tag, err := s.pool.Exec(ctx, query, t, taskName, instanceKey, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) UpdateControlMeta(ctx context.Context, taskName, instanceKey string, meta map[string]string) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	query := `
		UPDATE worker_controls SET meta = COALESCE(meta, '{}'::jsonb) || $1::jsonb
		WHERE task_name = $2 AND instance_key = $3
	`
	_, err = s.pool.Exec(ctx, query, string(data), taskName, instanceKey)
	return err
}

func (s *PostgresStore) RequestControlStop(ctx context.Context, taskName, instanceKey string, meta map[string]string) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	query := `
		UPDATE worker_controls
		SET status = 'STOP_REQUESTED', meta = COALESCE(meta, '{}'::jsonb) || $1::jsonb
		WHERE task_name = $2 AND instance_key = $3 AND status = 'RUNNING'
	`
	_, err = s.pool.Exec(ctx, query, string(data), taskName, instanceKey)
	return err
}

func (s *PostgresStore) FinalizeControl(ctx context.Context, taskName, instanceKey, status, message string) error {
	query := `
		UPDATE worker_controls
		SET status = $1, stopped_at = NOW(),
		    meta = CASE WHEN $2 = '' THEN meta
		                ELSE COALESCE(meta, '{}'::jsonb) || jsonb_build_object('message', $2::text) END
		WHERE task_name = $3 AND instance_key = $4
	`
	_, err := s.pool.Exec(ctx, query, status, message, taskName, instanceKey)
	return err
}

func (s *PostgresStore) DeleteControl(ctx context.Context, taskName, instanceKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM worker_controls WHERE task_name = $1 AND instance_key = $2`, taskName, instanceKey)
	return err
}

func (s *PostgresStore) ListControlsByStatus(ctx context.Context, status string) ([]*WorkerControl, error) {
	query := `
		SELECT task_name, instance_key, worker_task_id, worker_id, status, started_at, last_heartbeat_at, stopped_at, meta
		FROM worker_controls WHERE status = $1 ORDER BY started_at
	`
	rows, err := s.pool.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkerControl
	for rows.Next() {
		var c WorkerControl
		if err := rows.Scan(
			&c.TaskName, &c.InstanceKey, &c.WorkerTaskID, &c.WorkerID, &c.Status,
			&c.StartedAt, &c.LastHeartbeatAt, &c.StoppedAt, &c.Meta,
		); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
