package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore holds all lifecycle state in process memory. It implements
// Store and is the backend for tests and single-node development runs.
type MemoryStore struct {
	mu sync.RWMutex

	accounts map[int64]*Account
	configs  map[int64]*StrategyConfig
	tasks    map[string]*Task // key: type/id
	execs    map[int64]*Execution

	events   map[int64][]*StrategyEvent
	trades   map[int64][]*TradeLogEntry
	equity   map[int64][]*EquityPoint
	metrics  map[int64][]*MetricsCheckpoint
	controls map[string]*WorkerControl // key: taskName/instanceKey

	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*Account),
		configs:  make(map[int64]*StrategyConfig),
		tasks:    make(map[string]*Task),
		execs:    make(map[int64]*Execution),
		events:   make(map[int64][]*StrategyEvent),
		trades:   make(map[int64][]*TradeLogEntry),
		equity:   make(map[int64][]*EquityPoint),
		metrics:  make(map[int64][]*MetricsCheckpoint),
		controls: make(map[string]*WorkerControl),
	}
}

func taskKey(taskType TaskType, id int64) string {
	return fmt.Sprintf("%s/%d", taskType, id)
}

func controlKey(taskName, instanceKey string) string {
	return taskName + "/" + instanceKey
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.allocID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	cp := *a
	s.accounts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// --- Strategy configs ---

func (s *MemoryStore) CreateStrategyConfig(ctx context.Context, c *StrategyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.configs {
		if existing.OwnerID == c.OwnerID && existing.Name == c.Name {
			return ErrConflict
		}
	}
	if c.ID == 0 {
		c.ID = s.allocID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.configs[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStrategyConfig(ctx context.Context, id int64) (*StrategyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) DeleteStrategyConfig(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
	return nil
}

func (s *MemoryStore) ListTasksByConfig(ctx context.Context, configID int64) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.ConfigID == configID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.Type == t.Type && existing.OwnerID == t.OwnerID && existing.Name == t.Name {
			return ErrConflict
		}
	}
	if t.ID == 0 {
		t.ID = s.allocID()
	}
	if t.Status == "" {
		t.Status = TaskCreated
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.tasks[taskKey(t.Type, t.ID)] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, taskType TaskType, id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskKey(taskType, id)]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTaskStatus(ctx context.Context, taskType TaskType, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey(taskType, id)]
	if !ok {
		return fmt.Errorf("task %s/%d not found", taskType, id)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionTaskStatus(ctx context.Context, taskType TaskType, id int64, from []string, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey(taskType, id)]
	if !ok {
		return fmt.Errorf("task %s/%d not found", taskType, id)
	}
	allowed := false
	for _, f := range from {
		if t.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrConflict
	}
	if to == TaskRunning && taskType == TaskTypeTrading && t.AccountID != 0 {
		for _, other := range s.tasks {
			if other.Type == TaskTypeTrading && other.AccountID == t.AccountID &&
				other.ID != t.ID && other.Status == TaskRunning {
				return ErrConflict
			}
		}
	}
	t.Status = to
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetTaskState(ctx context.Context, taskType TaskType, id int64, state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskKey(taskType, id)]
	if !ok {
		return fmt.Errorf("task %s/%d not found", taskType, id)
	}
	t.StrategyState = append(json.RawMessage(nil), state...)
	t.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListRunningTradingTasksByAccount(ctx context.Context, accountID int64) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Type == TaskTypeTrading && t.AccountID == accountID && t.Status == TaskRunning {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- Executions ---

func (s *MemoryStore) AllocateExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := 0
	for _, e := range s.execs {
		if e.TaskType == taskType && e.TaskID == taskID && e.Number > max {
			max = e.Number
		}
	}

	exec := &Execution{
		ID:        s.allocID(),
		TaskType:  taskType,
		TaskID:    taskID,
		Number:    max + 1,
		Status:    ExecRunning,
		StartedAt: time.Now(),
	}
	s.execs[exec.ID] = exec
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id int64) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.Logs = append([]LogLine(nil), e.Logs...)
	return &cp, nil
}

func (s *MemoryStore) LatestExecution(ctx context.Context, taskType TaskType, taskID int64) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Execution
	for _, e := range s.execs {
		if e.TaskType == taskType && e.TaskID == taskID {
			if latest == nil || e.Number > latest.Number {
				latest = e
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	cp.Logs = append([]LogLine(nil), latest.Logs...)
	return &cp, nil
}

func (s *MemoryStore) AppendExecutionLog(ctx context.Context, executionID int64, level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %d not found", executionID)
	}
	e.Logs = append(e.Logs, LogLine{TS: time.Now(), Level: level, Message: message})
	return nil
}

func (s *MemoryStore) SetExecutionProgress(ctx context.Context, executionID int64, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %d not found", executionID)
	}
	// Progress never goes backwards.
	if progress > e.Progress {
		e.Progress = progress
	}
	return nil
}

func (s *MemoryStore) FinalizeExecution(ctx context.Context, executionID int64, status, errMessage, errTraceback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[executionID]
	if !ok {
		return fmt.Errorf("execution %d not found", executionID)
	}
	if e.Terminal() {
		if e.Status == status {
			return nil // idempotent
		}
		return ErrConflict
	}
	now := time.Now()
	e.Status = status
	e.CompletedAt = &now
	if errMessage != "" {
		e.ErrorMessage = errMessage
	}
	if errTraceback != "" {
		e.ErrorTraceback = errTraceback
	}
	return nil
}

// --- Append-only children ---

func (s *MemoryStore) AppendStrategyEvent(ctx context.Context, executionID int64, eventType string, ts time.Time, details json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.events[executionID]) + 1)
	ev := &StrategyEvent{
		ID:          s.allocID(),
		ExecutionID: executionID,
		Sequence:    seq,
		Type:        eventType,
		Timestamp:   ts,
		Details:     append(json.RawMessage(nil), details...),
		CreatedAt:   time.Now(),
	}
	s.events[executionID] = append(s.events[executionID], ev)
	return seq, nil
}

func (s *MemoryStore) AppendTrade(ctx context.Context, executionID int64, payload json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.trades[executionID]) + 1)
	tr := &TradeLogEntry{
		ID:          s.allocID(),
		ExecutionID: executionID,
		Sequence:    seq,
		Payload:     append(json.RawMessage(nil), payload...),
		CreatedAt:   time.Now(),
	}
	s.trades[executionID] = append(s.trades[executionID], tr)
	return seq, nil
}

func (s *MemoryStore) AppendEquityPoint(ctx context.Context, executionID int64, ts *time.Time, balance decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.equity[executionID]) + 1)
	pt := &EquityPoint{
		ID:          s.allocID(),
		ExecutionID: executionID,
		Sequence:    seq,
		Timestamp:   ts,
		Balance:     balance,
		CreatedAt:   time.Now(),
	}
	s.equity[executionID] = append(s.equity[executionID], pt)
	return seq, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*StrategyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*StrategyEvent
	for _, ev := range s.events[executionID] {
		if ev.Sequence > sinceSequence {
			cp := *ev
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) TradesSince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*TradeLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*TradeLogEntry
	for _, tr := range s.trades[executionID] {
		if tr.Sequence > sinceSequence {
			cp := *tr
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) EquitySince(ctx context.Context, executionID int64, sinceSequence int64, limit int) ([]*EquityPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*EquityPoint
	for _, pt := range s.equity[executionID] {
		if pt.Sequence > sinceSequence {
			cp := *pt
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- Metrics checkpoints ---

func (s *MemoryStore) WriteMetricsCheckpoint(ctx context.Context, executionID int64, payload json.RawMessage, final bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := &MetricsCheckpoint{
		ID:          s.allocID(),
		ExecutionID: executionID,
		Payload:     append(json.RawMessage(nil), payload...),
		Final:       final,
		CreatedAt:   time.Now(),
	}
	s.metrics[executionID] = append(s.metrics[executionID], cp)
	return nil
}

func (s *MemoryStore) LatestMetricsCheckpoint(ctx context.Context, executionID int64) (*MetricsCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	checkpoints := s.metrics[executionID]
	if len(checkpoints) == 0 {
		return nil, nil
	}
	// Final checkpoint wins over any later periodic write.
	for i := len(checkpoints) - 1; i >= 0; i-- {
		if checkpoints[i].Final {
			cp := *checkpoints[i]
			return &cp, nil
		}
	}
	cp := *checkpoints[len(checkpoints)-1]
	return &cp, nil
}

// --- Worker-control records ---

func (s *MemoryStore) InsertControl(ctx context.Context, c *WorkerControl) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := controlKey(c.TaskName, c.InstanceKey)
	if _, exists := s.controls[key]; exists {
		return ErrConflict
	}
	now := time.Now()
	if c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if c.LastHeartbeatAt.IsZero() {
		c.LastHeartbeatAt = now
	}
	if c.Status == "" {
		c.Status = ControlRunning
	}
	cp := *c
	cp.Meta = copyMeta(c.Meta)
	s.controls[key] = &cp
	return nil
}

func (s *MemoryStore) GetControl(ctx context.Context, taskName, instanceKey string) (*WorkerControl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.controls[controlKey(taskName, instanceKey)]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.Meta = copyMeta(c.Meta)
	return &cp, nil
}

func (s *MemoryStore) HeartbeatControl(ctx context.Context, taskName, instanceKey, workerID string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[controlKey(taskName, instanceKey)]
	if !ok {
		return fmt.Errorf("control %s/%s not found", taskName, instanceKey)
	}
	if c.WorkerID != workerID {
		return ErrConflict
	}
	c.LastHeartbeatAt = t
	return nil
}

func (s *MemoryStore) UpdateControlMeta(ctx context.Context, taskName, instanceKey string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[controlKey(taskName, instanceKey)]
	if !ok {
		return fmt.Errorf("control %s/%s not found", taskName, instanceKey)
	}
	if c.Meta == nil {
		c.Meta = make(map[string]string)
	}
	for k, v := range meta {
		c.Meta[k] = v
	}
	return nil
}

func (s *MemoryStore) RequestControlStop(ctx context.Context, taskName, instanceKey string, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[controlKey(taskName, instanceKey)]
	if !ok {
		return fmt.Errorf("control %s/%s not found", taskName, instanceKey)
	}
	if c.Terminal() {
		return nil // already finished, nothing to stop
	}
	c.Status = ControlStopRequested
	if c.Meta == nil {
		c.Meta = make(map[string]string)
	}
	for k, v := range meta {
		c.Meta[k] = v
	}
	return nil
}

func (s *MemoryStore) FinalizeControl(ctx context.Context, taskName, instanceKey, status, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.controls[controlKey(taskName, instanceKey)]
	if !ok {
		return fmt.Errorf("control %s/%s not found", taskName, instanceKey)
	}
	now := time.Now()
	c.Status = status
	c.StoppedAt = &now
	if message != "" {
		if c.Meta == nil {
			c.Meta = make(map[string]string)
		}
		c.Meta["message"] = message
	}
	return nil
}

func (s *MemoryStore) DeleteControl(ctx context.Context, taskName, instanceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.controls, controlKey(taskName, instanceKey))
	return nil
}

func (s *MemoryStore) ListControlsByStatus(ctx context.Context, status string) ([]*WorkerControl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkerControl
	for _, c := range s.controls {
		if c.Status == status {
			cp := *c
			cp.Meta = copyMeta(c.Meta)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
