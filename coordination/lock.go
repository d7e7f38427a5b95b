package coordination

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantarc/tradeengine/observability"
	"github.com/quantarc/tradeengine/store"
)

// ErrAlreadyRunning is returned by Acquire when a live worker already
// holds the lock for this task.
var ErrAlreadyRunning = errors.New("coordination: task already running")

// Manager grants exclusive execution rights per (task_name, instance_key)
// and carries the stop-request bit. The durable record lives in the store;
// redis, when configured, adds a fast SET NX barrier in front of it so two
// workers racing the same task resolve without touching the database.
type Manager struct {
	store             store.Store
	redis             *redis.Client // optional
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
}

func NewManager(s store.Store, redisClient *redis.Client, heartbeatInterval, staleThreshold time.Duration) *Manager {
	if staleThreshold <= 0 {
		staleThreshold = 2*heartbeatInterval + 60*time.Second
	}
	return &Manager{
		store:             s,
		redis:             redisClient,
		HeartbeatInterval: heartbeatInterval,
		StaleThreshold:    staleThreshold,
	}
}

// InstanceKey is the stringified task id, matching the control table's
// unique (task_name, instance_key).
func InstanceKey(taskID int64) string {
	return strconv.FormatInt(taskID, 10)
}

// TaskName derives the control-record task name for a task type.
func TaskName(taskType store.TaskType) string {
	return "run_" + string(taskType) + "_task"
}

// IsStale reports whether the record's heartbeat is older than the
// configured threshold.
func (m *Manager) IsStale(c *store.WorkerControl, now time.Time) bool {
	return now.Sub(c.LastHeartbeatAt) > m.StaleThreshold
}

// Acquire atomically claims the lock. A live record refuses the claim; a
// stale record is released first (conflict recovery) and the insert is
// retried once.
func (m *Manager) Acquire(ctx context.Context, taskName, instanceKey, workerID, workerTaskID string, meta map[string]string) (*store.WorkerControl, error) {
	if m.redis != nil {
		ok, err := m.acquireBarrier(ctx, taskName, instanceKey, workerID)
		if err != nil {
			// Redis jitter must not block execution; the durable record is
			// the authority.
			log.Printf("LockManager: redis barrier unavailable: %v", err)
		} else if !ok {
			observability.LockAcquireResults.WithLabelValues("refused").Inc()
			return nil, ErrAlreadyRunning
		}
	}

	ctrl := &store.WorkerControl{
		TaskName:     taskName,
		InstanceKey:  instanceKey,
		WorkerID:     workerID,
		WorkerTaskID: workerTaskID,
		Status:       store.ControlRunning,
		Meta:         meta,
	}
	err := m.store.InsertControl(ctx, ctrl)
	if err == nil {
		observability.LockAcquireResults.WithLabelValues("acquired").Inc()
		return ctrl, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		m.releaseBarrier(ctx, taskName, instanceKey, workerID)
		return nil, err
	}

	existing, gerr := m.store.GetControl(ctx, taskName, instanceKey)
	if gerr != nil {
		m.releaseBarrier(ctx, taskName, instanceKey, workerID)
		return nil, gerr
	}
	if existing != nil && !existing.Terminal() && !m.IsStale(existing, time.Now()) {
		m.releaseBarrier(ctx, taskName, instanceKey, workerID)
		observability.LockAcquireResults.WithLabelValues("refused").Inc()
		return nil, ErrAlreadyRunning
	}

	// Stale or already-terminal record: clear it and retry once.
	if existing != nil {
		log.Printf("LockManager: recovering stale lock %s/%s (last heartbeat %v)",
			taskName, instanceKey, existing.LastHeartbeatAt)
		if existing.Status == store.ControlRunning || existing.Status == store.ControlStopRequested {
			if ferr := m.store.FinalizeControl(ctx, taskName, instanceKey, store.ControlFailed, "stale lock recovered"); ferr != nil {
				log.Printf("LockManager: failed to finalize stale lock: %v", ferr)
			}
		}
		if derr := m.store.DeleteControl(ctx, taskName, instanceKey); derr != nil {
			m.releaseBarrier(ctx, taskName, instanceKey, workerID)
			return nil, derr
		}
	}

	if err := m.store.InsertControl(ctx, ctrl); err != nil {
		m.releaseBarrier(ctx, taskName, instanceKey, workerID)
		if errors.Is(err, store.ErrConflict) {
			observability.LockAcquireResults.WithLabelValues("refused").Inc()
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	observability.LockAcquireResults.WithLabelValues("stale_takeover").Inc()
	return ctrl, nil
}

// Heartbeat refreshes the lock. The worker calls this at least every
// HeartbeatInterval; failure to heartbeat is the worker's cue to stop.
func (m *Manager) Heartbeat(ctx context.Context, taskName, instanceKey, workerID string) error {
	start := time.Now()
	defer func() {
		observability.HeartbeatLatency.Observe(time.Since(start).Seconds())
	}()

	if m.redis != nil {
		if err := m.renewBarrier(ctx, taskName, instanceKey, workerID); err != nil {
			log.Printf("LockManager: barrier renew failed: %v", err)
		}
	}
	return m.store.HeartbeatControl(ctx, taskName, instanceKey, workerID, time.Now())
}

// UpdateMeta merges worker-visible status metadata into the record.
func (m *Manager) UpdateMeta(ctx context.Context, taskName, instanceKey string, meta map[string]string) error {
	return m.store.UpdateControlMeta(ctx, taskName, instanceKey, meta)
}

// RequestStop flips the record to STOP_REQUESTED; the holder polls it.
func (m *Manager) RequestStop(ctx context.Context, taskName, instanceKey string, meta map[string]string) error {
	return m.store.RequestControlStop(ctx, taskName, instanceKey, meta)
}

// Release finalizes the lock with a terminal status and drops the barrier.
func (m *Manager) Release(ctx context.Context, taskName, instanceKey, workerID, terminalStatus, message string) error {
	m.releaseBarrier(ctx, taskName, instanceKey, workerID)
	return m.store.FinalizeControl(ctx, taskName, instanceKey, terminalStatus, message)
}

// Clear removes the record entirely. Used by the stale detector when
// reconciling a task whose worker is gone.
func (m *Manager) Clear(ctx context.Context, taskName, instanceKey string) error {
	m.releaseBarrier(ctx, taskName, instanceKey, "")
	return m.store.DeleteControl(ctx, taskName, instanceKey)
}

// GetInfo reads the current record; (nil, nil) when absent.
func (m *Manager) GetInfo(ctx context.Context, taskName, instanceKey string) (*store.WorkerControl, error) {
	return m.store.GetControl(ctx, taskName, instanceKey)
}

// --- redis barrier (SET NX + owner-checked release) ---

func barrierKey(taskName, instanceKey string) string {
	return fmt.Sprintf("engine:lock:%s:%s", taskName, instanceKey)
}

func (m *Manager) acquireBarrier(ctx context.Context, taskName, instanceKey, workerID string) (bool, error) {
	return m.redis.SetNX(ctx, barrierKey(taskName, instanceKey), workerID, m.StaleThreshold).Result()
}

func (m *Manager) renewBarrier(ctx context.Context, taskName, instanceKey, workerID string) error {
	script := `
		local val = redis.call("get", KEYS[1])
		if not val then
			return -1
		end
		if val == ARGV[1] then
			return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
		else
			return -2
		end
	`
	res, err := m.redis.Eval(ctx, script, []string{barrierKey(taskName, instanceKey)},
		workerID, int64(m.StaleThreshold/time.Millisecond)).Result()
	if err != nil {
		return err
	}
	if val, ok := res.(int64); ok && val == -2 {
		return fmt.Errorf("barrier owned by another worker")
	}
	return nil
}

func (m *Manager) releaseBarrier(ctx context.Context, taskName, instanceKey, workerID string) {
	if m.redis == nil {
		return
	}
	key := barrierKey(taskName, instanceKey)
	if workerID == "" {
		// Unconditional clear (stale-detector path).
		if err := m.redis.Del(ctx, key).Err(); err != nil {
			log.Printf("LockManager: barrier delete failed: %v", err)
		}
		return
	}
	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := m.redis.Eval(ctx, script, []string{key}, workerID).Err(); err != nil {
		log.Printf("LockManager: barrier release failed: %v", err)
	}
}
