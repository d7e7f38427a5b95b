package worker

import (
	"context"
	"time"

	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/lifecycle"
	"github.com/quantarc/tradeengine/store"
)

// Decision is what the control poll tells the tick loop to do next.
type Decision struct {
	Stop     bool
	StopMode string
	Paused   bool
}

// Signals consolidates the two control surfaces a worker watches: the
// lock record (stop requests) and the task row (pause and resume). Both
// are polled together, at most once per poll interval, so a stop or
// pause lands within one interval plus one tick receive timeout.
type Signals struct {
	store        store.Store
	locks        *coordination.Manager
	taskType     store.TaskType
	taskID       int64
	taskName     string
	instanceKey  string
	pollInterval time.Duration

	lastPoll time.Time
	cached   Decision
}

func NewSignals(s store.Store, locks *coordination.Manager, taskType store.TaskType, taskID int64, pollInterval time.Duration) *Signals {
	return &Signals{
		store:        s,
		locks:        locks,
		taskType:     taskType,
		taskID:       taskID,
		taskName:     coordination.TaskName(taskType),
		instanceKey:  coordination.InstanceKey(taskID),
		pollInterval: pollInterval,
	}
}

// Poll returns the current decision, refreshing from the store when the
// poll interval has elapsed. Read errors return the last known decision;
// a worker that cannot reach the store keeps running and lets the
// heartbeat path surface the outage.
func (s *Signals) Poll(ctx context.Context) Decision {
	if time.Since(s.lastPoll) < s.pollInterval {
		return s.cached
	}
	s.lastPoll = time.Now()

	info, err := s.locks.GetInfo(ctx, s.taskName, s.instanceKey)
	if err == nil && info != nil {
		if info.Status == store.ControlStopRequested {
			s.cached.Stop = true
			s.cached.StopMode = info.Meta["stop_mode"]
			if s.cached.StopMode == "" {
				s.cached.StopMode = lifecycle.StopGraceful
			}
			return s.cached
		}
		if info.Terminal() {
			// Lock was taken away (stale recovery): shut down immediately.
			s.cached.Stop = true
			s.cached.StopMode = lifecycle.StopImmediate
			return s.cached
		}
	}

	task, err := s.store.GetTask(ctx, s.taskType, s.taskID)
	if err == nil && task != nil {
		switch task.Status {
		case store.TaskPaused:
			s.cached.Paused = true
		case store.TaskRunning:
			s.cached.Paused = false
		default:
			// Task was finalized from the outside.
			s.cached.Stop = true
			s.cached.StopMode = lifecycle.StopImmediate
		}
	}
	return s.cached
}
