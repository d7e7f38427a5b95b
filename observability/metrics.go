package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsStarted counts executions picked up by a worker.
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_started_total",
		Help: "Executions picked up by a worker, by task type",
	}, []string{"task_type"})

	// ExecutionsFinished counts executions reaching a terminal status.
	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_executions_finished_total",
		Help: "Executions finished, by task type and terminal status",
	}, []string{"task_type", "status"})

	// TicksProcessed counts ticks consumed by workers.
	TicksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_ticks_processed_total",
		Help: "Ticks consumed from the tick bus, by task type",
	}, []string{"task_type"})

	// StrategyEventsEmitted counts events returned by strategy callbacks.
	StrategyEventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_strategy_events_total",
		Help: "Events emitted by strategies, by event type",
	}, []string{"event_type"})

	// DispatchQueueDepth tracks the number of executions waiting for a worker.
	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_dispatch_queue_depth",
		Help: "Executions queued and not yet picked up by the worker pool",
	})

	// ActiveExecutions tracks executions currently held by a worker.
	ActiveExecutions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_active_executions",
		Help: "Executions currently running in the worker pool",
	})

	// HeartbeatLatency tracks the write latency of lock heartbeats.
	HeartbeatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_heartbeat_latency_seconds",
		Help:    "Lock heartbeat write latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// LockAcquireResults counts lock acquisition attempts by outcome.
	LockAcquireResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_lock_acquire_total",
		Help: "Lock acquisition attempts, by outcome",
	}, []string{"outcome"}) // acquired, refused, stale_takeover

	// StaleFinalizations counts executions finalized by the stale detector.
	StaleFinalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_stale_finalizations_total",
		Help: "Executions finalized without worker cooperation, by rule",
	}, []string{"rule"}) // startup_timeout, stale_running, stop_in_flight

	// CheckpointWriteFailures counts swallowed persistence errors in the hot path.
	CheckpointWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_checkpoint_write_failures_total",
		Help: "Best-effort checkpoint/heartbeat writes that failed and were skipped",
	}, []string{"kind"}) // metrics, heartbeat, progress, state

	// TickLoopDuration tracks one iteration of the worker tick loop.
	TickLoopDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_loop_duration_seconds",
		Help:    "Duration of a single worker loop iteration",
		Buckets: prometheus.DefBuckets,
	})

	// APIRateLimited tracks control-plane requests rejected by the limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_api_rate_limited_total",
		Help: "API requests rejected by rate limiter (storm protection)",
	}, []string{"endpoint"})

	// ExecutionProgress tracks the last reported progress per task type.
	ExecutionProgress = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_execution_progress_updates",
		Help:    "Distribution of persisted progress values",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})
)
