// Command control_plane runs the trading engine: HTTP API, worker pool,
// lock monitor, and websocket streaming in one process.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/quantarc/tradeengine/broker"
	"github.com/quantarc/tradeengine/config"
	"github.com/quantarc/tradeengine/coordination"
	"github.com/quantarc/tradeengine/lifecycle"
	"github.com/quantarc/tradeengine/store"
	"github.com/quantarc/tradeengine/strategy"
	"github.com/quantarc/tradeengine/tickbus"
	"github.com/quantarc/tradeengine/worker"
)

// taskFromControl recovers the task reference from a lock record's
// (task_name, instance_key) pair.
func taskFromControl(c *store.WorkerControl) (store.TaskType, int64, bool) {
	var taskType store.TaskType
	switch c.TaskName {
	case coordination.TaskName(store.TaskTypeTrading):
		taskType = store.TaskTypeTrading
	case coordination.TaskName(store.TaskTypeBacktest):
		taskType = store.TaskTypeBacktest
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(c.InstanceKey, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return taskType, id, true
}

func workerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "engine"
	}
	return hostname
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration invalid: %v", err)
	}
	ctx := context.Background()

	// Durable state: Postgres in production, memory for local runs.
	var s store.Store
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("Connected to Postgres")
	} else {
		s = store.NewMemoryStore()
		log.Println("DATABASE_URL not set, using in-memory store (single node only)")
	}

	// Redis carries the tick bus and the fast lock barrier. Without it the
	// engine still runs: in-process bus, store-only locking.
	var redisClient *redis.Client
	var bus tickbus.Bus
	var replay tickbus.ReplayRequester
	redisClient = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Redis unavailable at %s (%v), falling back to in-process tick bus", cfg.RedisAddr, err)
		redisClient = nil
		bus = tickbus.NewMemoryBus()
		replay = &tickbus.MemoryReplayRequester{}
	} else {
		log.Printf("Connected to Redis at %s", cfg.RedisAddr)
		bus = tickbus.NewRedisBusFromClient(redisClient)
		replay = tickbus.NewRedisReplayRequester(redisClient, cfg.ReplayRequestChannel)
	}
	defer bus.Close()

	locks := coordination.NewManager(s, redisClient, cfg.HeartbeatInterval, cfg.StaleThreshold)
	registry := strategy.DefaultRegistry()
	gateway := broker.NewPaperGateway()

	runner := worker.NewRunner(cfg, s, locks, bus, replay, registry, gateway, workerID())
	pool := worker.NewPool(s, runner, gateway, cfg.WorkerCount, 256)
	pool.Start(ctx)

	machine := lifecycle.NewMachine(s, registry, locks, pool)
	detector := lifecycle.NewDetector(s, locks, cfg.WorkerStartupTimeout, 30*time.Second)

	// Background sweep for stale locks nobody is polling about. The sweep
	// finalizes the lock; this hook converges the task and execution rows.
	monitor := coordination.NewMonitor(locks, time.Minute)
	monitor.OnStale = func(ctx context.Context, c *store.WorkerControl) {
		taskType, taskID, ok := taskFromControl(c)
		if !ok {
			return
		}
		exec, err := s.LatestExecution(ctx, taskType, taskID)
		if err != nil || exec == nil || exec.Terminal() {
			return
		}
		if err := s.FinalizeExecution(ctx, exec.ID, store.ExecFailed, "Worker heartbeat expired", ""); err != nil && err != store.ErrConflict {
			log.Printf("Monitor: execution finalize failed: %v", err)
			return
		}
		if err := s.UpdateTaskStatus(ctx, taskType, taskID, store.TaskFailed); err != nil {
			log.Printf("Monitor: task status update failed: %v", err)
		}
	}
	monitor.Start(ctx)

	hub := NewStreamHub(s)
	go hub.Run(ctx)

	api := NewAPI(s, machine, detector, registry, hub)
	mux := http.NewServeMux()
	api.Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	log.Printf("Trading engine listening on %s (%d workers, heartbeat %v, stale threshold %v)",
		cfg.ListenAddr, cfg.WorkerCount, cfg.HeartbeatInterval, cfg.StaleThreshold)
	log.Fatal(http.ListenAndServe(cfg.ListenAddr, mux))
}
