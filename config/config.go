package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime knob for the engine. Values come from the
// environment with sensible defaults; a .env file is loaded if present.
type Config struct {
	// Transport
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresURL   string
	ListenAddr    string

	// Tick channels
	TickChannel               string
	BacktestTickChannelPrefix string
	ReplayRequestChannel      string

	// Worker timing
	HeartbeatInterval    time.Duration
	StaleThreshold       time.Duration
	WorkerStartupTimeout time.Duration
	StatusPollInterval   time.Duration

	// Checkpoint cadence (ticks between metric checkpoints / state saves)
	TradingProgressIntervalTicks  int
	BacktestProgressIntervalTicks int

	// Pool
	WorkerCount int
}

// Load reads configuration from the environment. Missing keys fall back to
// defaults; a malformed numeric value is a startup failure.
func Load() (*Config, error) {
	// Best effort: absence of a .env file is normal in production.
	if err := godotenv.Load(); err == nil {
		log.Println("Config: loaded .env file")
	}

	cfg := &Config{
		RedisAddr:                 getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:             getEnv("REDIS_PASSWORD", ""),
		PostgresURL:               getEnv("DATABASE_URL", ""),
		ListenAddr:                getEnv("LISTEN_ADDR", ":8080"),
		TickChannel:               getEnv("TICK_CHANNEL", "ticks:live"),
		BacktestTickChannelPrefix: getEnv("BACKTEST_TICK_CHANNEL_PREFIX", "ticks:backtest:"),
		ReplayRequestChannel:      getEnv("REPLAY_REQUEST_CHANNEL", "ticks:replay:requests"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	heartbeatSecs, err := getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	cfg.HeartbeatInterval = time.Duration(heartbeatSecs) * time.Second

	// Default stale threshold is 2x heartbeat + 60s of slack.
	staleSecs, err := getEnvInt("STALE_THRESHOLD_SECONDS", 2*heartbeatSecs+60)
	if err != nil {
		return nil, err
	}
	cfg.StaleThreshold = time.Duration(staleSecs) * time.Second

	startupSecs, err := getEnvInt("WORKER_STARTUP_TIMEOUT_SECONDS", 120)
	if err != nil {
		return nil, err
	}
	cfg.WorkerStartupTimeout = time.Duration(startupSecs) * time.Second

	pollSecs, err := getEnvInt("STATUS_POLL_INTERVAL_SECONDS", 2)
	if err != nil {
		return nil, err
	}
	cfg.StatusPollInterval = time.Duration(pollSecs) * time.Second

	if cfg.TradingProgressIntervalTicks, err = getEnvInt("TRADING_PROGRESS_INTERVAL_TICKS", 50); err != nil {
		return nil, err
	}
	if cfg.BacktestProgressIntervalTicks, err = getEnvInt("BACKTEST_PROGRESS_INTERVAL_TICKS", 250); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = getEnvInt("WORKER_COUNT", 4); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return n, nil
}
