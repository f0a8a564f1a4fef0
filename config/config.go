// Package config loads orchestrator settings from the environment. The
// Config value is immutable after load; components copy what they need at
// construction time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable of the orchestrator daemon.
type Config struct {
	// PostgresURL is the connection string of the durable store. Empty
	// selects the in-memory store (single process, tests, local runs).
	PostgresURL string

	// RedisAddr enables the Redis event mirror when non-empty.
	RedisAddr    string
	EventChannel string

	NumWorkers    int
	LockLease     time.Duration
	StageTimeout  time.Duration
	SweepInterval time.Duration
	ShutdownGrace time.Duration

	RetryBase        time.Duration
	RetryMaxAttempts int

	// QuotaService names the metered external service gating resumes.
	QuotaService string

	MetricsAddr string
	LogLevel    string
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		EventChannel:     "labelsquor:workflow:events",
		NumWorkers:       4,
		LockLease:        300 * time.Second,
		StageTimeout:     300 * time.Second,
		SweepInterval:    15 * time.Second,
		ShutdownGrace:    30 * time.Second,
		RetryBase:        60 * time.Second,
		RetryMaxAttempts: 3,
		QuotaService:     "gemini",
		MetricsAddr:      ":9090",
		LogLevel:         "info",
	}
}

// FromEnv overlays environment variables onto the defaults.
func FromEnv() (*Config, error) {
	c := Default()

	c.PostgresURL = getEnv("ORCHESTRATOR_POSTGRES_URL", c.PostgresURL)
	c.RedisAddr = getEnv("ORCHESTRATOR_REDIS_ADDR", c.RedisAddr)
	c.EventChannel = getEnv("ORCHESTRATOR_EVENT_CHANNEL", c.EventChannel)
	c.QuotaService = getEnv("ORCHESTRATOR_QUOTA_SERVICE", c.QuotaService)
	c.MetricsAddr = getEnv("ORCHESTRATOR_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = getEnv("ORCHESTRATOR_LOG_LEVEL", c.LogLevel)

	var err error
	if c.NumWorkers, err = getEnvInt("ORCHESTRATOR_WORKERS", c.NumWorkers); err != nil {
		return nil, err
	}
	if c.RetryMaxAttempts, err = getEnvInt("ORCHESTRATOR_MAX_RETRIES", c.RetryMaxAttempts); err != nil {
		return nil, err
	}
	if c.LockLease, err = getEnvSeconds("ORCHESTRATOR_LOCK_LEASE_SECONDS", c.LockLease); err != nil {
		return nil, err
	}
	if c.StageTimeout, err = getEnvSeconds("ORCHESTRATOR_STAGE_TIMEOUT_SECONDS", c.StageTimeout); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = getEnvSeconds("ORCHESTRATOR_SWEEP_INTERVAL_SECONDS", c.SweepInterval); err != nil {
		return nil, err
	}
	if c.ShutdownGrace, err = getEnvSeconds("ORCHESTRATOR_SHUTDOWN_GRACE_SECONDS", c.ShutdownGrace); err != nil {
		return nil, err
	}
	if c.RetryBase, err = getEnvSeconds("ORCHESTRATOR_RETRY_BASE_SECONDS", c.RetryBase); err != nil {
		return nil, err
	}

	return c, c.validate()
}

func (c *Config) validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("worker count must be positive, got %d", c.NumWorkers)
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("lock lease must be positive, got %s", c.LockLease)
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("stage timeout must be positive, got %s", c.StageTimeout)
	}
	if c.StageTimeout > c.LockLease {
		return fmt.Errorf("stage timeout %s exceeds lock lease %s", c.StageTimeout, c.LockLease)
	}
	return nil
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
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
