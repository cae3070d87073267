// Package config provides environment-aware configuration management for
// the task engine's binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	slruntime "github.com/r3e-network/taskengine/internal/runtime"
	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment = slruntime.Environment

const (
	Development = slruntime.Development
	Testing     = slruntime.Testing
	Production  = slruntime.Production
)

// DatabaseConfig configures the Postgres connection used by the store.
type DatabaseConfig struct {
	DSN            string
	MaxConnections int
	IdleTimeout    time.Duration
	MigrationsPath string
}

// RegistryConfig configures task discovery and sync.
type RegistryConfig struct {
	// SourceURI is the configured discovery source, e.g.
	// "file:///etc/taskengine/tasks" or "https://registry.example.com/tasks".
	SourceURI      string
	SyncInterval   time.Duration
	ConflictPolicy string // prefer_registry | prefer_database | prefer_newer | merge
	WatchEnabled   bool
}

// QueueConfig configures job dequeue behavior.
type QueueConfig struct {
	DequeueBatchSize int
	DequeueInterval  time.Duration
	LeaseDuration    time.Duration
	DefaultMaxRetries int
	RetryDelayCap    time.Duration
}

// SchedulerConfig configures the cron-driven job producer.
type SchedulerConfig struct {
	TickInterval time.Duration
	Timezone     string
}

// WorkerConfig configures the execution pool.
type WorkerConfig struct {
	PoolSize        int
	ExecutionTimeout time.Duration
	MaxHeapMB       int
	ShutdownGrace   time.Duration
}

// DeliveryConfig configures output delivery destinations.
type DeliveryConfig struct {
	MaxAttempts      int
	RetryDelay       time.Duration
	WebhookTimeout   time.Duration
	FilesystemRoot   string
}

// CacheConfig configures in-process caching of registry/schedule lookups.
type CacheConfig struct {
	TTL     time.Duration
	MaxSize int
}

// HTTPConfig configures the coordinator's ambient health/metrics surface.
type HTTPConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Config holds all application configuration.
type Config struct {
	Env Environment

	Execution WorkerConfig
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Registry  RegistryConfig
	Cache     CacheConfig
	Queue     QueueConfig
	Scheduler SchedulerConfig
	Delivery  DeliveryConfig

	LogLevel  string
	LogFormat string

	MetricsEnabled bool
	MetricsPort    int

	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// Load loads configuration based on the TASKENGINE_ENV environment variable.
func Load() (*Config, error) {
	envStr := os.Getenv("TASKENGINE_ENV")
	if envStr == "" {
		envStr = string(slruntime.Development)
	}

	parsedEnv, ok := slruntime.ParseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid TASKENGINE_ENV: %s (must be development, testing, or production)", envStr)
	}
	env := Environment(parsedEnv)

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		// Config file is optional; only warn on non-"file not found" errors
		// (e.g. parse errors) to avoid noisy logs during tests and CI runs.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("Warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.Database.DSN = getEnv("DATABASE_DSN", "")
	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}
	c.Database.MaxConnections = getIntEnv("DB_MAX_CONNECTIONS", 20)
	var err error
	c.Database.IdleTimeout, err = parseDurationEnv("DB_IDLE_TIMEOUT", "5m")
	if err != nil {
		return err
	}
	c.Database.MigrationsPath = getEnv("DB_MIGRATIONS_PATH", "")

	c.Registry.SourceURI = getEnv("REGISTRY_SOURCE_URI", "file://./tasks")
	c.Registry.SyncInterval, err = parseDurationEnv("REGISTRY_SYNC_INTERVAL", "1m")
	if err != nil {
		return err
	}
	c.Registry.ConflictPolicy = getEnv("REGISTRY_CONFLICT_POLICY", "prefer_registry")
	c.Registry.WatchEnabled = getBoolEnv("REGISTRY_WATCH_ENABLED", true)

	c.Cache.TTL, err = parseDurationEnv("CACHE_TTL", "30s")
	if err != nil {
		return err
	}
	c.Cache.MaxSize = getIntEnv("CACHE_MAX_SIZE", 1000)

	c.Queue.DequeueBatchSize = getIntEnv("QUEUE_DEQUEUE_BATCH_SIZE", 10)
	c.Queue.DequeueInterval, err = parseDurationEnv("QUEUE_DEQUEUE_INTERVAL", "500ms")
	if err != nil {
		return err
	}
	c.Queue.LeaseDuration, err = parseDurationEnv("QUEUE_LEASE_DURATION", "5m")
	if err != nil {
		return err
	}
	c.Queue.DefaultMaxRetries = getIntEnv("QUEUE_DEFAULT_MAX_RETRIES", 3)
	c.Queue.RetryDelayCap, err = parseDurationEnv("QUEUE_RETRY_DELAY_CAP", "10m")
	if err != nil {
		return err
	}

	c.Scheduler.TickInterval, err = parseDurationEnv("SCHEDULER_TICK_INTERVAL", "10s")
	if err != nil {
		return err
	}
	c.Scheduler.Timezone = getEnv("SCHEDULER_TIMEZONE", "UTC")

	c.Execution.PoolSize = getIntEnv("WORKER_POOL_SIZE", 4)
	c.Execution.ExecutionTimeout, err = parseDurationEnv("WORKER_EXECUTION_TIMEOUT", "30s")
	if err != nil {
		return err
	}
	c.Execution.MaxHeapMB = getIntEnv("WORKER_MAX_HEAP_MB", 128)
	c.Execution.ShutdownGrace, err = parseDurationEnv("WORKER_SHUTDOWN_GRACE", "5s")
	if err != nil {
		return err
	}

	c.Delivery.MaxAttempts = getIntEnv("DELIVERY_MAX_ATTEMPTS", 5)
	c.Delivery.RetryDelay, err = parseDurationEnv("DELIVERY_RETRY_DELAY", "2s")
	if err != nil {
		return err
	}
	c.Delivery.WebhookTimeout, err = parseDurationEnv("DELIVERY_WEBHOOK_TIMEOUT", "10s")
	if err != nil {
		return err
	}
	c.Delivery.FilesystemRoot = getEnv("DELIVERY_FILESYSTEM_ROOT", "./output")

	c.HTTP.Port = getIntEnv("HTTP_PORT", 8080)
	c.HTTP.ReadTimeout, err = parseDurationEnv("HTTP_READ_TIMEOUT", "10s")
	if err != nil {
		return err
	}
	c.HTTP.WriteTimeout, err = parseDurationEnv("HTTP_WRITE_TIMEOUT", "10s")
	if err != nil {
		return err
	}
	c.HTTP.ShutdownTimeout, err = parseDurationEnv("HTTP_SHUTDOWN_TIMEOUT", "15s")
	if err != nil {
		return err
	}

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "json")

	c.MetricsEnabled = getBoolEnv("METRICS_ENABLED", true)
	c.MetricsPort = getIntEnv("METRICS_PORT", 9090)

	c.RateLimitEnabled = getBoolEnv("RATE_LIMIT_ENABLED", true)
	c.RateLimitRequests = getIntEnv("RATE_LIMIT_REQUESTS", 100)
	c.RateLimitWindow, err = parseDurationEnv("RATE_LIMIT_WINDOW", "1m")
	if err != nil {
		return err
	}

	return nil
}

// IsDevelopment returns true if running in the development environment.
func (c *Config) IsDevelopment() bool { return c.Env == Development }

// IsTesting returns true if running in the testing environment.
func (c *Config) IsTesting() bool { return c.Env == Testing }

// IsProduction returns true if running in the production environment.
func (c *Config) IsProduction() bool { return c.Env == Production }

// Validate checks invariants that loadFromEnv's per-field parsing cannot.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if !c.RateLimitEnabled {
			return fmt.Errorf("RATE_LIMIT_ENABLED must be true in production")
		}
	}

	switch c.Registry.ConflictPolicy {
	case "prefer_registry", "prefer_database", "prefer_newer", "merge":
	default:
		return fmt.Errorf("invalid REGISTRY_CONFLICT_POLICY: %s", c.Registry.ConflictPolicy)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP_PORT: %d", c.HTTP.Port)
	}
	if c.Execution.PoolSize < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE must be at least 1")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func parseDurationEnv(key, defaultValue string) (time.Duration, error) {
	raw := getEnv(key, defaultValue)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
