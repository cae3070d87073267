package config

import (
	"testing"
)

func TestLoad_RequiresDatabaseDSN(t *testing.T) {
	t.Setenv("TASKENGINE_ENV", "testing")
	t.Setenv("DATABASE_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail without DATABASE_DSN")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("TASKENGINE_ENV", "testing")
	t.Setenv("DATABASE_DSN", "postgres://localhost/taskengine?sslmode=disable")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !cfg.IsTesting() {
		t.Errorf("expected testing environment, got %s", cfg.Env)
	}
	if cfg.Execution.PoolSize != 4 {
		t.Errorf("expected default pool size 4, got %d", cfg.Execution.PoolSize)
	}
	if cfg.Queue.DequeueBatchSize != 10 {
		t.Errorf("expected default dequeue batch size 10, got %d", cfg.Queue.DequeueBatchSize)
	}
	if cfg.Registry.ConflictPolicy != "prefer_registry" {
		t.Errorf("expected default conflict policy prefer_registry, got %s", cfg.Registry.ConflictPolicy)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("expected default log format json, got %s", cfg.LogFormat)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKENGINE_ENV", "production")
	t.Setenv("DATABASE_DSN", "postgres://localhost/taskengine?sslmode=disable")
	t.Setenv("WORKER_POOL_SIZE", "16")
	t.Setenv("REGISTRY_CONFLICT_POLICY", "prefer_newer")
	t.Setenv("QUEUE_DEFAULT_MAX_RETRIES", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Execution.PoolSize != 16 {
		t.Errorf("expected pool size override 16, got %d", cfg.Execution.PoolSize)
	}
	if cfg.Registry.ConflictPolicy != "prefer_newer" {
		t.Errorf("expected conflict policy override, got %s", cfg.Registry.ConflictPolicy)
	}
	if cfg.Queue.DefaultMaxRetries != 7 {
		t.Errorf("expected max retries override 7, got %d", cfg.Queue.DefaultMaxRetries)
	}
}

func TestValidate_RejectsUnknownConflictPolicy(t *testing.T) {
	cfg := &Config{
		Env:      Production,
		HTTP:     HTTPConfig{Port: 8080},
		Registry: RegistryConfig{ConflictPolicy: "bogus"},
		Execution: WorkerConfig{PoolSize: 1},
		RateLimitEnabled: true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject an unknown conflict policy")
	}
}

func TestValidate_ProductionRequiresRateLimit(t *testing.T) {
	cfg := &Config{
		Env:      Production,
		HTTP:     HTTPConfig{Port: 8080},
		Registry: RegistryConfig{ConflictPolicy: "prefer_registry"},
		Execution: WorkerConfig{PoolSize: 1},
		RateLimitEnabled: false,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require rate limiting in production")
	}
}

func TestValidate_OK(t *testing.T) {
	cfg := &Config{
		Env:      Production,
		HTTP:     HTTPConfig{Port: 8080},
		Registry: RegistryConfig{ConflictPolicy: "prefer_registry"},
		Execution: WorkerConfig{PoolSize: 4},
		RateLimitEnabled: true,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}
