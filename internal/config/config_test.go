package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 10s", cfg.Server.WriteTimeout)
	}
	if cfg.Orchestrator.MaxRetries != 5 || cfg.Orchestrator.DefaultAutonomy != 1 {
		t.Errorf("Orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.MaxTurns != 20 {
		t.Errorf("Orchestrator.MaxTurns = %d, want default 20", cfg.Orchestrator.MaxTurns)
	}
	if plan := cfg.Orchestrator.Plans["quick_scan"]; len(plan) != 2 {
		t.Errorf("Plans[quick_scan] = %v", plan)
	}
	if cfg.Orchestrator.Cost.OutputPerMillion != 15 {
		t.Errorf("Cost = %+v", cfg.Orchestrator.Cost)
	}
	if cfg.Ledger.Store.Driver != "postgres" || cfg.Ledger.Store.DSNEnv != "LEDGER_DSN" {
		t.Errorf("Ledger.Store = %+v", cfg.Ledger.Store)
	}
	if !cfg.Ledger.Store.Migrate {
		t.Error("Ledger.Store.Migrate should keep its default")
	}
	if cfg.Ledger.AppendMaxAttempts != 20 || cfg.Ledger.VerifyInterval != time.Minute {
		t.Errorf("Ledger = %+v", cfg.Ledger)
	}
	if cfg.Dedup.Store.Driver != "redis" || cfg.Dedup.Store.TTL != time.Hour {
		t.Errorf("Dedup.Store = %+v", cfg.Dedup.Store)
	}
	if cfg.Graph.SeedFile != "/etc/sentinel/graph.yaml" {
		t.Errorf("Graph.SeedFile = %q", cfg.Graph.SeedFile)
	}
	if cfg.Tools.CircuitBreaker.FailureThreshold != 7 || cfg.Tools.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("Tools.CircuitBreaker = %+v", cfg.Tools.CircuitBreaker)
	}
	if cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing.Exporter = %q", cfg.Observability.Tracing.Exporter)
	}
}

func TestLoad_emptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Ledger.Store.Driver != "memory" {
		t.Errorf("Ledger.Store.Driver = %q, want memory", cfg.Ledger.Store.Driver)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_invalid_aggregatesErrors(t *testing.T) {
	_, err := Load("testdata/invalid_driver.yaml")
	if err == nil {
		t.Fatal("Load() with invalid driver should return error")
	}
	msg := err.Error()
	for _, want := range []string{"ledger.store.driver", "default_autonomy"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q should mention %s", msg, want)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8081 {
		t.Errorf("default Server.Port = %d, want 8081", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxRetries != 3 || cfg.Orchestrator.MaxErrors != 3 || cfg.Orchestrator.MaxTurns != 20 {
		t.Errorf("default Orchestrator = %+v", cfg.Orchestrator)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SENTINEL_SERVER_PORT", "3000")
	t.Setenv("SENTINEL_ORCHESTRATOR_MAX_RETRIES", "1")
	t.Setenv("SENTINEL_LEDGER_STORE_DRIVER", "memory")
	t.Setenv("SENTINEL_DEDUP_STORE_DRIVER", "memory")
	t.Setenv("SENTINEL_GRAPH_SEED_FILE", "/tmp/seed.yaml")
	t.Setenv("SENTINEL_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Orchestrator.MaxRetries != 1 {
		t.Errorf("MaxRetries = %d, want 1", cfg.Orchestrator.MaxRetries)
	}
	if cfg.Ledger.Store.Driver != "memory" || cfg.Dedup.Store.Driver != "memory" {
		t.Errorf("drivers = %s/%s, want memory", cfg.Ledger.Store.Driver, cfg.Dedup.Store.Driver)
	}
	if cfg.Graph.SeedFile != "/tmp/seed.yaml" {
		t.Errorf("SeedFile = %q", cfg.Graph.SeedFile)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative retries", func(c *Config) { c.Orchestrator.MaxRetries = -1 }, "max_retries"},
		{"zero turns", func(c *Config) { c.Orchestrator.MaxTurns = 0 }, "max_turns"},
		{"empty plan", func(c *Config) { c.Orchestrator.Plans = map[string][]string{"x": nil} }, "plans.x"},
		{"postgres without dsn", func(c *Config) {
			c.Ledger.Store.Driver = "postgres"
			c.Ledger.Store.DSNEnv = ""
		}, "dsn_env"},
		{"zero append attempts", func(c *Config) { c.Ledger.AppendMaxAttempts = 0 }, "append_max_attempts"},
		{"redis without addr", func(c *Config) {
			c.Dedup.Store.Driver = "redis"
			c.Dedup.Store.AddrEnv = ""
		}, "addr_env"},
		{"bad exporter", func(c *Config) {
			c.Observability.Tracing.Enabled = true
			c.Observability.Tracing.Exporter = "zipkin"
		}, "exporter"},
		{"sampling above one", func(c *Config) { c.Observability.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should return error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %s", err, tt.want)
			}
		})
	}
}

func TestValidate_dedupDisabledSkipsDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Dedup.Enabled = false
	cfg.Dedup.Store.Driver = "bogus"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}
