// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Dedup         DedupConfig         `yaml:"dedup"`
	Graph         GraphConfig         `yaml:"graph"`
	Tools         ToolsConfig         `yaml:"tools"`
	Safety        SafetyConfig        `yaml:"safety"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the operations HTTP server (health, readiness,
// metrics).
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OrchestratorConfig describes workflow budgets and step plans.
type OrchestratorConfig struct {
	MaxRetries      int                 `yaml:"max_retries"`
	MaxErrors       int                 `yaml:"max_errors"`
	MaxTurns        int                 `yaml:"max_turns"`
	DefaultAutonomy int                 `yaml:"default_autonomy"`
	BatchWorkers    int                 `yaml:"batch_workers"`
	Plans           map[string][]string `yaml:"plans"`
	Cost            CostConfig          `yaml:"cost"`
}

// CostConfig prices tokens in currency units per million tokens.
type CostConfig struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// LedgerConfig describes the safety ledger.
type LedgerConfig struct {
	Store             LedgerStoreConfig `yaml:"store"`
	AppendMaxAttempts int               `yaml:"append_max_attempts"`
	BackoffInitial    time.Duration     `yaml:"backoff_initial"`
	BackoffMax        time.Duration     `yaml:"backoff_max"`
	VerifyInterval    time.Duration     `yaml:"verify_interval"`
}

// LedgerStoreConfig describes ledger persistence settings.
type LedgerStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// DedupConfig describes the request-hash deduplication cache.
type DedupConfig struct {
	Enabled bool             `yaml:"enabled"`
	Store   DedupStoreConfig `yaml:"store"`
}

// DedupStoreConfig describes dedup cache persistence settings.
type DedupStoreConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// GraphConfig describes the knowledge graph.
type GraphConfig struct {
	SeedFile string `yaml:"seed_file"`
}

// ToolsConfig describes external tool settings.
type ToolsConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings per tool.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// SafetyConfig describes content screening.
type SafetyConfig struct {
	Filters        []string `yaml:"filters"`
	BlockedTerms   []string `yaml:"blocked_terms"`
	RedactionToken string   `yaml:"redaction_token"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8081,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:      3,
			MaxErrors:       3,
			MaxTurns:        20,
			DefaultAutonomy: 2,
			BatchWorkers:    8,
		},
		Ledger: LedgerConfig{
			Store: LedgerStoreConfig{
				Driver:          "memory",
				DSNEnv:          "SENTINEL_LEDGER_DSN",
				MaxOpenConns:    25,
				MinIdleConns:    2,
				ConnMaxLifetime: 5 * time.Minute,
				Migrate:         true,
			},
			AppendMaxAttempts: 10,
			BackoffInitial:    5 * time.Millisecond,
			BackoffMax:        250 * time.Millisecond,
			VerifyInterval:    10 * time.Minute,
		},
		Dedup: DedupConfig{
			Enabled: true,
			Store: DedupStoreConfig{
				Driver:  "memory",
				AddrEnv: "SENTINEL_REDIS_ADDR",
				TTL:     24 * time.Hour,
			},
		},
		Tools: ToolsConfig{
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:   5,
				SuccessThreshold:   2,
				Timeout:            30 * time.Second,
				ErrorRateThreshold: 0.5,
				ErrorRateWindow:    60 * time.Second,
			},
		},
		Safety: SafetyConfig{
			Filters:        []string{"pii", "prompt_injection", "self_harm", "credentials"},
			RedactionToken: "[REDACTED]",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	o := c.Orchestrator
	if o.MaxRetries < 0 {
		errs = append(errs, "orchestrator.max_retries must be >= 0")
	}
	if o.MaxErrors < 1 {
		errs = append(errs, "orchestrator.max_errors must be >= 1")
	}
	if o.MaxTurns < 1 {
		errs = append(errs, "orchestrator.max_turns must be >= 1")
	}
	if o.DefaultAutonomy < 1 || o.DefaultAutonomy > 3 {
		errs = append(errs, "orchestrator.default_autonomy must be between 1 and 3")
	}
	if o.BatchWorkers < 1 {
		errs = append(errs, "orchestrator.batch_workers must be >= 1")
	}
	for name, plan := range o.Plans {
		if len(plan) == 0 {
			errs = append(errs, fmt.Sprintf("orchestrator.plans.%s must not be empty", name))
		}
	}
	if o.Cost.InputPerMillion < 0 || o.Cost.OutputPerMillion < 0 {
		errs = append(errs, "orchestrator.cost prices must be >= 0")
	}

	switch c.Ledger.Store.Driver {
	case "memory":
	case "postgres":
		if c.Ledger.Store.DSNEnv == "" {
			errs = append(errs, "ledger.store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger.store.driver %q must be memory or postgres", c.Ledger.Store.Driver))
	}
	if c.Ledger.AppendMaxAttempts < 1 {
		errs = append(errs, "ledger.append_max_attempts must be >= 1")
	}

	if c.Dedup.Enabled {
		switch c.Dedup.Store.Driver {
		case "memory":
		case "redis":
			if c.Dedup.Store.AddrEnv == "" {
				errs = append(errs, "dedup.store.addr_env is required for the redis driver")
			}
		default:
			errs = append(errs, fmt.Sprintf("dedup.store.driver %q must be memory or redis", c.Dedup.Store.Driver))
		}
	}

	if c.Observability.Tracing.Enabled {
		switch c.Observability.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			errs = append(errs, fmt.Sprintf("observability.tracing.exporter %q is not supported", c.Observability.Tracing.Exporter))
		}
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		errs = append(errs, "observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads SENTINEL_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("SENTINEL_ORCHESTRATOR_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxRetries = n
		}
	}
	if v := os.Getenv("SENTINEL_LEDGER_STORE_DRIVER"); v != "" {
		cfg.Ledger.Store.Driver = v
	}
	if v := os.Getenv("SENTINEL_DEDUP_STORE_DRIVER"); v != "" {
		cfg.Dedup.Store.Driver = v
	}
	if v := os.Getenv("SENTINEL_GRAPH_SEED_FILE"); v != "" {
		cfg.Graph.SeedFile = v
	}
	if v := os.Getenv("SENTINEL_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
