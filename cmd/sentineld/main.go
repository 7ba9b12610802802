// Package main is the entry point for the sentinel compliance agent.
// It wires the ledger, knowledge graph, tools and orchestrator together,
// then either serves the operations endpoints or runs a batch of workflows.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/sentinel/internal/config"
	"github.com/pitabwire/sentinel/internal/graph"
	"github.com/pitabwire/sentinel/internal/ledger"
	"github.com/pitabwire/sentinel/internal/observability"
	"github.com/pitabwire/sentinel/internal/orchestrator"
	"github.com/pitabwire/sentinel/internal/safety"
	"github.com/pitabwire/sentinel/internal/state"
	"github.com/pitabwire/sentinel/internal/tools"
	"github.com/pitabwire/sentinel/internal/transport"
	"github.com/pitabwire/sentinel/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (defaults when empty)")
	batchPath := flag.String("batch", "", "run the workflows in this JSON file and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "sentineld", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(promReg)

	ledgerStore, ledgerCloser, err := buildLedgerStore(ctx, cfg.Ledger, logger)
	if err != nil {
		logger.Error("ledger store initialization failed", zap.Error(err))
		return 1
	}
	defer ledgerCloser()

	dedup, dedupCloser, err := buildDedupCache(ctx, cfg.Dedup, logger)
	if err != nil {
		logger.Error("dedup cache initialization failed", zap.Error(err))
		return 1
	}
	defer dedupCloser()

	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger),
		ledger.WithMetrics(metrics),
		ledger.WithRetry(cfg.Ledger.AppendMaxAttempts, cfg.Ledger.BackoffInitial, cfg.Ledger.BackoffMax),
	}
	if dedup != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithDedupCache(dedup, cfg.Dedup.Store.TTL))
	}
	safetyLedger := ledger.New(ledgerStore, ledgerOpts...)

	graphStore, err := buildGraph(ctx, cfg.Graph, logger)
	if err != nil {
		logger.Error("knowledge graph initialization failed", zap.Error(err))
		return 1
	}

	screener, err := safety.NewScreener(cfg.Safety)
	if err != nil {
		logger.Error("safety screener initialization failed", zap.Error(err))
		return 1
	}

	toolReg := tools.NewRegistry(cfg.Tools.CircuitBreaker, logger, metrics)
	toolReg.Register(tools.GraphRetriever(graphStore))
	toolReg.Register(tools.LogNotifier(logger))

	orch := orchestrator.New(
		orchestrator.BuiltinGraph(orchestrator.Deps{
			Screener: screener,
			Reasoner: graph.NewReasoner(graphStore),
			Tools:    toolReg,
			Cost: state.CostModel{
				InputPerMillion:  cfg.Orchestrator.Cost.InputPerMillion,
				OutputPerMillion: cfg.Orchestrator.Cost.OutputPerMillion,
			},
			Metrics: metrics,
		}),
		safetyLedger,
		orchestrator.WithPolicy(orchestrator.Policy{
			MaxErrors: cfg.Orchestrator.MaxErrors,
			MaxTurns:  cfg.Orchestrator.MaxTurns,
		}),
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(metrics),
	)
	plans := state.NewPlanRegistry(cfg.Orchestrator.Plans)

	if *batchPath != "" {
		code := runBatch(ctx, *batchPath, orch, plans, cfg.Orchestrator, os.Stdout, logger)
		if err := tracingShutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return code
	}

	auditor := ledger.NewAuditor(ledgerStore, cfg.Ledger.VerifyInterval, logger, metrics)
	if _, err := auditor.VerifyOnce(ctx); err != nil {
		logger.Error("initial ledger verification failed", zap.Error(err))
	}

	readiness := observability.ReadinessChecks{
		LedgerStore: ledgerStore,
		GraphStore: observability.HealthCheckFunc(func(ctx context.Context) error {
			_, err := graphStore.Query(ctx, model.GraphQuery{Kind: model.QueryNode, Limit: 1})
			return err
		}),
		ChainIntact: auditor.Intact,
	}
	if dedup != nil {
		readiness.DedupCache = dedup
	}

	router := transport.NewRouter(transport.Dependencies{
		Logger:      logger,
		Metrics:     metrics,
		Gatherer:    promReg,
		MetricsPath: cfg.Observability.Metrics.Path,
		Readiness:   readiness,
		Integrity:   auditor,
		Tools:       toolReg,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go auditor.Run(bgCtx)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("ledger_driver", cfg.Ledger.Store.Driver),
		zap.Strings("tools", toolReg.Names()),
		zap.Strings("safety_filters", screener.Filters()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildLedgerStore creates the ledger store based on config. The returned
// closer is always safe to call.
func buildLedgerStore(ctx context.Context, cfg config.LedgerConfig, logger *zap.Logger) (ledger.Store, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn("using in-memory safety ledger; decisions are lost on restart")
		return ledger.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("ledger store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MinIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("ledger store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ledger store: ping: %w", err)
		}
		if cfg.Store.Migrate {
			if err := ledger.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("ledger store: %w", err)
			}
		}
		logger.Info("using postgres safety ledger")
		return ledger.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger store driver: %q", cfg.Store.Driver)
	}
}

// dedupCache is a ledger.DedupCache that can report its health.
type dedupCache interface {
	ledger.DedupCache
	observability.HealthChecker
}

// buildDedupCache creates the request-hash cache. It returns nil when
// deduplication is disabled.
func buildDedupCache(ctx context.Context, cfg config.DedupConfig, logger *zap.Logger) (dedupCache, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory dedup cache")
		return ledger.NewMemoryDedupCache(), func() {}, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("dedup cache: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("dedup cache: ping: %w", err)
		}
		logger.Info("using redis dedup cache", zap.String("addr", addr))
		return ledger.NewRedisDedupCache(client), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported dedup cache driver: %q", cfg.Store.Driver)
	}
}

// buildGraph creates the knowledge graph and applies the configured seed.
func buildGraph(ctx context.Context, cfg config.GraphConfig, logger *zap.Logger) (*graph.MemoryStore, error) {
	store := graph.NewMemoryStore()
	if cfg.SeedFile == "" {
		logger.Warn("no knowledge graph seed configured; compliance checks will find no obligations")
		return store, nil
	}

	seed, err := graph.LoadSeed(cfg.SeedFile)
	if err != nil {
		return nil, err
	}
	nodes, rels, err := graph.ApplySeed(ctx, store, seed)
	if err != nil {
		return nil, err
	}
	logger.Info("knowledge graph seeded",
		zap.String("source", seed.SourceFile),
		zap.String("checksum", seed.Checksum),
		zap.Int("nodes", nodes),
		zap.Int("relationships", rels),
	)
	return store, nil
}
