// Package main implements the entry point for the EntityStream engine.
// EntityStream consumes telemetry events from NATS, synthesizes entities and
// relationships from declarative rules, and maintains them in a TTL-bound
// store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/c360/entitystream/config"
	"github.com/c360/entitystream/health"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/natsclient"
	"github.com/c360/entitystream/pipeline"
	"github.com/c360/entitystream/relationship"
	"github.com/c360/entitystream/rulestore"
	"github.com/c360/entitystream/store"
	"github.com/c360/entitystream/synthesis"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "entitystream"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	// Run application with proper error handling
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	// Load .env for local development; absence is not an error.
	_ = godotenv.Load()

	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		fmt.Println("Configuration is valid")
		return nil
	}

	logger := setupLogger(
		firstNonEmpty(cliCfg.LogLevel, cfg.Service.LogLevel),
		firstNonEmpty(cliCfg.LogFormat, cfg.Service.LogFormat),
	)
	slog.SetDefault(logger)

	slog.Info("Starting EntityStream (entity synthesis and relationships)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"store_backend", cfg.Store.Backend)

	return runEngine(cfg, logger, cliCfg.ShutdownTimeout)
}

func runEngine(cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) error {
	ctx := context.Background()
	registry := metric.NewRegistry()

	natsClient, err := connectNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = natsClient.Close(closeCtx)
	}()

	rules, err := setupRules(cfg, logger, registry)
	if err != nil {
		return err
	}

	entityStore, err := setupStore(ctx, cfg, natsClient, logger)
	if err != nil {
		return err
	}

	processor, sweeper := assemblePipeline(cfg, rules, entityStore, natsClient, logger, registry)

	return runWithSignalHandling(ctx, cfg, natsClient, rules, entityStore, processor, sweeper, registry, logger, shutdownTimeout)
}

// connectNATS creates the client and establishes the connection
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Service.Name),
	}
	if cfg.NATS.Username != "" && cfg.NATS.Password != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	natsClient, err := natsclient.NewClient(cfg.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := natsClient.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return natsClient, nil
}

// setupRules creates the rule store and performs the initial file load
func setupRules(cfg *config.Config, logger *slog.Logger, registry *metric.Registry) (*rulestore.Store, error) {
	rules := rulestore.NewStore(logger, registry)

	if cfg.Rules.Path != "" {
		if err := rules.LoadFile(cfg.Rules.Path); err != nil {
			return nil, fmt.Errorf("load rules from %s: %w", cfg.Rules.Path, err)
		}
	}

	return rules, nil
}

// setupStore selects the persistence backend from config
func setupStore(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	logger *slog.Logger,
) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory store, entities will not survive restarts")
		return store.NewMemory(), nil

	case config.BackendKV:
		kv, err := store.NewKV(ctx, natsClient, logger)
		if err != nil {
			return nil, fmt.Errorf("create kv store: %w", err)
		}
		return kv, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs, err := store.NewRedis(client, logger)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return rs, nil

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}
}

// assemblePipeline wires the engines, processor, and TTL sweeper
func assemblePipeline(
	cfg *config.Config,
	rules *rulestore.Store,
	entityStore store.Store,
	natsClient *natsclient.Client,
	logger *slog.Logger,
	registry *metric.Registry,
) (*pipeline.Processor, *store.Sweeper) {
	synth := synthesis.NewEngine(rules, logger, registry)

	relOpts := []relationship.Option{relationship.WithMetrics(registry)}
	if cfg.Pipeline.LookupRateLimit > 0 {
		relOpts = append(relOpts,
			relationship.WithLookupLimit(cfg.Pipeline.LookupRateLimit, cfg.Pipeline.LookupBurst))
	}
	relations := relationship.NewEngine(rules, entityStore, logger, relOpts...)

	processor := pipeline.NewProcessor(pipeline.Config{
		TelemetrySubject:    cfg.NATS.TelemetrySubject,
		QueueGroup:          cfg.NATS.QueueGroup,
		EntitySubject:       cfg.NATS.EntitySubject,
		RelationshipSubject: cfg.NATS.RelationshipSubject,
		Workers:             cfg.Pipeline.Workers,
		QueueSize:           cfg.Pipeline.QueueSize,
	}, synth, relations, entityStore, natsClient, logger, registry)

	sweeper := store.NewSweeper(entityStore, cfg.Store.SweepInterval, logger, registry)

	return processor, sweeper
}

// watchRules follows the rules KV key for hot reloads until ctx is cancelled
func watchRules(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	rules *rulestore.Store,
	logger *slog.Logger,
) {
	bucket, err := natsClient.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Rules.Bucket,
		Description: "EntityStream synthesis and relationship rules",
	})
	if err != nil {
		logger.Error("rules bucket unavailable, hot reload disabled",
			"bucket", cfg.Rules.Bucket, "error", err)
		return
	}

	kv := natsClient.NewKVStore(bucket)
	if err := rules.Watch(ctx, kv, cfg.Rules.Key); err != nil {
		logger.Error("rules watch stopped", "bucket", cfg.Rules.Bucket, "error", err)
	}
}

// setupHealth registers dependency probes for the health endpoint
func setupHealth(cfg *config.Config, natsClient *natsclient.Client, entityStore store.Store, rules *rulestore.Store) *health.Monitor {
	monitor := health.NewMonitor(cfg.Service.Name)
	monitor.RegisterBool("nats", natsClient.IsHealthy)

	if rs, ok := entityStore.(*store.Redis); ok {
		monitor.RegisterPing("store", rs.Ping)
	}

	monitor.Register("rules", func(context.Context) health.Status {
		synCount, relCount := rules.Current().Counts()
		if synCount+relCount == 0 {
			return health.NewDegraded("rules", "no rules loaded")
		}
		return health.NewHealthy("rules", "rule set active")
	})

	return monitor
}

// serveMetrics exposes the Prometheus and health endpoints
func serveMetrics(addr string, registry *metric.Registry, monitor *health.Monitor, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.Handle("/healthz", health.Handler(monitor))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return server
}

// runWithSignalHandling starts everything and blocks until shutdown
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	rules *rulestore.Store,
	entityStore store.Store,
	processor *pipeline.Processor,
	sweeper *store.Sweeper,
	registry *metric.Registry,
	logger *slog.Logger,
	shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	sweeperStarted := cfg.Store.SweepInterval > 0
	if sweeperStarted {
		if err := sweeper.Start(signalCtx); err != nil {
			return fmt.Errorf("start sweeper: %w", err)
		}
	}

	if err := processor.Start(signalCtx, natsClient); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if cfg.Rules.Bucket != "" {
		go watchRules(signalCtx, cfg, natsClient, rules, logger)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		monitor := setupHealth(cfg, natsClient, entityStore, rules)
		metricsServer = serveMetrics(cfg.Metrics.Addr, registry, monitor, logger)
	}

	slog.Info("EntityStream started",
		"telemetry_subject", cfg.NATS.TelemetrySubject,
		"queue_group", cfg.NATS.QueueGroup,
		"workers", cfg.Pipeline.Workers)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	return shutdown(processor, sweeper, sweeperStarted, metricsServer, shutdownTimeout)
}

// shutdown stops components in reverse dependency order
func shutdown(
	processor *pipeline.Processor,
	sweeper *store.Sweeper,
	sweeperStarted bool,
	metricsServer *http.Server,
	timeout time.Duration,
) error {
	var firstErr error

	if err := processor.Stop(timeout); err != nil {
		slog.Error("Error stopping pipeline", "error", err)
		firstErr = err
	}

	if sweeperStarted {
		if err := sweeper.Stop(); err != nil && firstErr == nil {
			slog.Error("Error stopping sweeper", "error", err)
			firstErr = err
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return fmt.Errorf("graceful shutdown failed: %w", firstErr)
	}

	slog.Info("EntityStream shutdown complete")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
