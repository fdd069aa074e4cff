package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vnmchuo/model-orchestrator/config"
	"github.com/vnmchuo/model-orchestrator/internal/cache"
	"github.com/vnmchuo/model-orchestrator/internal/logging"
	"github.com/vnmchuo/model-orchestrator/internal/metrics"
	"github.com/vnmchuo/model-orchestrator/internal/orchestrator"
	"github.com/vnmchuo/model-orchestrator/internal/proxy"
	"github.com/vnmchuo/model-orchestrator/internal/routing"
	"github.com/vnmchuo/model-orchestrator/internal/telemetry"
	"github.com/vnmchuo/model-orchestrator/internal/usage"
	"github.com/vnmchuo/model-orchestrator/pkg/ratelimit"
)

var serveFlags struct {
	port     string
	logLevel string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the HTTP server.

Providers without an API key stay unconfigured. POSTGRES_DSN enables the usage
ledger and REDIS_ADDR enables per-client rate limiting.`,
	RunE: runServe,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serveFlags.port, "port", "p", "", "override PORT")
	cmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.port != "" {
		cfg.Port = serveFlags.port
	}
	if serveFlags.logLevel != "" {
		cfg.LogLevel = serveFlags.logLevel
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracer, shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		ServiceName:    "model-orchestrator",
		ServiceVersion: Version,
		ExporterType:   cfg.OTELExporterType,
		Endpoint:       cfg.OTELExporterEndpoint,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := buildRegistry(cfg, logger)

	router, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, err := orchestrator.New(orchestrator.Config{
		DefaultProvider:     cfg.DefaultProvider,
		EnableFallback:      cfg.EnableFallback,
		EnableLoadBalancing: cfg.EnableLoadBalancing,
		EnableCaching:       cfg.EnableCaching,
		MaxRetries:          cfg.MaxRetries,
		Timeout:             cfg.ProviderTimeout,
		BreakerThreshold:    cfg.BreakerThreshold,
		BreakerCooldown:     cfg.BreakerCooldown,
	}, registry,
		orchestrator.WithLogger(logger),
		orchestrator.WithRouter(router),
		orchestrator.WithCache(cache.NewLRU(cfg.CacheMaxEntries, cfg.CacheTTL)),
		orchestrator.WithMetrics(metrics.NewCollector(reg)),
		orchestrator.WithTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("failed to init orchestrator: %w", err)
	}
	defer orch.Close()

	deps := proxy.Deps{
		Orchestrator:       orch,
		Tracer:             tracer,
		Logger:             logger,
		Gatherer:           reg,
		Version:            Version,
		DefaultTemperature: cfg.DefaultTemperature,
		DefaultMaxTokens:   cfg.DefaultMaxTokens,
	}

	// Usage ledger
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("failed to ping postgres: %w", err)
		}

		store := usage.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		recorder := usage.NewRecorder(store, 1024, logger)
		flushed := make(chan struct{})
		go func() {
			recorder.Process(context.Background())
			close(flushed)
		}()
		defer func() {
			recorder.Close()
			<-flushed
		}()

		deps.Usage = store
		deps.Recorder = recorder
		logger.Info("usage ledger enabled")
	}

	// Rate limiting
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		deps.Limiter = ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
		logger.Info("rate limiting enabled", zap.Int64("tokens_per_minute", cfg.DefaultRateLimitTPM))
	}

	handler := proxy.NewHandler(deps)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("orchestrator starting",
			zap.String("port", cfg.Port),
			zap.String("default_provider", string(cfg.DefaultProvider)),
			zap.Strings("providers", identities(registry.IDs())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func buildRouter(cfg *config.Config) (*routing.Router, error) {
	table := routing.DefaultTable()
	if cfg.RoutingTableFile != "" {
		t, err := routing.LoadTable(cfg.RoutingTableFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load routing table: %w", err)
		}
		table = t
	}
	return routing.New(cfg.DefaultProvider, table), nil
}
