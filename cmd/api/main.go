package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/vet-followup/cmd/mainconfig"
	"github.com/wolfman30/vet-followup/internal/api/router"
	"github.com/wolfman30/vet-followup/internal/calls"
	"github.com/wolfman30/vet-followup/internal/clinic"
	appconfig "github.com/wolfman30/vet-followup/internal/config"
	"github.com/wolfman30/vet-followup/internal/dispatch"
	"github.com/wolfman30/vet-followup/internal/followup"
	"github.com/wolfman30/vet-followup/internal/generation"
	"github.com/wolfman30/vet-followup/internal/identity"
	"github.com/wolfman30/vet-followup/internal/observability/metrics"
	"github.com/wolfman30/vet-followup/internal/readiness"
	"github.com/wolfman30/vet-followup/internal/retry"
	"github.com/wolfman30/vet-followup/internal/store"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

func main() {
	// Local development reads .env; production uses the real environment.
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting vet-followup API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisOpt, err := dispatch.RedisConnOpt(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisTLS)
	if err != nil {
		logger.Error("invalid redis config", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOptions(redisOpt))
	defer func() { _ = redisClient.Close() }()

	generator, closeGenerator, err := setupGenerator(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize generation client", "error", err)
		os.Exit(1)
	}
	defer closeGenerator()

	scheduler := dispatch.NewAsynqScheduler(redisOpt, cfg.DispatchQueue, logger)
	defer func() { _ = scheduler.Close() }()

	// Initialize repositories and services
	registry, metricsHandler := setupMetrics()
	followupMetrics := metrics.NewFollowupMetrics(registry)
	tracker := calls.NewTracker(calls.NewPostgresStore(pool), followupMetrics, logger)
	prefs := clinic.NewPreferenceStore(redisClient, clinic.DefaultsFromConfig(cfg))

	svc := followup.NewService(followup.Config{
		Cases:       followup.NewPostgresCaseReader(pool),
		Owners:      followup.NewPostgresOwnerDirectory(pool),
		Preferences: prefs,
		Identity:    identity.NewResolver(identity.NewPostgresRepository(pool), followupMetrics, logger),
		Tracker:     tracker,
		Generator:   generator,
		Dispatch:    scheduler,
		Retry:       retry.NewExecutor(cfg.RetryMaxAttempts, logger),
		TestMode:    testMode(cfg),
		Metrics:     followupMetrics,
		Logger:      logger,
	})

	// Setup router
	r := router.New(&router.Config{
		Logger: logger,
		Handlers: []router.RouteRegistrar{
			followup.NewHandler(svc, logger),
			clinic.NewHandler(prefs, logger),
		},
		MetricsHandler: metricsHandler,
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	logger.Info("server stopped")
}

func setupMetrics() (*prometheus.Registry, http.Handler) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// setupGenerator builds the configured LLM client behind the rate limiter. The returned func
// releases provider resources.
func setupGenerator(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (generation.Client, func(), error) {
	noop := func() {}
	switch cfg.LLMProvider {
	case "gemini":
		client, err := generation.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("generation: using gemini", "model", cfg.GeminiModelID)
		closeFn := func() {
			if err := client.Close(); err != nil {
				logger.Warn("generation: close gemini client", "error", err)
			}
		}
		return generation.NewRateLimited(client, cfg.LLMRatePerSecond, cfg.LLMBurst), closeFn, nil
	case "bedrock", "":
		if cfg.BedrockModelID == "" {
			return nil, noop, errors.New("BEDROCK_MODEL_ID is required for the bedrock provider")
		}
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, noop, fmt.Errorf("load AWS config: %w", err)
		}
		client := generation.NewBedrockClient(mainconfig.BedrockClient(awsCfg, cfg), cfg.BedrockModelID)
		logger.Info("generation: using bedrock", "model", cfg.BedrockModelID)
		return generation.NewRateLimited(client, cfg.LLMRatePerSecond, cfg.LLMBurst), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

func testMode(cfg *appconfig.Config) readiness.TestMode {
	return readiness.TestMode{
		Enabled: cfg.FollowupTestMode,
		Phone:   cfg.FollowupTestPhone,
		Email:   cfg.FollowupTestEmail,
	}
}

// redisOptions reuses the connection settings asynq was given so both clients hit the same
// instance.
func redisOptions(opt asynq.RedisClientOpt) *redis.Options {
	return &redis.Options{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}
}
