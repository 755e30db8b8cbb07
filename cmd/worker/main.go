package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wolfman30/vet-followup/cmd/mainconfig"
	"github.com/wolfman30/vet-followup/internal/calls"
	appconfig "github.com/wolfman30/vet-followup/internal/config"
	"github.com/wolfman30/vet-followup/internal/dispatch"
	"github.com/wolfman30/vet-followup/internal/followup"
	"github.com/wolfman30/vet-followup/internal/observability/metrics"
	"github.com/wolfman30/vet-followup/internal/retry"
	"github.com/wolfman30/vet-followup/internal/store"
	"github.com/wolfman30/vet-followup/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting vet-followup dispatch worker", "env", cfg.Env, "queue", cfg.DispatchQueue)

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

	followupMetrics := metrics.NewFollowupMetrics(nil)
	exec := retry.NewExecutor(cfg.RetryMaxAttempts, logger)

	// The worker only reports outcomes, so the service needs nothing beyond the tracker.
	sink := followup.NewService(followup.Config{
		Tracker: calls.NewTracker(calls.NewPostgresStore(pool), followupMetrics, logger),
		Retry:   exec,
		Metrics: followupMetrics,
		Logger:  logger,
	})

	worker := dispatch.NewWorker(dispatch.WorkerConfig{
		Queue:       cfg.DispatchQueue,
		Concurrency: cfg.WorkerConcurrency,
		FromNumber:  cfg.TelnyxFromNumber,
		AssistantID: cfg.TelnyxAssistantID,
	}, setupVoice(cfg, logger), setupEmail(ctx, cfg, logger), sink, exec, logger)

	go serveMetrics(ctx, ":"+cfg.Port, logger)

	if err := worker.Run(ctx, redisOpt); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

// serveMetrics exposes the default registry for scraping until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", "error", err)
	}
}

// setupVoice returns nil when Telnyx is not configured; call tasks then fail fast.
func setupVoice(cfg *appconfig.Config, logger *logging.Logger) dispatch.CallPlacer {
	client, err := dispatch.NewTelnyxVoiceClient(dispatch.TelnyxConfig{
		APIKey:     cfg.TelnyxAPIKey,
		TexmlAppID: cfg.TelnyxTexmlAppID,
		BaseURL:    cfg.TelnyxBaseURL,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn("voice channel disabled", "error", err)
		return nil
	}
	return client
}

func setupEmail(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) dispatch.EmailSender {
	var ses *sesv2.Client
	if cfg.EmailProvider == "ses" {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Warn("failed to load AWS config for SES", "error", err)
		} else {
			ses = mainconfig.SESClient(awsCfg, cfg)
		}
	}
	return dispatch.NewEmailSender(dispatch.EmailConfig{
		Provider:       cfg.EmailProvider,
		FromEmail:      cfg.EmailFrom,
		FromName:       cfg.EmailFromName,
		SendGridAPIKey: cfg.SendGridAPIKey,
		SMTPHost:       cfg.SMTPHost,
		SMTPPort:       cfg.SMTPPort,
		SMTPUsername:   cfg.SMTPUsername,
		SMTPPassword:   cfg.SMTPPassword,
	}, ses, logger)
}
