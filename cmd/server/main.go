package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"MailRun/internal/api"
	"MailRun/internal/assets"
	"MailRun/internal/config"
	"MailRun/internal/db"
	"MailRun/internal/dispatch"
	"MailRun/internal/email"
	"MailRun/internal/metrics"
	"MailRun/internal/queue"
	"MailRun/internal/recipients"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(ctx, cfg.DatabaseURL, cfg.DatabaseConnectRetries)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx, logger); err != nil {
		logger.Fatal("database migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	m := metrics.New(prometheus.DefaultRegisterer)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Assets + Mail Transport
	// ------------------------------------------------
	resolver := assets.NewResolver(cfg.AssetsDir)

	transport := &email.SMTPTransport{
		Host:           cfg.SMTPHost,
		Port:           cfg.SMTPPort,
		Username:       cfg.SMTPUser,
		Password:       cfg.SMTPPassword,
		SSL:            cfg.SMTPSSL,
		ConnectTimeout: cfg.SMTPConnectTimeout,
		Retries:        cfg.SMTPConnectRetries,
		SendTimeout:    cfg.SMTPSendTimeout,
		Log:            logger,
	}

	// ------------------------------------------------
	// Executor + Queue
	// ------------------------------------------------
	executor := dispatch.NewExecutor(store, resolver, transport, m, logger, cfg.CheckpointEvery)

	runQueue, err := queue.New(cfg, store.Pool, executor, logger)
	if err != nil {
		logger.Fatal("queue setup failed", zap.Error(err))
	}

	if rq, ok := runQueue.(*queue.River); ok {
		if err := rq.Migrate(ctx); err != nil {
			logger.Fatal("queue migration failed", zap.Error(err))
		}
	}

	// Shutdown goes through Stop so River can drain running jobs first.
	if err := runQueue.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Fatal("queue start failed", zap.Error(err))
	}
	logger.Info("dispatch queue started",
		zap.String("backend", cfg.QueueBackend),
		zap.Int("workers", cfg.WorkerCount),
	)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	service := dispatch.NewService(store, store, resolver, transport, runQueue, logger, dispatch.ServiceConfig{
		DefaultFrom:    cfg.SMTPFrom,
		TestRecipients: recipients.ParseList(cfg.TestRecipients),
	})

	apiServer := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           api.NewRouter(&api.Handler{Service: service, Log: logger}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting new runs
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	// Wait for in-flight dispatches to finalize
	if err := runQueue.Stop(shutdownCtx); err != nil {
		logger.Error("queue shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
