package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/database"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/monitoring"
	"github.com/perimetra/perimetra/internal/server"
	"github.com/perimetra/perimetra/internal/webhook"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting Perimetra API server")

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Prometheus metrics
	monitoring.Init()
	go db.ReportPoolMetrics(context.Background(), time.Minute)
	log.Info().Msg("Prometheus metrics initialized")

	// Start metrics server if enabled
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	// Redis is optional; without it the scheduler assumes it is the only
	// replica
	redisClient := newRedisClient(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Wire the webhook delivery service
	repo := webhook.NewPostgresRepository(db.Pool)
	webhookService := webhook.NewService(repo, nil, &cfg.Webhook)

	// Start the retry/cleanup scheduler when this process hosts it
	var scheduler *webhook.Scheduler
	if cfg.Webhook.SchedulerEnabled {
		scheduler = webhook.NewScheduler(webhookService, redisClient, &cfg.Webhook)
		if err := scheduler.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("Failed to start webhook scheduler")
		}
		defer scheduler.Stop()
	}

	// Create and start server
	srv := server.NewAPIServer(cfg, db, webhookService, scheduler)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Int("port", cfg.Server.Port).
			Msg("API server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited gracefully")
}

func newRedisClient(url string) *redis.Client {
	if url == "" {
		return nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid REDIS_URL, running without scheduler lock")
		return nil
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, running without scheduler lock")
		client.Close()
		return nil
	}

	log.Info().Msg("Redis connection established")
	return client
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
