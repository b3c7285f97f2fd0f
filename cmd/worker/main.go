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
	"github.com/perimetra/perimetra/internal/webhook"
)

// The worker hosts only the webhook retry/cleanup scheduler. Deployments
// that want delivery processing out of the API path run this binary and set
// WEBHOOK_SCHEDULER_ENABLED=false on the API instances.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Msg("Starting Perimetra webhook worker")

	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	monitoring.Init()
	go db.ReportPoolMetrics(context.Background(), time.Minute)

	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	redisClient := newRedisClient(cfg.Redis.URL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	repo := webhook.NewPostgresRepository(db.Pool)
	service := webhook.NewService(repo, nil, &cfg.Webhook)

	scheduler := webhook.NewScheduler(service, redisClient, &cfg.Webhook)
	if err := scheduler.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start webhook scheduler")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, stopping worker...")

	scheduler.Stop()
	log.Info().Msg("Worker exited gracefully")
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
