package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/monitoring"
)

// DB wraps the pgx pool shared by the API server and the delivery worker
type DB struct {
	Pool *pgxpool.Pool
}

// poolConfig parses the database URL and applies the configured pool bounds
func poolConfig(cfg *config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.HealthCheckPeriod = time.Minute

	return pc, nil
}

// New creates the connection pool and verifies connectivity
func New(cfg *config.DatabaseConfig) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), pc)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, err
	}

	log.Info().
		Int("max_conns", cfg.MaxConns).
		Int("min_conns", cfg.MinConns).
		Msg("Database connection established")

	return &DB{Pool: pool}, nil
}

// ReportPoolMetrics publishes pool utilization gauges on the given interval
// until the context is cancelled.
func (db *DB) ReportPoolMetrics(ctx context.Context, interval time.Duration) {
	m := monitoring.Get()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stat := db.Pool.Stat()
			m.DBConnectionsActive.Set(float64(stat.AcquiredConns()))
			m.DBConnectionsIdle.Set(float64(stat.IdleConns()))
		}
	}
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
	log.Info().Msg("Database connection closed")
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
