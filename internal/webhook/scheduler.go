package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
)

// schedulerLockKey is the redis key guarding scheduler leadership across
// replicas sharing one database
const schedulerLockKey = "perimetra:webhook:scheduler:lock"

// Scheduler drives the retry worker and retention cleanup on fixed
// intervals. The service itself is stateless between passes; everything
// lives in the delivery and webhook rows, so any replica can take over.
type Scheduler struct {
	service *Service
	redis   *redis.Client
	cfg     *config.WebhookConfig
	log     zerolog.Logger

	instanceID string
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    bool
	mu         sync.Mutex

	lastRetryRun   time.Time
	lastCleanupRun time.Time
}

// NewScheduler creates a new delivery scheduler. A nil redis client is
// allowed for single-instance deployments; leadership is then assumed.
func NewScheduler(service *Service, redisClient *redis.Client, cfg *config.WebhookConfig) *Scheduler {
	return &Scheduler{
		service:    service,
		redis:      redisClient,
		cfg:        cfg,
		log:        logging.NewLogger("webhook-scheduler"),
		instanceID: uuid.New().String(),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the scheduled retry and cleanup processing
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	s.log.Info().
		Dur("retry_interval", s.cfg.RetryInterval).
		Dur("cleanup_interval", s.cfg.CleanupInterval).
		Msg("Webhook scheduler started")
	return nil
}

// Stop stops the scheduled processing and waits for the current pass
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info().Msg("Webhook scheduler stopped")
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	retryTicker := time.NewTicker(s.cfg.RetryInterval)
	defer retryTicker.Stop()
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-retryTicker.C:
			s.runRetryPass(ctx)
		case <-cleanupTicker.C:
			s.runCleanup(ctx)
		}
	}
}

// acquireLeadership takes or refreshes the scheduler lock so that only one
// replica drains retries at a time. The lock expires on its own, so a dead
// leader is replaced within a few intervals.
func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}

	ttl := 3 * s.cfg.RetryInterval
	ok, err := s.redis.SetNX(ctx, schedulerLockKey, s.instanceID, ttl).Result()
	if err != nil {
		s.log.Error().Err(err).Msg("Scheduler lock check failed")
		return false
	}
	if ok {
		return true
	}

	holder, err := s.redis.Get(ctx, schedulerLockKey).Result()
	if err != nil {
		return false
	}
	if holder == s.instanceID {
		s.redis.Expire(ctx, schedulerLockKey, ttl)
		return true
	}
	return false
}

func (s *Scheduler) runRetryPass(ctx context.Context) {
	if !s.acquireLeadership(ctx) {
		return
	}

	processed, err := s.service.ProcessPendingRetries(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("Retry pass failed")
		return
	}

	s.mu.Lock()
	s.lastRetryRun = time.Now()
	s.mu.Unlock()

	if processed > 0 {
		s.log.Info().Int("processed", processed).Msg("Retry pass completed")
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if !s.acquireLeadership(ctx) {
		return
	}

	if _, err := s.service.CleanupOldDeliveries(ctx, s.cfg.RetentionDays); err != nil {
		s.log.Error().Err(err).Msg("Retention cleanup failed")
		return
	}

	s.mu.Lock()
	s.lastCleanupRun = time.Now()
	s.mu.Unlock()
}

// RunNow triggers an immediate retry pass regardless of cadence
func (s *Scheduler) RunNow(ctx context.Context) (int, error) {
	processed, err := s.service.ProcessPendingRetries(ctx, s.cfg.RetryBatchSize)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastRetryRun = time.Now()
	s.mu.Unlock()

	return processed, nil
}

// SchedulerStatus represents the current status of the scheduler
type SchedulerStatus struct {
	Running        bool       `json:"running"`
	LastRetryRun   *time.Time `json:"last_retry_run,omitempty"`
	LastCleanupRun *time.Time `json:"last_cleanup_run,omitempty"`
}

// GetStatus returns the current status of the scheduler
func (s *Scheduler) GetStatus() *SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &SchedulerStatus{Running: s.running}
	if !s.lastRetryRun.IsZero() {
		t := s.lastRetryRun
		status.LastRetryRun = &t
	}
	if !s.lastCleanupRun.IsZero() {
		t := s.lastCleanupRun
		status.LastCleanupRun = &t
	}
	return status
}
