package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/monitoring"
)

// ProcessPendingRetries claims up to batchSize deliveries due for retry and
// re-attempts each one against the stored payload bytes. The claim pushes
// next_retry_at forward by the configured lease inside a SKIP LOCKED
// update, so concurrent workers never double-process a delivery; if a
// worker dies mid-batch, its claimed rows simply become due again after
// the lease expires.
//
// Returns the number of deliveries attempted or terminally resolved.
// Postponed deliveries (open circuit) do not count.
func (s *Service) ProcessPendingRetries(ctx context.Context, batchSize int) (int, error) {
	deliveries, err := s.repo.ClaimPendingRetries(ctx, batchSize, s.cfg.ClaimLease)
	if err != nil {
		return 0, fmt.Errorf("failed to claim pending retries: %w", err)
	}

	processed := 0
	for _, delivery := range deliveries {
		if ctx.Err() != nil {
			break
		}
		if s.retryOne(ctx, delivery) {
			processed++
		}
	}

	monitoring.Get().WebhookRetryBatchSize.Observe(float64(processed))
	return processed, nil
}

// retryOne reports whether the delivery was attempted or terminally
// resolved, as opposed to postponed or left for a later pass
func (s *Service) retryOne(ctx context.Context, delivery *models.WebhookDelivery) bool {
	hook, err := s.repo.FindWebhook(ctx, delivery.WebhookID)
	if errors.Is(err, ErrWebhookNotFound) {
		s.failTerminal(ctx, delivery, "Webhook not found")
		return true
	}
	if err != nil {
		// Transient lookup failure; the claim lease makes the row due again.
		s.log.Error().Err(err).
			Str("delivery_id", delivery.ID.String()).
			Msg("Failed to load webhook for retry")
		return false
	}

	if !hook.Enabled {
		s.failTerminal(ctx, delivery, "Webhook disabled")
		return true
	}

	// Unlike the first-attempt path, retries respect the breaker: a due
	// retry against an open circuit is rescheduled past the cooldown
	// instead of burning an attempt on a known-bad endpoint.
	if circuit := CircuitAt(hook, time.Now()); circuit.Open {
		next := circuit.Until.Add(s.cfg.CircuitRetryDelay)
		if err := s.repo.PostponeDelivery(ctx, delivery.ID, next); err != nil {
			s.log.Error().Err(err).
				Str("delivery_id", delivery.ID.String()).
				Msg("Failed to postpone delivery")
			return false
		}
		monitoring.Get().WebhookRetriesPostponed.Inc()
		s.log.Debug().
			Str("delivery_id", delivery.ID.String()).
			Str("webhook_id", hook.ID.String()).
			Time("next_retry_at", next).
			Msg("Retry postponed, circuit open")
		return false
	}

	outcome := s.attempt(ctx, hook, delivery)
	if outcome.Success && delivery.EventID != nil {
		if err := s.repo.RecordEventOutcome(ctx, *delivery.EventID, true, outcome.ResponseCode); err != nil {
			s.log.Error().Err(err).
				Str("event_id", delivery.EventID.String()).
				Msg("Failed to record event delivery summary")
		}
	}
	return true
}

// backoffDelay returns the delay before the next retry after the given
// number of completed attempts: base * 2^(attempts-1), capped
func backoffDelay(base time.Duration, attempts int, maxDelay time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
