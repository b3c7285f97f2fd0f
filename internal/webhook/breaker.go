package webhook

import (
	"context"
	"time"

	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/monitoring"
)

// Circuit is the explicit breaker state of a webhook at a point in time.
// It is derived from the persisted circuit_open_until timestamp: nil or a
// past value behaves as closed, and no explicit close write ever happens.
type Circuit struct {
	Open  bool
	Until time.Time // zero unless Open
}

// CircuitAt derives the breaker state of a webhook as of now
func CircuitAt(hook *models.Webhook, now time.Time) Circuit {
	if hook.CircuitOpenUntil != nil && hook.CircuitOpenUntil.After(now) {
		return Circuit{Open: true, Until: *hook.CircuitOpenUntil}
	}
	return Circuit{}
}

// recordFailure counts one failed attempt against the webhook. The counter
// increment is atomic in storage; once it reaches the threshold the circuit
// opens for the configured cooldown. Failures past the threshold keep the
// window extended while the endpoint stays bad.
//
// The breaker is advisory for the retry worker only: first attempts are
// never gated, so new events still reach a flaky endpoint.
func (s *Service) recordFailure(ctx context.Context, hook *models.Webhook) {
	count, err := s.repo.IncrementConsecutiveFailures(ctx, hook.ID)
	if err != nil {
		s.log.Error().Err(err).
			Str("webhook_id", hook.ID.String()).
			Msg("Failed to increment consecutive failures")
		return
	}

	if count < s.cfg.BreakerThreshold {
		return
	}

	until := time.Now().Add(s.cfg.BreakerCooldown)
	if err := s.repo.OpenCircuit(ctx, hook.ID, until); err != nil {
		s.log.Error().Err(err).
			Str("webhook_id", hook.ID.String()).
			Msg("Failed to open circuit")
		return
	}

	monitoring.Get().WebhookCircuitOpensTotal.Inc()
	s.log.Warn().
		Str("webhook_id", hook.ID.String()).
		Int("consecutive_failures", count).
		Time("open_until", until).
		Msg("Webhook circuit opened")
}

// recordSuccess resets the consecutive-failure counter. The open-until
// timestamp is left alone: its expiry alone governs openness.
func (s *Service) recordSuccess(ctx context.Context, hook *models.Webhook) {
	if err := s.repo.ResetConsecutiveFailures(ctx, hook.ID); err != nil {
		s.log.Error().Err(err).
			Str("webhook_id", hook.ID.String()).
			Msg("Failed to reset consecutive failures")
	}
}
