package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/perimetra/perimetra/internal/config"
	"github.com/perimetra/perimetra/internal/logging"
	"github.com/perimetra/perimetra/internal/models"
	"github.com/perimetra/perimetra/internal/monitoring"
)

// maxResponseBytes bounds how much of an error response body is captured
// into the delivery record
const maxResponseBytes = 4096

// Service implements webhook delivery: live fan-out of events, circuit
// breaking, retry processing and retention cleanup
type Service struct {
	repo   Repository
	client *http.Client
	cfg    *config.WebhookConfig
	log    zerolog.Logger
}

// NewService creates a new webhook delivery service. A nil client gets a
// pooled default bounded by the configured attempt timeout.
func NewService(repo Repository, client *http.Client, cfg *config.WebhookConfig) *Service {
	if client == nil {
		client = &http.Client{
			Timeout: cfg.AttemptTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Service{
		repo:   repo,
		client: client,
		cfg:    cfg,
		log:    logging.NewLogger("webhook"),
	}
}

// eventPayload is the canonical JSON body delivered to webhook endpoints.
// It is marshalled exactly once per event; the same bytes are reused for
// every subscribed webhook and for the HMAC signature.
type eventPayload struct {
	EventType    models.EventType `json:"event_type"`
	DeviceID     uuid.UUID        `json:"device_id"`
	GeofenceID   uuid.UUID        `json:"geofence_id"`
	GeofenceName string           `json:"geofence_name"`
	Timestamp    int64            `json:"timestamp"`
	Location     location         `json:"location"`
}

type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// attemptOutcome classifies one HTTP attempt. ResponseCode is nil when the
// attempt failed before an HTTP status was received (transport error).
type attemptOutcome struct {
	Success      bool
	ResponseCode *int
	ErrorMessage string
}

// DeliverGeofenceEvent fans a geofence transition out to every enabled
// webhook of the device owner subscribed to the event type, sequentially.
// Each webhook gets its own delivery record created before the attempt, so
// the attempt is auditable even if the process dies mid-flight.
//
// Individual delivery failures are recorded and swallowed; they never
// surface to the event producer. Only infrastructure errors (webhook
// lookup, payload marshalling) are returned.
func (s *Service) DeliverGeofenceEvent(ctx context.Context, event models.GeofenceEvent) error {
	hooks, err := s.repo.FindEnabledForOwner(ctx, event.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to load webhooks for owner: %w", err)
	}

	var subscribed []*models.Webhook
	for _, hook := range hooks {
		if hook.SubscribedTo(event.Type) {
			subscribed = append(subscribed, hook)
		}
	}
	if len(subscribed) == 0 {
		return nil
	}

	payload, err := json.Marshal(eventPayload{
		EventType:    event.Type,
		DeviceID:     event.DeviceID,
		GeofenceID:   event.GeofenceID,
		GeofenceName: event.GeofenceName,
		Timestamp:    event.Timestamp,
		Location:     location{Latitude: event.Latitude, Longitude: event.Longitude},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	eventID := event.ID
	anySuccess := false
	var lastCode *int

	for _, hook := range subscribed {
		outcome := s.deliverNew(ctx, hook, &eventID, event.Type, payload)
		if outcome.Success {
			anySuccess = true
		}
		if outcome.ResponseCode != nil {
			lastCode = outcome.ResponseCode
		}
	}

	if err := s.repo.RecordEventOutcome(ctx, event.ID, anySuccess, lastCode); err != nil {
		s.log.Error().Err(err).
			Str("event_id", event.ID.String()).
			Msg("Failed to record event delivery summary")
	}

	return nil
}

// deliverNew runs the first-attempt path for one webhook. The circuit
// breaker is deliberately not consulted here: first attempts always go out,
// so a recovering endpoint is discovered without waiting for the cooldown.
func (s *Service) deliverNew(ctx context.Context, hook *models.Webhook, eventID *uuid.UUID, eventType models.EventType, payload []byte) attemptOutcome {
	delivery, err := s.repo.CreateDelivery(ctx, hook.ID, eventID, eventType, payload)
	if err != nil {
		s.log.Error().Err(err).
			Str("webhook_id", hook.ID.String()).
			Str("event_type", string(eventType)).
			Msg("Failed to create delivery record")
		return attemptOutcome{ErrorMessage: err.Error()}
	}
	return s.attempt(ctx, hook, delivery)
}

// attempt signs the stored payload, posts it, classifies the result and
// updates both the delivery record and the webhook's breaker counters.
// Shared by the first-attempt path and the retry worker.
func (s *Service) attempt(ctx context.Context, hook *models.Webhook, delivery *models.WebhookDelivery) attemptOutcome {
	signature, err := Sign(delivery.Payload, hook.Secret)
	if err != nil {
		// A malformed secret cannot succeed on retry; fail for good.
		s.failTerminal(ctx, delivery, err.Error())
		return attemptOutcome{ErrorMessage: err.Error()}
	}

	start := time.Now()
	code, errMsg := s.post(ctx, hook.TargetURL, signature, delivery.Payload)
	elapsed := time.Since(start)

	outcome := attemptOutcome{
		Success:      code != nil && *code >= 200 && *code < 300,
		ResponseCode: code,
		ErrorMessage: errMsg,
	}

	m := monitoring.Get()
	label := "failure"
	if outcome.Success {
		label = "success"
	}
	m.WebhookAttemptsTotal.WithLabelValues(string(delivery.EventType), label).Inc()
	m.WebhookAttemptDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	attempts := delivery.Attempts + 1
	update := AttemptUpdate{ResponseCode: code}
	if errMsg != "" {
		update.ErrorMessage = &outcome.ErrorMessage
	}
	switch {
	case outcome.Success:
		update.Status = models.DeliveryStatusSuccess
	case attempts >= s.cfg.MaxAttempts:
		update.Status = models.DeliveryStatusAbandoned
	default:
		update.Status = models.DeliveryStatusPending
		next := time.Now().Add(backoffDelay(s.cfg.BackoffBase, attempts, s.cfg.BackoffCap))
		update.NextRetryAt = &next
	}

	if err := s.repo.UpdateDeliveryAttempt(ctx, delivery.ID, update); err != nil {
		s.log.Error().Err(err).
			Str("delivery_id", delivery.ID.String()).
			Msg("Failed to update delivery attempt")
	}

	if update.Status != models.DeliveryStatusPending {
		m.WebhookDeliveriesTotal.WithLabelValues(string(delivery.EventType), string(update.Status)).Inc()
	}

	if outcome.Success {
		s.recordSuccess(ctx, hook)
		s.log.Debug().
			Str("webhook_id", hook.ID.String()).
			Str("delivery_id", delivery.ID.String()).
			Int("attempts", attempts).
			Int("response_code", *code).
			Msg("Webhook delivered")
	} else {
		s.recordFailure(ctx, hook)
		event := s.log.Warn().
			Str("webhook_id", hook.ID.String()).
			Str("delivery_id", delivery.ID.String()).
			Int("attempts", attempts).
			Str("status", string(update.Status)).
			Str("error", logging.SanitizeForLog(errMsg, 512))
		if code != nil {
			event = event.Int("response_code", *code)
		}
		event.Msg("Webhook delivery attempt failed")
	}

	return outcome
}

// post sends the signed payload to the endpoint and classifies the result:
// transport errors yield a nil code, non-2xx responses capture a truncated
// body as the error message.
func (s *Service) post(ctx context.Context, targetURL, signature string, payload []byte) (*int, string) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err.Error()
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		// Drain so the pooled connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return &code, ""
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	return &code, fmt.Sprintf("HTTP %d: %s", code, strings.TrimSpace(string(body)))
}

// failTerminal marks a delivery failed with no further retries
func (s *Service) failTerminal(ctx context.Context, delivery *models.WebhookDelivery, reason string) {
	if err := s.repo.MarkDeliveryFailed(ctx, delivery.ID, reason); err != nil {
		s.log.Error().Err(err).
			Str("delivery_id", delivery.ID.String()).
			Msg("Failed to mark delivery failed")
		return
	}
	monitoring.Get().WebhookDeliveriesTotal.
		WithLabelValues(string(delivery.EventType), string(models.DeliveryStatusFailed)).Inc()
	s.log.Warn().
		Str("delivery_id", delivery.ID.String()).
		Str("reason", reason).
		Msg("Webhook delivery failed terminally")
}
