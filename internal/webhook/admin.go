package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/models"
)

// Admin validation errors
var (
	ErrInvalidTargetURL = errors.New("target_url must be a valid https URL")
	ErrNoEventTypes     = errors.New("at least one event type is required")
	ErrUnknownEventType = errors.New("unknown event type")
)

// CreateWebhookRequest represents a request to register a webhook
type CreateWebhookRequest struct {
	Name      string             `json:"name" binding:"required"`
	TargetURL string             `json:"target_url" binding:"required"`
	Secret    string             `json:"secret" binding:"required"`
	Events    []models.EventType `json:"events" binding:"required"`
	Enabled   *bool              `json:"enabled,omitempty"`
}

// UpdateWebhookRequest represents a partial webhook update
type UpdateWebhookRequest struct {
	Name      *string            `json:"name,omitempty"`
	TargetURL *string            `json:"target_url,omitempty"`
	Secret    *string            `json:"secret,omitempty"`
	Events    []models.EventType `json:"events,omitempty"`
	Enabled   *bool              `json:"enabled,omitempty"`
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return ErrInvalidTargetURL
	}
	return nil
}

func validateSecret(secret string) error {
	if len(secret) < MinSecretLength || len(secret) > MaxSecretLength {
		return ErrInvalidSecret
	}
	return nil
}

func validateEvents(events []models.EventType) error {
	if len(events) == 0 {
		return ErrNoEventTypes
	}
	for _, e := range events {
		if !e.IsSubscribable() {
			return fmt.Errorf("%w: %s", ErrUnknownEventType, e)
		}
	}
	return nil
}

// CreateWebhook registers a new webhook for an owner
func (s *Service) CreateWebhook(ctx context.Context, ownerID uuid.UUID, req *CreateWebhookRequest) (*models.Webhook, error) {
	if err := validateTargetURL(req.TargetURL); err != nil {
		return nil, err
	}
	if err := validateSecret(req.Secret); err != nil {
		return nil, err
	}
	if err := validateEvents(req.Events); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	hook := &models.Webhook{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Name:      req.Name,
		TargetURL: req.TargetURL,
		Secret:    req.Secret,
		Enabled:   enabled,
		Events:    req.Events,
	}

	if err := s.repo.CreateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}

	s.log.Info().
		Str("webhook_id", hook.ID.String()).
		Str("owner_id", ownerID.String()).
		Str("target_url", hook.TargetURL).
		Msg("Webhook created")
	return hook, nil
}

// GetWebhook returns a webhook owned by the given owner. Webhooks of other
// owners are reported as not found.
func (s *Service) GetWebhook(ctx context.Context, ownerID, webhookID uuid.UUID) (*models.Webhook, error) {
	hook, err := s.repo.FindWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if hook.OwnerID != ownerID {
		return nil, ErrWebhookNotFound
	}
	return hook, nil
}

// ListWebhooks returns all webhooks of an owner
func (s *Service) ListWebhooks(ctx context.Context, ownerID uuid.UUID) ([]*models.Webhook, error) {
	return s.repo.ListWebhooksForOwner(ctx, ownerID)
}

// UpdateWebhook applies a partial update to an owned webhook
func (s *Service) UpdateWebhook(ctx context.Context, ownerID, webhookID uuid.UUID, req *UpdateWebhookRequest) (*models.Webhook, error) {
	hook, err := s.GetWebhook(ctx, ownerID, webhookID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		hook.Name = *req.Name
	}
	if req.TargetURL != nil {
		if err := validateTargetURL(*req.TargetURL); err != nil {
			return nil, err
		}
		hook.TargetURL = *req.TargetURL
	}
	if req.Secret != nil {
		if err := validateSecret(*req.Secret); err != nil {
			return nil, err
		}
		hook.Secret = *req.Secret
	}
	if req.Events != nil {
		if err := validateEvents(req.Events); err != nil {
			return nil, err
		}
		hook.Events = req.Events
	}
	if req.Enabled != nil {
		hook.Enabled = *req.Enabled
	}

	if err := s.repo.UpdateWebhook(ctx, hook); err != nil {
		return nil, fmt.Errorf("failed to update webhook: %w", err)
	}
	return hook, nil
}

// DeleteWebhook removes an owned webhook
func (s *Service) DeleteWebhook(ctx context.Context, ownerID, webhookID uuid.UUID) error {
	if _, err := s.GetWebhook(ctx, ownerID, webhookID); err != nil {
		return err
	}
	return s.repo.DeleteWebhook(ctx, webhookID)
}

// ListDeliveries returns the delivery audit log of an owned webhook, most
// recent first
func (s *Service) ListDeliveries(ctx context.Context, ownerID, webhookID uuid.UUID, limit int) ([]*models.WebhookDelivery, error) {
	if _, err := s.GetWebhook(ctx, ownerID, webhookID); err != nil {
		return nil, err
	}
	return s.repo.ListDeliveriesForWebhook(ctx, webhookID, limit)
}

// testPayload is the body of a manual test delivery
type testPayload struct {
	EventType models.EventType `json:"event_type"`
	WebhookID uuid.UUID        `json:"webhook_id"`
	Timestamp int64            `json:"timestamp"`
}

// SendTestDelivery creates and immediately attempts a manual test delivery.
// Test deliveries have no originating event, so the delivery row carries a
// nil event id; failed tests are retried like any other delivery.
func (s *Service) SendTestDelivery(ctx context.Context, ownerID, webhookID uuid.UUID) (*models.WebhookDelivery, error) {
	hook, err := s.GetWebhook(ctx, ownerID, webhookID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(testPayload{
		EventType: models.EventWebhookTest,
		WebhookID: hook.ID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal test payload: %w", err)
	}

	delivery, err := s.repo.CreateDelivery(ctx, hook.ID, nil, models.EventWebhookTest, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create test delivery: %w", err)
	}

	s.attempt(ctx, hook, delivery)

	return s.repo.FindDelivery(ctx, delivery.ID)
}
