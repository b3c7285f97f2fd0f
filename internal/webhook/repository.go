package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/perimetra/perimetra/internal/models"
)

// Repository errors
var (
	ErrWebhookNotFound  = errors.New("webhook not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
)

// AttemptUpdate records the outcome of one HTTP attempt against a delivery.
// The repository increments the attempt counter and stamps last_attempt_at;
// the caller decides the resulting status and the next retry time.
type AttemptUpdate struct {
	Status       models.DeliveryStatus
	ResponseCode *int
	ErrorMessage *string
	NextRetryAt  *time.Time
}

// Repository is the persistence contract of the delivery subsystem.
//
// IncrementConsecutiveFailures must be atomic at the storage layer
// (increment-and-return, not read-modify-write) because the live delivery
// path and the retry worker both count failures against the same webhook.
type Repository interface {
	// Webhook configuration
	FindEnabledForOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Webhook, error)
	FindWebhook(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	CreateWebhook(ctx context.Context, hook *models.Webhook) error
	ListWebhooksForOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Webhook, error)
	UpdateWebhook(ctx context.Context, hook *models.Webhook) error
	DeleteWebhook(ctx context.Context, id uuid.UUID) error

	// Circuit breaker state
	IncrementConsecutiveFailures(ctx context.Context, id uuid.UUID) (int, error)
	ResetConsecutiveFailures(ctx context.Context, id uuid.UUID) error
	OpenCircuit(ctx context.Context, id uuid.UUID, until time.Time) error

	// Deliveries
	CreateDelivery(ctx context.Context, webhookID uuid.UUID, eventID *uuid.UUID, eventType models.EventType, payload []byte) (*models.WebhookDelivery, error)
	FindDelivery(ctx context.Context, id uuid.UUID) (*models.WebhookDelivery, error)
	UpdateDeliveryAttempt(ctx context.Context, id uuid.UUID, update AttemptUpdate) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, reason string) error
	PostponeDelivery(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error
	ClaimPendingRetries(ctx context.Context, batchSize int, lease time.Duration) ([]*models.WebhookDelivery, error)
	ListDeliveriesForWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*models.WebhookDelivery, error)
	DeleteDeliveriesOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// Originating event summary
	RecordEventOutcome(ctx context.Context, eventID uuid.UUID, delivered bool, responseCode *int) error
}
