package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the lifecycle state of a webhook delivery
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSuccess   DeliveryStatus = "success"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	DeliveryStatusAbandoned DeliveryStatus = "abandoned"
)

// WebhookDelivery represents one notification attempt chain for a
// (webhook, event) pair. The payload is captured once at creation and is
// never regenerated, so every retry resends identical bytes and the HMAC
// signature stays reproducible.
type WebhookDelivery struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	WebhookID     uuid.UUID      `json:"webhook_id" db:"webhook_id"`
	EventID       *uuid.UUID     `json:"event_id,omitempty" db:"event_id"` // nil for manual test deliveries
	EventType     EventType      `json:"event_type" db:"event_type"`
	Payload       []byte         `json:"payload" db:"payload"`
	Status        DeliveryStatus `json:"status" db:"status"`
	Attempts      int            `json:"attempts" db:"attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty" db:"next_retry_at"`
	ResponseCode  *int           `json:"response_code,omitempty" db:"response_code"`
	ErrorMessage  *string        `json:"error_message,omitempty" db:"error_message"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
