package models

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a fleet event that webhooks can subscribe to
type EventType string

const (
	EventGeofenceEnter  EventType = "geofence_enter"
	EventGeofenceExit   EventType = "geofence_exit"
	EventDeviceEnrolled EventType = "device.enrolled"
	EventMemberJoined   EventType = "member.joined"
	EventPolicyUpdated  EventType = "policy.updated"

	// EventWebhookTest is used for manual test deliveries triggered from the
	// admin API. It is not part of the subscribable vocabulary.
	EventWebhookTest EventType = "webhook.test"
)

// SubscribableEventTypes is the fixed vocabulary accepted at webhook creation time
var SubscribableEventTypes = []EventType{
	EventGeofenceEnter,
	EventGeofenceExit,
	EventDeviceEnrolled,
	EventMemberJoined,
	EventPolicyUpdated,
}

// IsSubscribable reports whether the event type belongs to the fixed vocabulary
func (e EventType) IsSubscribable() bool {
	for _, t := range SubscribableEventTypes {
		if e == t {
			return true
		}
	}
	return false
}

// Webhook represents an organization-configured notification endpoint
type Webhook struct {
	ID                  uuid.UUID   `json:"id" db:"id"`
	OwnerID             uuid.UUID   `json:"owner_id" db:"owner_id"`
	Name                string      `json:"name" db:"name"`
	TargetURL           string      `json:"target_url" db:"target_url"`
	Secret              string      `json:"-" db:"secret"`
	Enabled             bool        `json:"enabled" db:"enabled"`
	Events              []EventType `json:"events" db:"events"`
	ConsecutiveFailures int         `json:"consecutive_failures" db:"consecutive_failures"`
	CircuitOpenUntil    *time.Time  `json:"circuit_open_until,omitempty" db:"circuit_open_until"`
	CreatedAt           time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at" db:"updated_at"`
}

// SubscribedTo reports whether the webhook is subscribed to the given event type
func (w *Webhook) SubscribedTo(eventType EventType) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}
