package models

import "github.com/google/uuid"

// GeofenceEvent carries the already-validated fields of a geofence
// transition handed to the delivery subsystem. OwnerID is the organization
// or user that owns the device, resolved by the device layer before the
// event reaches delivery.
type GeofenceEvent struct {
	ID           uuid.UUID `json:"id"`
	DeviceID     uuid.UUID `json:"device_id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	GeofenceID   uuid.UUID `json:"geofence_id"`
	GeofenceName string    `json:"geofence_name"`
	Type         EventType `json:"event_type"`
	Timestamp    int64     `json:"timestamp"` // unix milliseconds
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
}
