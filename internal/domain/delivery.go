package domain

import "time"

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in_flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryTask is one unit of outbound content delivery work with its
// own persisted retry state, so scheduling survives restarts.
type DeliveryTask struct {
	ID            string
	OrderID       string
	Recipient     string
	Payload       DeliveryPayload
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt time.Time
	Status        DeliveryStatus
	LastError     string
	CreatedAt     time.Time
}

// DeliveryPayload references the content to deliver: a text body
// and/or a stored media reference.
type DeliveryPayload struct {
	Text     string `json:"text,omitempty"`
	MediaRef string `json:"media_ref,omitempty"`
}
