package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventEnvelope is an incoming domain event. It is ephemeral: fanout copies
// its serialized form into each delivery row and the envelope is discarded.
type EventEnvelope struct {
	EventType EventType       `json:"event_type"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryBody is the JSON document POSTed to subscribers.
// The signature is computed over these exact serialized bytes.
type DeliveryBody struct {
	EventType EventType       `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// DeliveryMessage is the message published to the delivery queue.
type DeliveryMessage struct {
	DeliveryID string `json:"delivery_id"`
}
