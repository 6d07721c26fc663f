package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// EventType identifies a domain event emitted by the platform.
// The set is closed: adding a new event means adding a constant here
// and to validTypes below, so a typo can never silently miss fanout.
type EventType string

const (
	APIKeyCreated        EventType = "api_key.created"
	APIKeyUpdated        EventType = "api_key.updated"
	APIKeyDeleted        EventType = "api_key.deleted"
	APIKeyRotated        EventType = "api_key.rotated"
	UserCreated          EventType = "user.created"
	UserUpdated          EventType = "user.updated"
	UserDeleted          EventType = "user.deleted"
	SubscriptionCreated  EventType = "subscription.created"
	SubscriptionUpdated  EventType = "subscription.updated"
	SubscriptionCanceled EventType = "subscription.canceled"
	PaymentSucceeded     EventType = "payment.succeeded"
	PaymentFailed        EventType = "payment.failed"
	InvoiceCreated       EventType = "invoice.created"
	InvoicePaid          EventType = "invoice.paid"
	WebhookTest          EventType = "webhook.test"
)

var validTypes = []EventType{
	APIKeyCreated,
	APIKeyUpdated,
	APIKeyDeleted,
	APIKeyRotated,
	UserCreated,
	UserUpdated,
	UserDeleted,
	SubscriptionCreated,
	SubscriptionUpdated,
	SubscriptionCanceled,
	PaymentSucceeded,
	PaymentFailed,
	InvoiceCreated,
	InvoicePaid,
	WebhookTest,
}

// ParseEventType parses a string into an EventType.
// Returns an error if the event type is unknown.
func ParseEventType(name string) (EventType, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	for _, eventType := range validTypes {
		if string(eventType) == name {
			return eventType, nil
		}
	}

	return "", fmt.Errorf("unknown event type: %s", name)
}

// EventTypeSet is the set of event types a subscription listens to.
// Stored as a JSON array so the same column works on Postgres and SQLite.
type EventTypeSet []EventType

// Contains reports whether t is in the set.
func (s EventTypeSet) Contains(t EventType) bool {
	for _, et := range s {
		if et == t {
			return true
		}
	}
	return false
}

// Value implements driver.Valuer.
func (s EventTypeSet) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event type set: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *EventTypeSet) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan %T into EventTypeSet", src)
	}
}
