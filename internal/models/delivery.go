package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery status values. Transitions are monotonic: once a row reaches
// StatusSucceeded or StatusFailedTerminal it never changes again.
const (
	StatusPending         = "pending"
	StatusDelivering      = "delivering"
	StatusSucceeded       = "succeeded"
	StatusFailedRetryable = "failed_retryable"
	StatusFailedTerminal  = "failed_terminal"
)

// Terminal failure reasons. These let an owner tell a broken subscriber
// apart from an exhausted credit balance or a deactivated subscription.
const (
	ReasonMaxAttempts          = "max attempts reached"
	ReasonSubscriptionInactive = "subscription inactive"
	ReasonInsufficientCredits  = "insufficient credits"
)

// IsTerminalStatus reports whether status admits no further transition.
func IsTerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailedTerminal
}

// Delivery is one event fanned out to one subscription. Payload holds the
// exact serialized envelope bytes; the HMAC signature is computed over these
// bytes on every attempt, so re-serialization can never invalidate it.
type Delivery struct {
	ID             uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	SubscriptionID uuid.UUID    `gorm:"type:uuid;not null;index" json:"subscription_id"`
	Subscription   Subscription `gorm:"foreignKey:SubscriptionID" json:"-"`
	EventType      string       `gorm:"not null" json:"event_type"`
	Payload        []byte       `gorm:"not null" json:"payload"`
	AttemptCount   int          `gorm:"not null;default:0" json:"attempt_count"`
	MaxAttempts    int          `gorm:"not null;default:5" json:"max_attempts"`
	Status         string       `gorm:"not null;default:'pending';index" json:"status"`
	FailureReason  *string      `json:"failure_reason"`
	LastHTTPStatus *int         `json:"last_http_status"`
	LastError      *string      `json:"last_error"`
	NextAttemptAt  *time.Time   `gorm:"index" json:"next_attempt_at"`
	IsTest         bool         `gorm:"not null;default:false" json:"is_test"`
	QueuedAt       *time.Time   `json:"queued_at"`
	CreatedAt      time.Time    `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Delivery) TableName() string {
	return "deliveries"
}
