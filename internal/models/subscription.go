package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Subscription struct {
	ID         uuid.UUID    `gorm:"type:uuid;primary_key" json:"id"`
	OwnerID    uuid.UUID    `gorm:"type:uuid;not null;index" json:"owner_id"`
	URL        string       `gorm:"not null" json:"url"`
	Secret     string       `gorm:"not null" json:"-"` // HMAC signing secret, never serialized
	EventTypes EventTypeSet `gorm:"type:jsonb;not null" json:"event_types"`
	Active     bool         `gorm:"not null;default:true" json:"active"`
	// Headers are merged into every delivery request for this subscription.
	// Reserved headers (signature, event metadata) always win.
	Headers       HeaderMap `gorm:"type:jsonb" json:"headers,omitempty"`
	MaxRatePerMin int       `gorm:"not null;default:60" json:"max_rate_per_min"`
	// TimeoutSeconds and MaxAttempts override the engine defaults when
	// positive; zero means use the configured default.
	TimeoutSeconds int            `gorm:"not null;default:0" json:"timeout_seconds"`
	MaxAttempts    int            `gorm:"not null;default:0" json:"max_attempts"`
	SuccessCount   int64          `gorm:"not null;default:0" json:"success_count"`
	FailureCount   int64          `gorm:"not null;default:0" json:"failure_count"`
	LastAttemptAt  *time.Time     `json:"last_attempt_at"`
	CreatedAt      time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}
