package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryAttempt is the audit log row written for every attempt,
// whatever the outcome.
type DeliveryAttempt struct {
	ID           int64     `gorm:"primary_key;autoIncrement" json:"id"`
	DeliveryID   uuid.UUID `gorm:"type:uuid;not null;index" json:"delivery_id"`
	Delivery     Delivery  `gorm:"foreignKey:DeliveryID" json:"-"`
	AttemptNo    int       `gorm:"not null" json:"attempt_no"`
	StartedAt    time.Time `gorm:"not null" json:"started_at"`
	FinishedAt   time.Time `gorm:"not null" json:"finished_at"`
	HTTPStatus   *int      `json:"http_status"`
	LatencyMs    int       `gorm:"not null" json:"latency_ms"`
	ResponseBody *string   `json:"response_body"`
	Error        *string   `json:"error"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
}

func (DeliveryAttempt) TableName() string {
	return "delivery_attempts"
}
