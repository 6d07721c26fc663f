package fanout

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relayforge/webhookd/internal/models"
)

const createBatchSize = 100

// matchingSubscriptions returns the owner's active subscriptions whose
// event set contains eventType. The event set is a JSON column, so set
// membership is checked in Go; an owner's subscription count is small.
func matchingSubscriptions(db *gorm.DB, ownerID uuid.UUID, eventType models.EventType) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := db.Where("owner_id = ? AND active = ?", ownerID, true).
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}

	matched := subscriptions[:0]
	for _, s := range subscriptions {
		if s.EventTypes.Contains(eventType) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// createDeliveries inserts one pending delivery row per subscription in a
// single transaction. A subscription with its own max_attempts overrides
// the engine default.
func createDeliveries(db *gorm.DB, subscriptions []models.Subscription, eventType models.EventType, payload []byte, defaultMaxAttempts int) ([]models.Delivery, error) {
	if len(subscriptions) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	deliveries := make([]models.Delivery, 0, len(subscriptions))
	for _, s := range subscriptions {
		maxAttempts := defaultMaxAttempts
		if s.MaxAttempts > 0 {
			maxAttempts = s.MaxAttempts
		}
		deliveries = append(deliveries, models.Delivery{
			ID:             uuid.New(),
			SubscriptionID: s.ID,
			EventType:      string(eventType),
			Payload:        payload,
			AttemptCount:   0,
			MaxAttempts:    maxAttempts,
			Status:         models.StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := db.CreateInBatches(deliveries, createBatchSize).Error; err != nil {
		return nil, err
	}

	return deliveries, nil
}
