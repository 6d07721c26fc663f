package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/metrics"
	"github.com/relayforge/webhookd/internal/models"
)

// Publisher publishes delivery messages to the broker.
type Publisher interface {
	PublishMessage(exchange, routingKey string, body []byte) error
}

// Fanout expands one domain event into one pending delivery per matching
// active subscription and queues each for asynchronous execution. It never
// waits for any delivery to complete.
type Fanout struct {
	cfg    *config.DeliveryConfig
	db     *gorm.DB
	pub    Publisher
	logger *zap.Logger
}

// New creates a fanout instance with dependencies.
func New(cfg *config.DeliveryConfig, db *gorm.DB, pub Publisher, logger *zap.Logger) *Fanout {
	return &Fanout{
		cfg:    cfg,
		db:     db,
		pub:    pub,
		logger: logger,
	}
}

// Fan resolves the owner's matching subscriptions and creates one pending
// delivery row per match. An event matching nothing is a normal no-op.
// Returned deliveries are queued but not yet attempted.
func (f *Fanout) Fan(ctx context.Context, envelope models.EventEnvelope) ([]models.Delivery, error) {
	db := f.db.WithContext(ctx)

	subscriptions, err := matchingSubscriptions(db, envelope.OwnerID, envelope.EventType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscriptions: %w", err)
	}

	metrics.FanoutEvents.WithLabelValues(string(envelope.EventType)).Inc()

	if len(subscriptions) == 0 {
		f.logger.Debug("No matching subscriptions for event",
			zap.String("event_type", string(envelope.EventType)),
			zap.String("owner_id", envelope.OwnerID.String()),
		)
		return nil, nil
	}

	// Snapshot the envelope once; all deliveries for this event share the
	// exact same payload bytes, and the signature is computed over them.
	payload, err := json.Marshal(models.DeliveryBody{
		EventType: envelope.EventType,
		Payload:   envelope.Payload,
		Timestamp: envelope.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery payload: %w", err)
	}

	deliveries, err := createDeliveries(db, subscriptions, envelope.EventType, payload, f.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries: %w", err)
	}

	metrics.FanoutDeliveries.WithLabelValues(string(envelope.EventType)).Add(float64(len(deliveries)))

	f.logger.Info("Created deliveries for event",
		zap.String("event_type", string(envelope.EventType)),
		zap.String("owner_id", envelope.OwnerID.String()),
		zap.Int("delivery_count", len(deliveries)),
	)

	// Queue each delivery. A failed publish is not fatal: the row is in
	// the ledger with queued_at unset and the scheduler re-queues it.
	failed := 0
	for i := range deliveries {
		if err := f.Enqueue(ctx, &deliveries[i]); err != nil {
			f.logger.Error("Failed to publish delivery, scheduler will recover it",
				zap.String("delivery_id", deliveries[i].ID.String()),
				zap.Error(err),
			)
			failed++
		}
	}
	if failed > 0 {
		f.logger.Warn("Failed to publish some deliveries",
			zap.Int("failed_count", failed),
			zap.Int("total_count", len(deliveries)),
		)
	}

	return deliveries, nil
}

// Enqueue publishes one delivery message and marks the row queued.
func (f *Fanout) Enqueue(ctx context.Context, delivery *models.Delivery) error {
	body, err := json.Marshal(models.DeliveryMessage{DeliveryID: delivery.ID.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	if err := f.pub.PublishMessage(f.cfg.DeliveryExchange, f.cfg.DeliveryRoutingKey, body); err != nil {
		return fmt.Errorf("failed to publish delivery message: %w", err)
	}

	now := time.Now().UTC()
	err = f.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ?", delivery.ID).
		Updates(map[string]interface{}{
			"queued_at":  now,
			"updated_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark delivery queued: %w", err)
	}
	delivery.QueuedAt = &now
	return nil
}

// CreateDelivery creates a single delivery row without queueing it, for
// synchronous paths (test deliveries).
func (f *Fanout) CreateDelivery(ctx context.Context, subscription *models.Subscription, envelope models.EventEnvelope, maxAttempts int, isTest bool) (*models.Delivery, error) {
	payload, err := json.Marshal(models.DeliveryBody{
		EventType: envelope.EventType,
		Payload:   envelope.Payload,
		Timestamp: envelope.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery payload: %w", err)
	}

	now := time.Now().UTC()
	delivery := models.Delivery{
		ID:             uuid.New(),
		SubscriptionID: subscription.ID,
		EventType:      string(envelope.EventType),
		Payload:        payload,
		AttemptCount:   0,
		MaxAttempts:    maxAttempts,
		Status:         models.StatusPending,
		IsTest:         isTest,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := f.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}
	return &delivery, nil
}
