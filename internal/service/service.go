package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/executor"
	"github.com/relayforge/webhookd/internal/fanout"
	"github.com/relayforge/webhookd/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidURL       = errors.New("target URL must be an absolute http(s) URL")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrNoEventTypes     = errors.New("at least one event type is required")
	ErrInactive         = errors.New("subscription is not active")
)

// Service is the engine's API surface: subscription management, event
// emission, and the delivery ledger queries.
type Service struct {
	cfg      *config.DeliveryConfig
	db       *gorm.DB
	fanout   *fanout.Fanout
	executor *executor.Executor
	logger   *zap.Logger
}

// NewService creates a new service instance with all dependencies
func NewService(cfg *config.DeliveryConfig, db *gorm.DB, f *fanout.Fanout, e *executor.Executor, logger *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		db:       db,
		fanout:   f,
		executor: e,
		logger:   logger,
	}
}

// generateSecret returns a fresh signing secret: 32 random bytes,
// base64url without padding.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

func parseEventTypes(names []string) (models.EventTypeSet, error) {
	if len(names) == 0 {
		return nil, ErrNoEventTypes
	}
	set := make(models.EventTypeSet, 0, len(names))
	for _, name := range names {
		et, err := models.ParseEventType(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, name)
		}
		if !set.Contains(et) {
			set = append(set, et)
		}
	}
	return set, nil
}

// CreateSubscriptionParams describe a new subscription. Headers,
// TimeoutSeconds, and MaxAttempts are optional per-subscription overrides;
// zero values fall back to the engine defaults.
type CreateSubscriptionParams struct {
	OwnerID        uuid.UUID
	URL            string
	EventTypes     []string
	MaxRatePerMin  int
	Headers        map[string]string
	TimeoutSeconds int
	MaxAttempts    int
}

// CreateSubscription registers a new subscription and generates its signing
// secret. The secret is returned exactly once; afterwards only rotation
// produces a new one.
func (s *Service) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*models.Subscription, string, error) {
	if err := validateTargetURL(params.URL); err != nil {
		return nil, "", err
	}
	set, err := parseEventTypes(params.EventTypes)
	if err != nil {
		return nil, "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	if params.MaxRatePerMin <= 0 {
		params.MaxRatePerMin = 60
	}
	if params.TimeoutSeconds < 0 {
		params.TimeoutSeconds = 0
	}
	if params.MaxAttempts < 0 {
		params.MaxAttempts = 0
	}

	now := time.Now().UTC()
	subscription := models.Subscription{
		ID:             uuid.New(),
		OwnerID:        params.OwnerID,
		URL:            params.URL,
		Secret:         secret,
		EventTypes:     set,
		Active:         true,
		Headers:        models.HeaderMap(params.Headers),
		MaxRatePerMin:  params.MaxRatePerMin,
		TimeoutSeconds: params.TimeoutSeconds,
		MaxAttempts:    params.MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.WithContext(ctx).Create(&subscription).Error; err != nil {
		return nil, "", fmt.Errorf("failed to create subscription: %w", err)
	}

	s.logger.Info("Subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("owner_id", params.OwnerID.String()),
	)

	return &subscription, secret, nil
}

// ListSubscriptions returns the owner's subscriptions, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subscriptions, nil
}

// GetSubscription fetches one subscription by id.
func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	var subscription models.Subscription
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &subscription, nil
}

// UpdateSubscriptionParams are the mutable subscription fields; nil fields
// are left unchanged.
type UpdateSubscriptionParams struct {
	URL            *string
	EventTypes     []string
	Active         *bool
	Headers        map[string]string
	MaxRatePerMin  *int
	TimeoutSeconds *int
	MaxAttempts    *int
}

// UpdateSubscription applies the given field changes.
func (s *Service) UpdateSubscription(ctx context.Context, id uuid.UUID, params UpdateSubscriptionParams) (*models.Subscription, error) {
	subscription, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if params.URL != nil {
		if err := validateTargetURL(*params.URL); err != nil {
			return nil, err
		}
		updates["url"] = *params.URL
	}
	if params.EventTypes != nil {
		set, err := parseEventTypes(params.EventTypes)
		if err != nil {
			return nil, err
		}
		updates["event_types"] = set
	}
	if params.Active != nil {
		updates["active"] = *params.Active
	}
	if params.Headers != nil {
		updates["headers"] = models.HeaderMap(params.Headers)
	}
	if params.MaxRatePerMin != nil && *params.MaxRatePerMin > 0 {
		updates["max_rate_per_min"] = *params.MaxRatePerMin
	}
	if params.TimeoutSeconds != nil && *params.TimeoutSeconds >= 0 {
		updates["timeout_seconds"] = *params.TimeoutSeconds
	}
	if params.MaxAttempts != nil && *params.MaxAttempts >= 0 {
		updates["max_attempts"] = *params.MaxAttempts
	}

	err = s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	return s.GetSubscription(ctx, subscription.ID)
}

// DeleteSubscription soft-deletes a subscription. No further deliveries are
// fanned out to it; in-flight deliveries observe it as inactive at send
// time. Delivery history is retained.
func (s *Service) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Subscription{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete subscription: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Info("Subscription deleted", zap.String("subscription_id", id.String()))
	return nil
}

// RotateSecret atomically replaces the signing secret and returns the new
// value. The old secret stops signing from the next attempt on.
func (s *Service) RotateSecret(ctx context.Context, id uuid.UUID) (string, error) {
	secret, err := generateSecret()
	if err != nil {
		return "", err
	}

	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"secret":     secret,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return "", fmt.Errorf("failed to rotate secret: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrNotFound
	}

	s.logger.Info("Subscription secret rotated", zap.String("subscription_id", id.String()))
	return secret, nil
}

// Emit accepts a domain event and fans it out to the owner's matching
// subscriptions. Returns immediately; deliveries run asynchronously.
// Deliveries to the same subscription carry no ordering guarantee across
// events; receivers order by the timestamp inside the payload.
func (s *Service) Emit(ctx context.Context, eventType string, ownerID uuid.UUID, payload json.RawMessage) ([]models.Delivery, error) {
	et, err := models.ParseEventType(eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventType, eventType)
	}

	envelope := models.EventEnvelope{
		EventType: et,
		OwnerID:   ownerID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	return s.fanout.Fan(ctx, envelope)
}

// TestDelivery performs a synchronous single-attempt delivery of a
// synthetic webhook.test event, bypassing retry scheduling, so an owner
// gets immediate feedback on a fresh endpoint. The record is persisted and
// marked as a test.
func (s *Service) TestDelivery(ctx context.Context, subscriptionID uuid.UUID) (*models.Delivery, error) {
	subscription, err := s.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !subscription.Active {
		return nil, ErrInactive
	}

	payload, err := json.Marshal(map[string]interface{}{
		"subscription_id": subscription.ID.String(),
		"message":         "test delivery",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build test payload: %w", err)
	}

	envelope := models.EventEnvelope{
		EventType: models.WebhookTest,
		OwnerID:   subscription.OwnerID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	// MaxAttempts of 1: a failed test goes terminal, never into retry.
	delivery, err := s.fanout.CreateDelivery(ctx, subscription, envelope, 1, true)
	if err != nil {
		return nil, err
	}

	if err := s.executor.HandleDelivery(ctx, delivery.ID); err != nil {
		return nil, fmt.Errorf("test delivery failed: %w", err)
	}

	return s.GetDelivery(ctx, delivery.ID)
}

// GetDelivery fetches one delivery row.
func (s *Service) GetDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	var delivery models.Delivery
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return &delivery, nil
}

// ListAttempts returns the audit log for a delivery, oldest first.
func (s *Service) ListAttempts(ctx context.Context, deliveryID uuid.UUID) ([]models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	err := s.db.WithContext(ctx).
		Where("delivery_id = ?", deliveryID).
		Order("attempt_no").
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// ListDeliveriesOptions filter and paginate the delivery history.
type ListDeliveriesOptions struct {
	Limit  int
	Offset int
	Status string
	From   *time.Time
	To     *time.Time
}

// ListDeliveries returns a page of the subscription's delivery history,
// newest first, and whether more pages exist.
func (s *Service) ListDeliveries(ctx context.Context, subscriptionID uuid.UUID, opts ListDeliveriesOptions) ([]models.Delivery, bool, error) {
	if opts.Limit <= 0 {
		opts.Limit = 25
	}

	query := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID)
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}
	if opts.From != nil {
		query = query.Where("created_at >= ?", *opts.From)
	}
	if opts.To != nil {
		query = query.Where("created_at <= ?", *opts.To)
	}

	// Fetch one extra row to determine has_more.
	var deliveries []models.Delivery
	err := query.Order("created_at DESC").
		Limit(opts.Limit + 1).
		Offset(opts.Offset).
		Find(&deliveries).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to list deliveries: %w", err)
	}

	hasMore := len(deliveries) > opts.Limit
	if hasMore {
		deliveries = deliveries[:opts.Limit]
	}
	return deliveries, hasMore, nil
}

// RetryDelivery triggers an immediate manual retry. Terminal deliveries are
// a no-op: a succeeded delivery is never re-sent and a terminal failure
// stays terminal. The manual attempt counts toward the ceiling like any
// other.
func (s *Service) RetryDelivery(ctx context.Context, id uuid.UUID) (*models.Delivery, error) {
	delivery, err := s.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}

	if models.IsTerminalStatus(delivery.Status) || delivery.Status == models.StatusDelivering {
		return delivery, nil
	}

	if err := s.executor.HandleDelivery(ctx, id); err != nil {
		return nil, fmt.Errorf("manual retry failed: %w", err)
	}

	return s.GetDelivery(ctx, id)
}
