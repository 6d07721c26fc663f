package executor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/credits"
	"github.com/relayforge/webhookd/internal/metrics"
	"github.com/relayforge/webhookd/internal/models"
	"github.com/relayforge/webhookd/internal/scheduler"
)

// Executor performs single delivery attempts: claim the row, run the
// pre-flight checks, POST the payload, classify the outcome, and persist
// the transition plus an attempt log entry. Failures of one delivery never
// propagate to other deliveries or to the caller.
type Executor struct {
	cfg     *config.DeliveryConfig
	db      *gorm.DB
	ledger  credits.Ledger
	policy  scheduler.Policy
	limiter *subscriberLimiter
	client  *http.Client
	logger  *zap.Logger
}

// NewExecutor creates a new executor instance with dependencies
func NewExecutor(cfg *config.DeliveryConfig, db *gorm.DB, ledger credits.Ledger, logger *zap.Logger) *Executor {
	return &Executor{
		cfg:    cfg,
		db:     db,
		ledger: ledger,
		policy: scheduler.Policy{
			BaseDelay: time.Duration(cfg.BaseDelaySeconds) * time.Second,
			MaxDelay:  time.Duration(cfg.MaxDelaySeconds) * time.Second,
		},
		limiter: newSubscriberLimiter(),
		client: &http.Client{
			Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

// HandleDelivery processes one delivery attempt for the given record.
// A nil return means the message should be ACKed; errors mean the broker
// should reject it (the scheduler's recovery pass will re-queue the row).
func (e *Executor) HandleDelivery(ctx context.Context, deliveryID uuid.UUID) error {
	db := e.db.WithContext(ctx)

	delivery, err := loadDelivery(db, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to load delivery: %w", err)
	}
	if delivery == nil {
		e.logger.Info("Delivery not found, skipping",
			zap.String("delivery_id", deliveryID.String()),
		)
		return nil
	}
	if models.IsTerminalStatus(delivery.Status) {
		// Already finished; at-least-once redelivery of the message.
		return nil
	}

	subscription, err := loadSubscription(db, delivery.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to load subscription: %w", err)
	}

	claimed, err := claimDelivery(db, delivery.ID, delivery.AttemptCount)
	if err != nil {
		return fmt.Errorf("failed to claim delivery: %w", err)
	}
	if !claimed {
		e.logger.Info("Delivery already claimed or finished, skipping",
			zap.String("delivery_id", delivery.ID.String()),
		)
		return nil
	}

	// Active check at the latest possible point before the send. This
	// closes the race with concurrent deactivation or deletion.
	if subscription == nil || !subscription.Active || subscription.DeletedAt.Valid {
		return e.finishWithoutCall(db, delivery, delivery.AttemptCount, models.ReasonSubscriptionInactive, false)
	}

	// Outbound rate limit: hand the slot back without consuming an attempt.
	// Test deliveries run synchronously and are never re-queued by the
	// scheduler, so they skip the limiter instead of deferring into limbo.
	if !delivery.IsTest && !e.limiter.allow(subscription.ID, subscription.MaxRatePerMin) {
		e.logger.Debug("Delivery deferred by rate limit",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("subscription_id", subscription.ID.String()),
		)
		return deferDelivery(db, delivery.ID)
	}

	// Credit check before the network call, never after. The decrement is
	// atomic on the ledger side; exhausted balances deduct nothing.
	consumed, err := e.ledger.ConsumeCredit(ctx, subscription.OwnerID)
	if err != nil {
		e.logger.Warn("Credit ledger unavailable, deferring delivery",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
		return deferDelivery(db, delivery.ID)
	}
	if !consumed {
		return e.finishWithoutCall(db, delivery, delivery.AttemptCount+1, models.ReasonInsufficientCredits, true)
	}

	startedAt := time.Now().UTC()
	result := e.send(ctx, delivery, subscription)
	finishedAt := time.Now().UTC()

	attemptCount := delivery.AttemptCount + 1
	classification := Classify(result, finishedAt)

	var attemptErr *string
	if result.Err != nil {
		msg := result.Err.Error()
		attemptErr = &msg
	}

	params := e.plan(delivery, classification, attemptCount, result.HTTPStatus, finishedAt)

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := recordAttempt(tx, delivery.ID, attemptCount, startedAt, finishedAt, result, attemptErr); err != nil {
			return fmt.Errorf("failed to record attempt: %w", err)
		}
		if err := finalizeDelivery(tx, delivery.ID, params); err != nil {
			return fmt.Errorf("failed to finalize delivery: %w", err)
		}
		if err := bumpSubscriptionStats(tx, subscription.ID, params.Status == models.StatusSucceeded, finishedAt); err != nil {
			return fmt.Errorf("failed to update subscription stats: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.DeliveryAttempts.WithLabelValues(delivery.EventType, params.Status).Inc()
	metrics.DeliveryLatency.WithLabelValues(delivery.EventType, params.Status).Observe(float64(result.LatencyMs))
	e.logOutcome(delivery, params, result)

	return nil
}

// plan turns a classification into the post-attempt transition, delegating
// retry timing to the scheduler policy.
func (e *Executor) plan(delivery *models.Delivery, cls Classification, attemptCount int, httpStatus *int, now time.Time) finalizeParams {
	params := finalizeParams{
		AttemptCount: attemptCount,
		LastHTTPStat: httpStatus,
	}

	switch cls.Verdict {
	case VerdictSucceeded:
		params.Status = models.StatusSucceeded

	case VerdictTerminal:
		params.Status = models.StatusFailedTerminal
		reason := cls.Detail
		params.FailureReason = &reason
		params.LastError = &reason

	case VerdictRetryable:
		detail := cls.Detail
		params.LastError = &detail
		nextAt, ok := e.policy.NextRetry(now, attemptCount, delivery.MaxAttempts, cls.RetryAfter)
		if !ok {
			params.Status = models.StatusFailedTerminal
			reason := models.ReasonMaxAttempts
			params.FailureReason = &reason
		} else {
			params.Status = models.StatusFailedRetryable
			params.NextAttemptAt = &nextAt
		}
	}

	return params
}

// finishWithoutCall records a terminal outcome reached before any HTTP call
// was made (inactive subscription, exhausted credits).
func (e *Executor) finishWithoutCall(db *gorm.DB, delivery *models.Delivery, attemptCount int, reason string, logAttempt bool) error {
	now := time.Now().UTC()
	params := finalizeParams{
		Status:        models.StatusFailedTerminal,
		AttemptCount:  attemptCount,
		FailureReason: &reason,
		LastError:     &reason,
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if logAttempt {
			result := &AttemptResult{}
			if err := recordAttempt(tx, delivery.ID, attemptCount, now, now, result, &reason); err != nil {
				return fmt.Errorf("failed to record attempt: %w", err)
			}
		}
		return finalizeDelivery(tx, delivery.ID, params)
	})
	if err != nil {
		return err
	}

	metrics.DeliveryAttempts.WithLabelValues(delivery.EventType, models.StatusFailedTerminal).Inc()
	e.logger.Info("Delivery failed without HTTP call",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("reason", reason),
	)
	return nil
}

func (e *Executor) logOutcome(delivery *models.Delivery, params finalizeParams, result *AttemptResult) {
	fields := []zap.Field{
		zap.String("delivery_id", delivery.ID.String()),
		zap.Int("attempt_count", params.AttemptCount),
		zap.Int("latency_ms", result.LatencyMs),
	}
	if result.HTTPStatus != nil {
		fields = append(fields, zap.Int("http_status", *result.HTTPStatus))
	}

	switch params.Status {
	case models.StatusSucceeded:
		e.logger.Info("Webhook delivery succeeded", fields...)
	case models.StatusFailedRetryable:
		fields = append(fields, zap.Timep("next_attempt_at", params.NextAttemptAt))
		if params.LastError != nil {
			fields = append(fields, zap.String("last_error", *params.LastError))
		}
		e.logger.Info("Webhook delivery will be retried", fields...)
	default:
		if params.FailureReason != nil {
			fields = append(fields, zap.String("failure_reason", *params.FailureReason))
		}
		e.logger.Warn("Webhook delivery failed permanently", fields...)
	}
}
