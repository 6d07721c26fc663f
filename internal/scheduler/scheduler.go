package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

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

// pendingGrace is how long a pending delivery may sit unqueued before the
// poller assumes its publish was lost and re-publishes it.
const pendingGrace = time.Minute

// staleGrace is how long a delivering row may go without an update before it
// is presumed orphaned by a crashed worker and reset to pending.
const staleGrace = 10 * time.Minute

// Scheduler re-queues deliveries that are due for a retry, recovers
// deliveries whose enqueue was lost, and resets rows orphaned mid-attempt.
// It is the component that turns next_attempt_at timestamps into actual
// executor invocations.
type Scheduler struct {
	cfg    *config.SchedulerConfig
	dcfg   *config.DeliveryConfig
	db     *gorm.DB
	pub    Publisher
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler instance with dependencies
func NewScheduler(cfg *config.SchedulerConfig, dcfg *config.DeliveryConfig, db *gorm.DB, pub Publisher, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:    cfg,
		dcfg:   dcfg,
		db:     db,
		pub:    pub,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the poll loop in a goroutine.
func (s *Scheduler) Start() {
	interval := time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	s.logger.Info("Scheduler started",
		zap.Duration("poll_interval", interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				s.logger.Info("Scheduler stopped")
				return
			case <-ticker.C:
				if n, err := s.PollOnce(s.ctx); err != nil {
					s.logger.Error("Scheduler poll failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("Scheduler re-queued due deliveries", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop stops the poll loop.
func (s *Scheduler) Stop() {
	s.cancel()
}

// PollOnce runs one scheduling pass and returns how many deliveries were
// re-queued.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	if err := s.resetStaleDelivering(ctx, now); err != nil {
		s.logger.Warn("Failed to reset stale delivering rows", zap.Error(err))
	}

	due, err := s.findDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to find due deliveries: %w", err)
	}

	queued := 0
	for _, d := range due {
		if err := s.enqueue(ctx, d, now); err != nil {
			s.logger.Error("Failed to re-queue delivery",
				zap.String("delivery_id", d.ID.String()),
				zap.Error(err),
			)
			continue
		}
		queued++
		metrics.RetriesScheduled.Inc()
	}

	return queued, nil
}

// findDue selects retryable deliveries whose next_attempt_at has passed and
// pending deliveries that were never queued (their publish was lost).
func (s *Scheduler) findDue(ctx context.Context, now time.Time) ([]models.Delivery, error) {
	var due []models.Delivery
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_attempt_at <= ? AND (queued_at IS NULL OR queued_at < next_attempt_at)",
			models.StatusFailedRetryable, now).
		Or("status = ? AND queued_at IS NULL AND is_test = ? AND created_at <= ?",
			models.StatusPending, false, now.Add(-pendingGrace)).
		Order("created_at").
		Limit(s.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	return due, nil
}

// enqueue publishes the delivery message and marks the row as queued so the
// next poll pass skips it.
func (s *Scheduler) enqueue(ctx context.Context, d models.Delivery, now time.Time) error {
	body, err := json.Marshal(models.DeliveryMessage{DeliveryID: d.ID.String()})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery message: %w", err)
	}

	if err := s.pub.PublishMessage(s.dcfg.DeliveryExchange, s.dcfg.DeliveryRoutingKey, body); err != nil {
		return fmt.Errorf("failed to publish delivery message: %w", err)
	}

	return s.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("id = ?", d.ID).
		Updates(map[string]interface{}{
			"queued_at":  now,
			"updated_at": now,
		}).Error
}

// resetStaleDelivering returns rows orphaned mid-attempt (worker crash) to
// pending so the recovery path re-queues them. At-least-once semantics: the
// subscriber may see the same event twice after a crash.
func (s *Scheduler) resetStaleDelivering(ctx context.Context, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Delivery{}).
		Where("status = ? AND updated_at < ?", models.StatusDelivering, now.Add(-staleGrace)).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"queued_at":  nil,
			"updated_at": now,
		}).Error
}
