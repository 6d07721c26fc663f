package executor

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relayforge/webhookd/internal/models"
)

// loadDelivery fetches a delivery row, or nil if it does not exist.
func loadDelivery(db *gorm.DB, id uuid.UUID) (*models.Delivery, error) {
	var d models.Delivery
	err := db.Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// loadSubscription fetches the subscription including soft-deleted rows, so
// the executor can tell "deleted" apart from "never existed". Returns nil
// when the row is gone entirely.
func loadSubscription(db *gorm.DB, id uuid.UUID) (*models.Subscription, error) {
	var s models.Subscription
	err := db.Unscoped().Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// claimDelivery transitions the row to delivering, but only from pending or
// failed_retryable and only while attempt_count still matches the snapshot
// the caller loaded. The guarded update is the per-record mutual exclusion:
// of two racing workers exactly one sees RowsAffected == 1, and a worker
// holding a stale snapshot (the row was attempted again after it loaded)
// fails the claim instead of replaying the old attempt number.
func claimDelivery(db *gorm.DB, id uuid.UUID, attemptCount int) (bool, error) {
	res := db.Model(&models.Delivery{}).
		Where("id = ? AND status IN ? AND attempt_count = ?",
			id, []string{models.StatusPending, models.StatusFailedRetryable}, attemptCount).
		Updates(map[string]interface{}{
			"status":     models.StatusDelivering,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// deferDelivery returns a claimed row to pending without consuming an
// attempt. Clearing queued_at makes the scheduler's recovery pass pick it
// up again later.
func deferDelivery(db *gorm.DB, id uuid.UUID) error {
	return db.Model(&models.Delivery{}).
		Where("id = ? AND status = ?", id, models.StatusDelivering).
		Updates(map[string]interface{}{
			"status":     models.StatusPending,
			"queued_at":  nil,
			"updated_at": time.Now().UTC(),
		}).Error
}

// finalize applies the post-attempt transition. Guarded on delivering so a
// terminal row can never be overwritten.
type finalizeParams struct {
	Status        string
	AttemptCount  int
	FailureReason *string
	LastHTTPStat  *int
	LastError     *string
	NextAttemptAt *time.Time // set iff Status == failed_retryable
}

func finalizeDelivery(db *gorm.DB, id uuid.UUID, p finalizeParams) error {
	updates := map[string]interface{}{
		"status":          p.Status,
		"attempt_count":   p.AttemptCount,
		"next_attempt_at": p.NextAttemptAt,
		"updated_at":      time.Now().UTC(),
	}
	if p.FailureReason != nil {
		updates["failure_reason"] = *p.FailureReason
	}
	if p.LastHTTPStat != nil {
		updates["last_http_status"] = *p.LastHTTPStat
	}
	if p.LastError != nil {
		updates["last_error"] = *p.LastError
	}

	return db.Model(&models.Delivery{}).
		Where("id = ? AND status = ?", id, models.StatusDelivering).
		Updates(updates).Error
}

// recordAttempt writes the audit log row for one attempt.
func recordAttempt(db *gorm.DB, deliveryID uuid.UUID, attemptNo int, startedAt, finishedAt time.Time, result *AttemptResult, attemptErr *string) error {
	attempt := models.DeliveryAttempt{
		DeliveryID: deliveryID,
		AttemptNo:  attemptNo,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		LatencyMs:  result.LatencyMs,
		HTTPStatus: result.HTTPStatus,
		Error:      attemptErr,
		CreatedAt:  time.Now().UTC(),
	}
	if result.ResponseBody != "" {
		body := result.ResponseBody
		attempt.ResponseBody = &body
	}
	return db.Create(&attempt).Error
}

// bumpSubscriptionStats updates the per-subscription delivery counters.
func bumpSubscriptionStats(db *gorm.DB, subscriptionID uuid.UUID, success bool, at time.Time) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	return db.Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Updates(map[string]interface{}{
			column:            gorm.Expr(column + " + 1"),
			"last_attempt_at": at,
		}).Error
}
