package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/relayforge/webhookd/internal/config"
	"github.com/relayforge/webhookd/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Subscription{}, &models.Delivery{}, &models.DeliveryAttempt{}))
	return db
}

type fakePublisher struct {
	published [][]byte
	err       error
}

func (p *fakePublisher) PublishMessage(exchange, routingKey string, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, body)
	return nil
}

func newTestScheduler(t *testing.T, db *gorm.DB, pub Publisher) *Scheduler {
	t.Helper()
	return NewScheduler(
		&config.SchedulerConfig{PollIntervalSeconds: 10, BatchSize: 100},
		&config.DeliveryConfig{DeliveryRoutingKey: "webhook.deliveries"},
		db, pub, zap.NewNop(),
	)
}

type deliveryOpts struct {
	status        string
	nextAttemptAt *time.Time
	queuedAt      *time.Time
	createdAt     time.Time
	updatedAt     time.Time
	isTest        bool
}

func seedDelivery(t *testing.T, db *gorm.DB, opts deliveryOpts) *models.Delivery {
	t.Helper()

	now := time.Now().UTC()
	if opts.createdAt.IsZero() {
		opts.createdAt = now
	}
	if opts.updatedAt.IsZero() {
		opts.updatedAt = now
	}

	d := models.Delivery{
		ID:             uuid.New(),
		SubscriptionID: uuid.New(),
		EventType:      string(models.PaymentSucceeded),
		Payload:        []byte(`{}`),
		AttemptCount:   1,
		MaxAttempts:    5,
		Status:         opts.status,
		NextAttemptAt:  opts.nextAttemptAt,
		QueuedAt:       opts.queuedAt,
		IsTest:         opts.isTest,
		CreatedAt:      opts.createdAt,
		UpdatedAt:      opts.updatedAt,
	}
	require.NoError(t, db.Create(&d).Error)
	return &d
}

func timep(v time.Time) *time.Time { return &v }

func TestPollOnceQueuesDueRetries(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	now := time.Now().UTC()

	due := seedDelivery(t, db, deliveryOpts{
		status:        models.StatusFailedRetryable,
		nextAttemptAt: timep(now.Add(-time.Minute)),
	})
	seedDelivery(t, db, deliveryOpts{
		status:        models.StatusFailedRetryable,
		nextAttemptAt: timep(now.Add(time.Hour)),
	})

	s := newTestScheduler(t, db, pub)
	n, err := s.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.published, 1)
	var msg models.DeliveryMessage
	require.NoError(t, json.Unmarshal(pub.published[0], &msg))
	assert.Equal(t, due.ID.String(), msg.DeliveryID)

	var got models.Delivery
	require.NoError(t, db.Where("id = ?", due.ID).First(&got).Error)
	assert.NotNil(t, got.QueuedAt)
}

func TestPollOnceSkipsAlreadyQueuedRetries(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	now := time.Now().UTC()

	// Queued after the retry was scheduled: some worker already has it.
	seedDelivery(t, db, deliveryOpts{
		status:        models.StatusFailedRetryable,
		nextAttemptAt: timep(now.Add(-2 * time.Minute)),
		queuedAt:      timep(now.Add(-time.Minute)),
	})

	s := newTestScheduler(t, db, pub)
	n, err := s.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.published)
}

func TestPollOnceRequeuesStaleQueuedRetry(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	now := time.Now().UTC()

	// Queued before this retry was scheduled, so that publish belonged to
	// the previous attempt. The row is due again.
	seedDelivery(t, db, deliveryOpts{
		status:        models.StatusFailedRetryable,
		nextAttemptAt: timep(now.Add(-time.Minute)),
		queuedAt:      timep(now.Add(-time.Hour)),
	})

	s := newTestScheduler(t, db, pub)
	n, err := s.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPollOnceRecoversLostPendingPublish(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	now := time.Now().UTC()

	lost := seedDelivery(t, db, deliveryOpts{
		status:    models.StatusPending,
		createdAt: now.Add(-5 * time.Minute),
	})
	// Fresh pending rows get a grace period before re-publish.
	seedDelivery(t, db, deliveryOpts{
		status:    models.StatusPending,
		createdAt: now.Add(-10 * time.Second),
	})
	// Test deliveries run synchronously and are never re-queued.
	seedDelivery(t, db, deliveryOpts{
		status:    models.StatusPending,
		createdAt: now.Add(-5 * time.Minute),
		isTest:    true,
	})

	s := newTestScheduler(t, db, pub)
	n, err := s.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.published, 1)
	var msg models.DeliveryMessage
	require.NoError(t, json.Unmarshal(pub.published[0], &msg))
	assert.Equal(t, lost.ID.String(), msg.DeliveryID)
}

func TestPollOnceResetsStaleDelivering(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	now := time.Now().UTC()

	orphaned := seedDelivery(t, db, deliveryOpts{
		status:    models.StatusDelivering,
		queuedAt:  timep(now.Add(-time.Hour)),
		updatedAt: now.Add(-time.Hour),
	})
	inFlight := seedDelivery(t, db, deliveryOpts{
		status:    models.StatusDelivering,
		updatedAt: now.Add(-time.Minute),
	})

	s := newTestScheduler(t, db, pub)
	_, err := s.PollOnce(context.Background())
	require.NoError(t, err)

	var got models.Delivery
	require.NoError(t, db.Where("id = ?", orphaned.ID).First(&got).Error)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Nil(t, got.QueuedAt)

	got = models.Delivery{}
	require.NoError(t, db.Where("id = ?", inFlight.ID).First(&got).Error)
	assert.Equal(t, models.StatusDelivering, got.Status)
}

func TestPollOnceLeavesRowUnqueuedOnPublishFailure(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{err: errors.New("broker down")}
	now := time.Now().UTC()

	d := seedDelivery(t, db, deliveryOpts{
		status:        models.StatusFailedRetryable,
		nextAttemptAt: timep(now.Add(-time.Minute)),
	})

	s := newTestScheduler(t, db, pub)
	n, err := s.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Still eligible for the next pass.
	var got models.Delivery
	require.NoError(t, db.Where("id = ?", d.ID).First(&got).Error)
	assert.Nil(t, got.QueuedAt)
}

func TestPollOnceRespectsBatchSize(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		seedDelivery(t, db, deliveryOpts{
			status:        models.StatusFailedRetryable,
			nextAttemptAt: timep(now.Add(-time.Minute)),
		})
	}

	s := NewScheduler(
		&config.SchedulerConfig{PollIntervalSeconds: 10, BatchSize: 3},
		&config.DeliveryConfig{DeliveryRoutingKey: "webhook.deliveries"},
		db, pub, zap.NewNop(),
	)
	n, err := s.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
