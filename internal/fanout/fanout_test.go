package fanout

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

// fakePublisher records published messages in memory.
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

func testConfig() *config.DeliveryConfig {
	return &config.DeliveryConfig{
		DeliveryExchange:   "",
		DeliveryRoutingKey: "webhook.deliveries",
		MaxAttempts:        5,
	}
}

func seedSubscription(t *testing.T, db *gorm.DB, ownerID uuid.UUID, eventTypes models.EventTypeSet, active bool) *models.Subscription {
	t.Helper()

	now := time.Now().UTC()
	sub := models.Subscription{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		URL:           "https://hooks.example.com/receive",
		Secret:        "whsec_fanout_test",
		EventTypes:    eventTypes,
		Active:        active,
		MaxRatePerMin: 60,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, db.Create(&sub).Error)
	return &sub
}

func envelope(ownerID uuid.UUID, eventType models.EventType) models.EventEnvelope {
	return models.EventEnvelope{
		EventType: eventType,
		OwnerID:   ownerID,
		Payload:   json.RawMessage(`{"invoice_id":"inv_123"}`),
		Timestamp: time.Now().UTC(),
	}
}

func TestFanCreatesDeliveryPerMatchingSubscription(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	matching1 := seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, true)
	matching2 := seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid, models.InvoiceCreated}, true)
	seedSubscription(t, db, owner, models.EventTypeSet{models.UserCreated}, true)      // different event
	seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, false)     // inactive
	seedSubscription(t, db, uuid.New(), models.EventTypeSet{models.InvoicePaid}, true) // different owner

	f := New(testConfig(), db, pub, zap.NewNop())
	deliveries, err := f.Fan(context.Background(), envelope(owner, models.InvoicePaid))
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	subIDs := map[uuid.UUID]bool{}
	for _, d := range deliveries {
		subIDs[d.SubscriptionID] = true
		assert.Equal(t, models.StatusPending, d.Status)
		assert.Equal(t, 0, d.AttemptCount)
		assert.Equal(t, 5, d.MaxAttempts)
		assert.Nil(t, d.NextAttemptAt)
		assert.NotNil(t, d.QueuedAt)
	}
	assert.True(t, subIDs[matching1.ID])
	assert.True(t, subIDs[matching2.ID])

	// One broker message per delivery.
	assert.Len(t, pub.published, 2)
}

func TestFanHonorsSubscriptionMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	defaulted := seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, true)
	tight := seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, true)
	require.NoError(t, db.Model(&models.Subscription{}).
		Where("id = ?", tight.ID).
		Update("max_attempts", 2).Error)

	f := New(testConfig(), db, pub, zap.NewNop())
	deliveries, err := f.Fan(context.Background(), envelope(owner, models.InvoicePaid))
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	bySub := map[uuid.UUID]int{}
	for _, d := range deliveries {
		bySub[d.SubscriptionID] = d.MaxAttempts
	}
	assert.Equal(t, 5, bySub[defaulted.ID])
	assert.Equal(t, 2, bySub[tight.ID])
}

func TestFanNoMatchIsNoOp(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	seedSubscription(t, db, owner, models.EventTypeSet{models.UserCreated}, true)

	f := New(testConfig(), db, pub, zap.NewNop())
	deliveries, err := f.Fan(context.Background(), envelope(owner, models.PaymentFailed))
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Empty(t, pub.published)

	var count int64
	require.NoError(t, db.Model(&models.Delivery{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestFanSnapshotsPayloadBytes(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, true)
	seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, true)

	env := envelope(owner, models.InvoicePaid)
	f := New(testConfig(), db, pub, zap.NewNop())
	deliveries, err := f.Fan(context.Background(), env)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)

	// Both deliveries carry the exact same serialized envelope, and it
	// round-trips through the database unchanged.
	assert.Equal(t, deliveries[0].Payload, deliveries[1].Payload)

	var stored models.Delivery
	require.NoError(t, db.Where("id = ?", deliveries[0].ID).First(&stored).Error)
	assert.Equal(t, []byte(deliveries[0].Payload), stored.Payload)

	var body models.DeliveryBody
	require.NoError(t, json.Unmarshal(stored.Payload, &body))
	assert.Equal(t, models.InvoicePaid, body.EventType)
	assert.JSONEq(t, string(env.Payload), string(body.Payload))
}

func TestFanSurvivesPublishFailure(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{err: errors.New("broker down")}
	owner := uuid.New()

	seedSubscription(t, db, owner, models.EventTypeSet{models.InvoicePaid}, true)

	f := New(testConfig(), db, pub, zap.NewNop())
	deliveries, err := f.Fan(context.Background(), envelope(owner, models.InvoicePaid))
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	// The row exists with queued_at unset; the scheduler re-queues it.
	var stored models.Delivery
	require.NoError(t, db.Where("id = ?", deliveries[0].ID).First(&stored).Error)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Nil(t, stored.QueuedAt)
}

func TestEnqueueMarksDeliveryQueued(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	sub := seedSubscription(t, db, owner, models.EventTypeSet{models.WebhookTest}, true)

	f := New(testConfig(), db, pub, zap.NewNop())
	delivery, err := f.CreateDelivery(context.Background(), sub, envelope(owner, models.WebhookTest), 1, true)
	require.NoError(t, err)
	assert.Nil(t, delivery.QueuedAt)
	assert.True(t, delivery.IsTest)
	assert.Equal(t, 1, delivery.MaxAttempts)

	require.NoError(t, f.Enqueue(context.Background(), delivery))
	assert.NotNil(t, delivery.QueuedAt)

	require.Len(t, pub.published, 1)
	var msg models.DeliveryMessage
	require.NoError(t, json.Unmarshal(pub.published[0], &msg))
	assert.Equal(t, delivery.ID.String(), msg.DeliveryID)
}
