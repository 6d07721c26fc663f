package fanout

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/models"
)

func TestConsumerHandleEventCreatesDeliveries(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	seedSubscription(t, db, owner, models.EventTypeSet{models.UserDeleted}, true)

	f := New(testConfig(), db, pub, zap.NewNop())
	c := NewConsumer(testConfig(), nil, f, zap.NewNop())

	body, err := json.Marshal(models.EventEnvelope{
		EventType: models.UserDeleted,
		OwnerID:   owner,
		Payload:   json.RawMessage(`{"user_id":"u_1"}`),
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleEvent(body))

	var count int64
	require.NoError(t, db.Model(&models.Delivery{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Len(t, pub.published, 1)
}

func TestConsumerHandleEventNormalizesEventType(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	seedSubscription(t, db, owner, models.EventTypeSet{models.PaymentSucceeded}, true)

	f := New(testConfig(), db, pub, zap.NewNop())
	c := NewConsumer(testConfig(), nil, f, zap.NewNop())

	body, err := json.Marshal(map[string]interface{}{
		"event_type": "PAYMENT.SUCCEEDED",
		"owner_id":   owner.String(),
		"payload":    map[string]int{"amount": 100},
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleEvent(body))

	// A shouting producer still reaches subscribers registered under the
	// canonical name.
	var d models.Delivery
	require.NoError(t, db.First(&d).Error)
	assert.Equal(t, string(models.PaymentSucceeded), d.EventType)

	var delivered models.DeliveryBody
	require.NoError(t, json.Unmarshal(d.Payload, &delivered))
	assert.Equal(t, models.PaymentSucceeded, delivered.EventType)
}

func TestConsumerHandleEventAcksGarbage(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}

	f := New(testConfig(), db, pub, zap.NewNop())
	c := NewConsumer(testConfig(), nil, f, zap.NewNop())

	// Malformed JSON and unknown event types can never become valid, so
	// both are dropped without error.
	require.NoError(t, c.HandleEvent([]byte("{not json")))
	require.NoError(t, c.HandleEvent([]byte(`{"event_type":"comet.sighted","owner_id":"`+uuid.NewString()+`"}`)))

	var count int64
	require.NoError(t, db.Model(&models.Delivery{}).Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, pub.published)
}

func TestConsumerHandleEventDefaultsTimestamp(t *testing.T) {
	db := newTestDB(t)
	pub := &fakePublisher{}
	owner := uuid.New()

	seedSubscription(t, db, owner, models.EventTypeSet{models.UserDeleted}, true)

	f := New(testConfig(), db, pub, zap.NewNop())
	c := NewConsumer(testConfig(), nil, f, zap.NewNop())

	body, err := json.Marshal(map[string]interface{}{
		"event_type": "user.deleted",
		"owner_id":   owner.String(),
		"payload":    map[string]string{"user_id": "u_1"},
	})
	require.NoError(t, err)
	require.NoError(t, c.HandleEvent(body))

	var d models.Delivery
	require.NoError(t, db.First(&d).Error)

	var delivered models.DeliveryBody
	require.NoError(t, json.Unmarshal(d.Payload, &delivered))
	assert.False(t, delivered.Timestamp.IsZero())
}
