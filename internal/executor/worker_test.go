package executor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relayforge/webhookd/internal/credits"
	"github.com/relayforge/webhookd/internal/models"
)

func TestWorkerHandleEventRunsDelivery(t *testing.T) {
	db := newTestDB(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := seedSubscription(t, db, server.URL, true)
	delivery := seedDelivery(t, db, sub, models.StatusPending, 0)

	exec := newTestExecutor(t, db, credits.Unlimited{})
	worker := NewWorker(testDeliveryConfig(), nil, exec, zap.NewNop())

	body, err := json.Marshal(models.DeliveryMessage{DeliveryID: delivery.ID.String()})
	require.NoError(t, err)
	require.NoError(t, worker.HandleEvent(body))

	assert.Equal(t, models.StatusSucceeded, reload(t, db, delivery.ID).Status)
}

func TestWorkerHandleEventAcksGarbage(t *testing.T) {
	db := newTestDB(t)

	exec := newTestExecutor(t, db, credits.Unlimited{})
	worker := NewWorker(testDeliveryConfig(), nil, exec, zap.NewNop())

	// Neither a malformed message nor a bad UUID is worth redelivering.
	require.NoError(t, worker.HandleEvent([]byte("{not json")))
	require.NoError(t, worker.HandleEvent([]byte(`{"delivery_id":"banana"}`)))
}
