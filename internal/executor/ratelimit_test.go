package executor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSubscriberLimiterBurst(t *testing.T) {
	l := newSubscriberLimiter()
	id := uuid.New()

	// 60/min allows a burst of 15, then throttles.
	for i := 0; i < 15; i++ {
		assert.True(t, l.allow(id, 60), "request %d", i)
	}
	assert.False(t, l.allow(id, 60))
}

func TestSubscriberLimiterIsPerSubscription(t *testing.T) {
	l := newSubscriberLimiter()
	a, b := uuid.New(), uuid.New()

	assert.True(t, l.allow(a, 4))
	assert.False(t, l.allow(a, 4))
	assert.True(t, l.allow(b, 4))
}

func TestSubscriberLimiterPicksUpQuotaChange(t *testing.T) {
	l := newSubscriberLimiter()
	id := uuid.New()

	// Exhaust the burst at the old quota.
	assert.True(t, l.allow(id, 4))
	assert.False(t, l.allow(id, 4))

	// Raising max_rate_per_min rebuilds the limiter with a fresh burst.
	for i := 0; i < 15; i++ {
		assert.True(t, l.allow(id, 60), "request %d", i)
	}
	assert.False(t, l.allow(id, 60))

	// Lifting the quota entirely drops the limiter.
	assert.True(t, l.allow(id, 0))
}

func TestSubscriberLimiterZeroQuotaIsUnlimited(t *testing.T) {
	l := newSubscriberLimiter()
	id := uuid.New()

	for i := 0; i < 100; i++ {
		assert.True(t, l.allow(id, 0))
	}
}
