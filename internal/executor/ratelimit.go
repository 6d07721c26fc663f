package executor

import (
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// subscriberLimiter throttles outbound deliveries per subscription. A
// subscription's max_rate_per_min is spread evenly over the minute, with a
// burst of up to a quarter of the quota.
type subscriberLimiter struct {
	mu       sync.Mutex
	limiters map[uuid.UUID]*limiterEntry
}

// limiterEntry remembers the quota the limiter was built for, so a
// subscription update replaces the limiter instead of throttling at the
// old rate forever.
type limiterEntry struct {
	maxPerMin int
	lim       *rate.Limiter
}

func newSubscriberLimiter() *subscriberLimiter {
	return &subscriberLimiter{limiters: make(map[uuid.UUID]*limiterEntry)}
}

// allow reports whether a delivery to the subscription may go out now.
func (l *subscriberLimiter) allow(subscriptionID uuid.UUID, maxPerMin int) bool {
	if maxPerMin <= 0 {
		l.mu.Lock()
		delete(l.limiters, subscriptionID)
		l.mu.Unlock()
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[subscriptionID]
	if !ok || entry.maxPerMin != maxPerMin {
		burst := maxPerMin / 4
		if burst < 1 {
			burst = 1
		}
		entry = &limiterEntry{
			maxPerMin: maxPerMin,
			lim:       rate.NewLimiter(rate.Limit(float64(maxPerMin)/60.0), burst),
		}
		l.limiters[subscriptionID] = entry
	}
	l.mu.Unlock()

	return entry.lim.Allow()
}
