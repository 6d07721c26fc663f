package scheduler

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Policy computes retry timing for retryable delivery failures.
// Delays grow exponentially from BaseDelay, are capped at MaxDelay, and get
// ±20% jitter so a struggling subscriber is not hit by synchronized retries.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

const jitterFraction = 0.2

// RawDelay returns the un-jittered delay after attemptCount attempts have
// been made: BaseDelay * 2^(attemptCount-1), capped at MaxDelay.
func (p Policy) RawDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attemptCount; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay < 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Delay returns the jittered delay after attemptCount attempts. The result
// never exceeds MaxDelay.
func (p Policy) Delay(attemptCount int) time.Duration {
	delay := p.RawDelay(attemptCount)

	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	delay = time.Duration(float64(delay) * jitter)

	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// NextRetry decides the retry schedule after a retryable failure.
// attemptCount is the number of attempts already made. retryAfter, when
// non-nil, is the subscriber's Retry-After hint and takes precedence over
// the computed backoff, bounded by MaxDelay. Returns ok=false when the
// attempt ceiling is exhausted and the delivery must go terminal.
func (p Policy) NextRetry(now time.Time, attemptCount, maxAttempts int, retryAfter *time.Duration) (time.Time, bool) {
	if attemptCount >= maxAttempts {
		return time.Time{}, false
	}

	if retryAfter != nil && *retryAfter > 0 {
		delay := *retryAfter
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		return now.Add(delay), true
	}

	return now.Add(p.Delay(attemptCount)), true
}

// ParseRetryAfter parses a Retry-After header value, either delay-seconds
// or an HTTP date. Returns false for absent or unusable values.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			return 0, false
		}
		return d, true
	}

	return 0, false
}
