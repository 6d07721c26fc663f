package executor

import (
	"fmt"
	"time"

	"github.com/relayforge/webhookd/internal/scheduler"
)

// Verdict is the failure class of one delivery attempt.
type Verdict int

const (
	// VerdictSucceeded: response status in [200,300).
	VerdictSucceeded Verdict = iota
	// VerdictRetryable: a failure presumed transient (5xx, 429, timeout,
	// connection refused/reset).
	VerdictRetryable
	// VerdictTerminal: a failure that retrying cannot fix (other 4xx,
	// malformed URL).
	VerdictTerminal
)

// Classification is the classified outcome of an attempt.
type Classification struct {
	Verdict    Verdict
	RetryAfter *time.Duration // 429 Retry-After hint, when usable
	Detail     string
}

// Classify maps a raw attempt result onto the error taxonomy.
func Classify(result *AttemptResult, now time.Time) Classification {
	if result.MalformedURL {
		return Classification{
			Verdict: VerdictTerminal,
			Detail:  "malformed URL",
		}
	}

	if result.Err != nil {
		// Timeouts, refused/reset connections, DNS failures
		return Classification{
			Verdict: VerdictRetryable,
			Detail:  fmt.Sprintf("network error: %v", result.Err),
		}
	}

	if result.HTTPStatus == nil {
		return Classification{
			Verdict: VerdictRetryable,
			Detail:  "no HTTP status received",
		}
	}

	status := *result.HTTPStatus

	switch {
	case status >= 200 && status < 300:
		return Classification{Verdict: VerdictSucceeded}

	case status == 429:
		cls := Classification{
			Verdict: VerdictRetryable,
			Detail:  "rate limited (429)",
		}
		if d, ok := scheduler.ParseRetryAfter(result.RetryAfter, now); ok && d > 0 {
			cls.RetryAfter = &d
		}
		return cls

	case status >= 500:
		return Classification{
			Verdict: VerdictRetryable,
			Detail:  fmt.Sprintf("HTTP %d", status),
		}

	default:
		// Remaining 4xx (and the odd unfollowed 3xx): the subscriber
		// rejected the request definitionally, retrying cannot succeed.
		return Classification{
			Verdict: VerdictTerminal,
			Detail:  fmt.Sprintf("HTTP %d", status),
		}
	}
}
