package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/relayforge/webhookd/internal/models"
)

// AttemptResult captures the raw outcome of one HTTP delivery attempt.
type AttemptResult struct {
	HTTPStatus   *int
	LatencyMs    int
	ResponseBody string
	RetryAfter   string
	MalformedURL bool
	Err          error
}

// send performs one HTTP POST of the stored payload bytes to the target
// URL. The signature is computed over exactly the bytes sent. Network and
// timeout failures are returned in the result, never as an error value, so
// a broken subscriber can never break the caller.
func (e *Executor) send(ctx context.Context, delivery *models.Delivery, subscription *models.Subscription) *AttemptResult {
	result := &AttemptResult{}
	payload := delivery.Payload

	u, err := url.Parse(subscription.URL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.MalformedURL = true
		result.Err = fmt.Errorf("malformed target URL: %q", subscription.URL)
		return result
	}

	// A subscription timeout shorter than the client default wins; the
	// client's own timeout still caps the request either way.
	if subscription.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(subscription.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscription.URL, bytes.NewReader(payload))
	if err != nil {
		result.MalformedURL = true
		result.Err = fmt.Errorf("failed to build request: %w", err)
		return result
	}

	// Custom headers first: the reserved ones below always overwrite them.
	for name, value := range subscription.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "webhookd/1.0")
	req.Header.Set("X-Signature", Sign(subscription.Secret, payload))
	req.Header.Set("X-Event-Type", delivery.EventType)
	req.Header.Set("X-Webhook-Delivery", delivery.ID.String())

	start := time.Now()
	resp, err := e.client.Do(req)
	result.LatencyMs = int(time.Since(start).Milliseconds())
	if err != nil {
		result.Err = fmt.Errorf("HTTP request failed: %w", err)
		return result
	}
	defer resp.Body.Close()

	result.HTTPStatus = &resp.StatusCode
	result.RetryAfter = resp.Header.Get("Retry-After")

	// Read at most MaxResponseBodySize bytes; the rest is discarded.
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(e.cfg.MaxResponseBodySize)))
	if readErr != nil {
		e.logger.Warn("Failed to read response body")
	}
	result.ResponseBody = string(body)

	return result
}
