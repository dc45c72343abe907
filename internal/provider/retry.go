package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryPolicy bounds how often and how quickly a request is retried.
type retryPolicy struct {
	retries int           // attempts after the first
	base    time.Duration // backoff before retry n is base*n*n plus up to 50% jitter
}

// speechRetry allows a single quick retry; the caller's deadline still
// bounds the total time spent.
var speechRetry = retryPolicy{retries: 1, base: 150 * time.Millisecond}

// retryableError is a transient upstream status (5xx or 429).
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes a request, retrying transport failures, 5xx and 429
// under the given policy. Other statuses are returned to the caller as-is.
func doWithRetry(ctx context.Context, client *http.Client, policy retryPolicy, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= policy.retries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * policy.base
			backoff := base + time.Duration(rand.Int64N(int64(base/2+1)))
			logger.Warn("retrying request", "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = &retryableError{statusCode: resp.StatusCode, body: string(body)}
			continue
		}

		return resp, nil
	}

	return nil, fmt.Errorf("after %d attempts: %w", policy.retries+1, lastErr)
}
