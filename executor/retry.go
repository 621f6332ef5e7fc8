package executor

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// GetWithRetry is a bounded exponential-backoff wrapper above the
// single-retry token-refresh mechanism, meant for transient-network
// recovery rather than auth recovery. Attempt i waits min(2^i, maxdelay)
// seconds before the next try. Unauthorized, forbidden, not-found, and
// cancelled outcomes are terminal: retrying them wastes a round trip and
// obscures the real failure. After maxAttempts the last observed error is
// returned. maxAttempts <= 0 uses the configured default.
func (e *Executor) GetWithRetry(ctx context.Context, url string, maxAttempts int, useToken bool, opts ...RequestOption) ([]byte, error) {
	if maxAttempts <= 0 {
		maxAttempts = e.defaultAttempts
	}

	result, err := retry.NewWithData[*Result](
		retry.Context(ctx),
		retry.Attempts(uint(maxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryableOutcome),
		retry.DelayType(func(n uint, _ error, _ retry.DelayContext) time.Duration {
			return backoffDelay(n, e.maxRetryDelay)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.log.Warn().
				Err(err).
				Str("url", url).
				Int64("attempt", int64(n)).
				Msg("retrying after transient failure")
		}),
	).Do(func() (*Result, error) {
		return e.GetContext(ctx, url, useToken, opts...)
	})
	if err != nil {
		return nil, err
	}
	return result.Body, nil
}

// retryableOutcome reports whether a classified outcome is worth another
// round trip.
func retryableOutcome(err error) bool {
	if err == nil {
		return false
	}
	if IsErrorType(err, CancelledError) || IsErrorType(err, UnauthorizedError) {
		return false
	}
	if status, ok := StatusCode(err); ok {
		switch status {
		case 401, 403, 404:
			return false
		}
	}
	return true
}

// backoffDelay implements the min(2^i, cap) schedule. retry-go numbers
// retries from 1, so the wait before the second attempt is 2^0 seconds.
func backoffDelay(n uint, maxDelay time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 6 {
		// 2^5 seconds already exceeds any sensible cap.
		n = 6
	}
	d := time.Duration(1<<(n-1)) * time.Second
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
