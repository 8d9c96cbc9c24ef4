package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/eth2030/proofgateway/config"
)

// withRetry runs fn up to policy.MaxRetries+1 times with exponential
// backoff between attempts, §4.G ("exponential backoff with configured
// min-delay, max-delay, backoff factor, max retries"). A
// *ErrTransactionReverted is never retried — a contract-level rejection
// is not a transient failure, §C.4.
func withRetry(ctx context.Context, policy config.RetryPolicy, fn func(ctx context.Context) error) error {
	delay := time.Duration(policy.MinDelayMS) * time.Millisecond
	maxDelay := time.Duration(policy.MaxDelayMS) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var reverted *ErrTransactionReverted
		if errors.As(lastErr, &reverted) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= time.Duration(policy.Factor)
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return lastErr
}
