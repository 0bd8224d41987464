package providers

import (
	"context"
	"time"

	"github.com/outpost9/coderunner/internal/backoff"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name          string
	maxRetries    int
	backoffPolicy backoff.BackoffPolicy
}

// NewBaseProvider creates a base provider with sane defaults: 3 attempts,
// 2s initial backoff doubling up to a 30s cap.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		backoffPolicy: backoff.BackoffPolicy{
			InitialMs: float64(retryDelay.Milliseconds()),
			MaxMs:     30000,
			Factor:    2,
		},
	}
}

// Retry executes op with exponential backoff (doubling, capped at 30s) if
// isRetryable returns true.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
			if isRetryable == nil || !isRetryable(err) {
				return err
			}
			if attempt >= b.maxRetries {
				break
			}
			if err := backoff.SleepWithBackoff(ctx, b.backoffPolicy, attempt); err != nil {
				return err
			}
		}
	}
	return lastErr
}
