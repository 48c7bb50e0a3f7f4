package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/fluentwork/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

// upstreamPolicy bounds every collaborator call: each attempt gets its own
// timeout, and a failed attempt is retried once after a backoff.
type upstreamPolicy struct {
	timeout time.Duration
	backoff time.Duration
	retries uint64
}

// callUpstream runs op under the policy. The final failure is reported as
// ErrUpstreamUnavailable wrapping the last attempt's error.
func callUpstream[T any](ctx context.Context, p upstreamPolicy, logger *slog.Logger, call string, op func(context.Context) (T, error)) (T, error) {
	var out T

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.backoff
	bo.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		v, err := op(attemptCtx)
		if err != nil {
			logger.Warn("upstream call failed", "call", call, "attempt", attempt, "error", err)
			return err
		}
		out = v
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, p.retries), ctx))
	if err != nil {
		return out, fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrUpstreamUnavailable, call, attempt, err)
	}
	return out, nil
}
