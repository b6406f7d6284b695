package db

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds RetryQuery.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry is called before each retry with the failed attempt's error.
	OnRetry func(err error, next time.Duration)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// RetryQuery runs op, retrying transient failures with exponential backoff.
// Non-transient errors are returned after the first attempt.
func RetryQuery[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	defaults := DefaultRetryPolicy()
	if policy.MaxTries == 0 {
		policy.MaxTries = defaults.MaxTries
	}
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaults.MaxInterval
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(policy.MaxTries),
	}
	if policy.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(policy.OnRetry)))
	}

	return backoff.Retry(ctx, func() (T, error) {
		result, err := op(ctx)
		if err != nil && !IsTransientErr(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, opts...)
}

// RetryExec is RetryQuery for statements without a result.
func RetryExec(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	_, err := RetryQuery(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
