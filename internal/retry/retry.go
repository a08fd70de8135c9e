// Package retry runs operations under bounded exponential backoff. Only errors
// the Retryable predicate accepts are retried; anything else stops at once.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cgb37/quart-mysql-scaffold/internal/autherr"
)

type Policy struct {
	Name       string
	Attempts   uint
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
	Retryable  func(error) bool
	OnAttempt  func(err error, wait time.Duration)
}

// Default retries infrastructure failures five times, 200ms doubling to 5s.
func Default(name string) Policy {
	return Policy{
		Name:       name,
		Attempts:   5,
		Initial:    200 * time.Millisecond,
		Max:        5 * time.Second,
		MaxElapsed: 30 * time.Second,
		Retryable:  autherr.Retryable,
	}
}

var (
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_retry_attempts_total",
		Help: "Total retry attempts (including final).",
	}, []string{"name"})
	retryExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authcore_retry_exhausted_total",
		Help: "Operations that failed after retrying or on a permanent error.",
	}, []string{"name"})
)

// Do runs fn until it succeeds, returns a non-retryable error, or the policy is exhausted.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	name := p.Name
	if name == "" {
		name = "default"
	}
	isRetryable := p.Retryable
	if isRetryable == nil {
		isRetryable = func(err error) bool { return err != nil }
	}

	b := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if p.Attempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.Attempts))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if p.OnAttempt != nil {
		opts = append(opts, backoff.WithNotify(p.OnAttempt))
	}

	out, err := backoff.Retry(ctx, func() (T, error) {
		retryAttempts.WithLabelValues(name).Inc()
		v, err := fn(ctx)
		if err != nil && !isRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
	if err != nil {
		retryExhausted.WithLabelValues(name).Inc()
	}
	return out, err
}
