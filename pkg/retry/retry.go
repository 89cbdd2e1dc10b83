// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package retry provides a bounded retry executor with optional exponential
// backoff and an abort predicate.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"

	crierrors "github.com/stacklok/credissuer/pkg/errors"
	"github.com/stacklok/credissuer/pkg/logger"
	"github.com/stacklok/credissuer/pkg/telemetry"
)

// DefaultMaxAttempts is used when no attempt limit is configured.
const DefaultMaxAttempts = 3

// maxShift caps the exponent so delay << attempt cannot overflow.
const maxShift = 30

// Policy executes an operation up to MaxAttempts times.
//
// After a failed attempt the policy returns immediately if the abort
// predicate matches the error or no attempts remain. Otherwise it waits
// Delay×2^attempt (exponential) or Delay (fixed) before the next attempt.
type Policy struct {
	maxAttempts int
	delay       time.Duration
	exponential bool
	abort       func(error) bool
	logger      *slog.Logger
	retries     metric.Int64Counter
}

// Option configures a Policy.
type Option func(*Policy)

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(p *Policy) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithDelay sets the base delay between attempts.
func WithDelay(d time.Duration) Option {
	return func(p *Policy) {
		p.delay = d
	}
}

// WithExponentialBackoff doubles the delay after every failed attempt.
func WithExponentialBackoff(enabled bool) Option {
	return func(p *Policy) {
		p.exponential = enabled
	}
}

// WithAbort sets the predicate that marks an error as non-retryable.
func WithAbort(abort func(error) bool) Option {
	return func(p *Policy) {
		p.abort = abort
	}
}

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) {
		p.logger = l
	}
}

// WithMeterProvider records retries on cri_retry_attempts_total.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Policy) {
		counter, err := telemetry.Meter(mp).Int64Counter(
			telemetry.MetricRetryAttempts,
			metric.WithDescription("Number of retried attempts after a failed operation"),
		)
		if err == nil {
			p.retries = counter
		}
	}
}

// New builds a Policy. Without options it makes three attempts with no delay.
func New(opts ...Option) *Policy {
	p := &Policy{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logger.OrDefault(p.logger)
	return p
}

// AbortingOn returns a copy of p that also aborts on errors matching abort.
func (p *Policy) AbortingOn(abort func(error) bool) *Policy {
	clone := *p
	prev := p.abort
	clone.abort = func(err error) bool {
		return abort(err) || (prev != nil && prev(err))
	}
	return &clone
}

// MaxAttempts returns the configured attempt limit.
func (p *Policy) MaxAttempts() int {
	return p.maxAttempts
}

// Run executes op under the policy.
func (p *Policy) Run(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do executes op under p and returns its first successful result.
//
// Errors:
//   - the operation's own error when the abort predicate matched it
//   - retry_exhausted wrapping the last error when every attempt failed
//   - interrupted wrapping the context cause when ctx ended between attempts
func Do[T any](ctx context.Context, p *Policy, op func(context.Context) (T, error)) (T, error) {
	if p == nil {
		p = New()
	}

	var (
		attempts int
		aborted  bool
		lastErr  error
	)

	operation := func() (T, error) {
		attempts++
		res, err := op(ctx)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if p.abort != nil && p.abort(err) {
			aborted = true
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	res, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&schedule{delay: p.delay, exponential: p.exponential}),
		backoff.WithMaxTries(uint(p.maxAttempts)), // #nosec G115 -- validated positive in WithMaxAttempts
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Debug("retrying operation",
				"attempt", attempts,
				"max_attempts", p.maxAttempts,
				"next_delay", next,
				"error", err)
			if p.retries != nil {
				p.retries.Add(ctx, 1)
			}
		}),
	)
	if err == nil {
		return res, nil
	}

	switch {
	case aborted:
		return res, lastErr
	case attempts < p.maxAttempts:
		cause := context.Cause(ctx)
		if cause == nil {
			cause = err
		}
		return res, crierrors.NewInterruptedError("retry interrupted while waiting", cause)
	default:
		return res, crierrors.NewRetryExhaustedError(
			fmt.Sprintf("operation failed after %d attempts", attempts), lastErr)
	}
}

// schedule yields delay×2^n for the n-th wait (0-based) or a fixed delay.
type schedule struct {
	delay       time.Duration
	exponential bool
	attempt     int
}

func (s *schedule) NextBackOff() time.Duration {
	n := s.attempt
	s.attempt++
	if !s.exponential {
		return s.delay
	}
	return s.delay << min(n, maxShift)
}

func (s *schedule) Reset() {
	s.attempt = 0
}
