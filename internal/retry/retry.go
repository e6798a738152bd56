// Package retry runs fallible hardware calls under a bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrExhausted is wrapped by the error Do returns once every attempt has
// failed. The last attempt's error is wrapped alongside it.
var ErrExhausted = errors.New("retry: attempts exhausted")

// maxBackOff caps a growing delay when the policy sets no MaxDelay.
const maxBackOff = time.Minute

// Operation is a unit of work that may be attempted more than once.
type Operation func(ctx context.Context) error

// Policy describes how many times and how far apart an Operation is tried.
type Policy struct {
	// MaxAttempts counts the first attempt. Values below 1 are treated as 1.
	MaxAttempts int

	// InitialDelay is the wait before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the wait between attempts. Zero caps a growing delay
	// at one minute.
	MaxDelay time.Duration

	// Multiplier grows the wait after each retry. Values <= 1 keep it fixed.
	Multiplier float64

	// MaxJitter adds up to this much random wait to each delay.
	MaxJitter time.Duration

	// OnRetry, if set, is called after each failed attempt that will be
	// followed by another.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is five attempts, 100ms apart.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   1,
	}
}

// Do runs op until it succeeds, returns a Permanent error, the context is
// cancelled, or p.MaxAttempts is reached.
//
// Cancellation is only observed between attempts; an attempt in flight
// runs to completion (or to its own use of ctx).
func Do(ctx context.Context, p Policy, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	maxAttempts := max(p.MaxAttempts, 1)

	var (
		attempts int
		lastErr  error
	)
	operation := func() (struct{}, error) {
		attempts++
		lastErr = op(ctx)
		return struct{}{}, lastErr
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, _ time.Duration) {
			p.OnRetry(attempts, err)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	switch {
	case err == nil:
		return nil
	case IsPermanent(lastErr):
		var perm *backoff.PermanentError
		errors.As(lastErr, &perm)
		return perm.Unwrap()
	case attempts >= maxAttempts:
		return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
	default:
		return fmt.Errorf("retry cancelled after %d attempts: %w (last error: %w)", attempts, err, lastErr)
	}
}

// backOff builds the delay sequence: constant unless Multiplier > 1, then
// exponential up to MaxDelay.
func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.InitialDelay)
	if p.Multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = p.InitialDelay
		exp.Multiplier = p.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxInterval = maxBackOff
		if p.MaxDelay > 0 {
			exp.MaxInterval = p.MaxDelay
		}
		b = exp
	} else if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		b = backoff.NewConstantBackOff(p.MaxDelay)
	}

	if p.MaxJitter > 0 {
		b = &jitter{BackOff: b, max: p.MaxJitter}
	}
	return b
}

// jitter adds a uniform random wait in [0, max) to each delay.
type jitter struct {
	backoff.BackOff
	max time.Duration
}

func (j *jitter) NextBackOff() time.Duration {
	next := j.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return next + time.Duration(rand.Int64N(int64(j.max)))
}

// Permanent marks err as not worth retrying. Do returns the unwrapped err
// immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}
