package transport

import (
	"context"
	"errors"
	"time"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tunnelfin/go-tunnelfin/lib/util/errs"
)

// RetryPolicy drives request/response exchanges over an unreliable
// transport: exponential backoff with jitter, a bounded number of attempts
// and a timeout per attempt.
type RetryPolicy struct {
	Initial        time.Duration
	Multiplier     float64
	Max            time.Duration
	Jitter         float64
	Attempts       int
	AttemptTimeout time.Duration

	// Rand returns a value in [0,1). Nil uses the go-i2p secure reader.
	Rand func() float64
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns 100ms initial delay doubling to a 5s cap, ±25%
// jitter, 5 attempts and 2s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:        100 * time.Millisecond,
		Multiplier:     2,
		Max:            5 * time.Second,
		Jitter:         0.25,
		Attempts:       5,
		AttemptTimeout: 2 * time.Second,
	}
}

// Backoff returns the delay before attempt n+1, where n counts from zero,
// before jitter is applied.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := float64(p.Initial)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay is Backoff(n) with jitter applied.
func (p RetryPolicy) Delay(n int) time.Duration {
	base := float64(p.Backoff(n))
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(base * (1 + p.Jitter*(2*r()-1)))
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts run out. Each call gets its own context bounded by
// AttemptTimeout. An attempt that ends on its own deadline counts as
// retryable. Cancelling ctx stops immediately.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d := p.Delay(attempt - 1)
			if err := p.sleep(ctx, d); err != nil {
				return errs.Wrap(errs.KindOf(last), op, oops.Wrapf(err, "cancelled after %d attempts", attempt))
			}
		}
		err := p.attempt(ctx, attempt, fn)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			return errs.Wrap(errs.KindOf(err), op, oops.Wrapf(ctx.Err(), "cancelled after %d attempts", attempt+1))
		}
		if !retryable(err) {
			return err
		}
		log.WithFields(logger.Fields{
			"at":      "(RetryPolicy) Do",
			"op":      op,
			"attempt": attempt + 1,
			"of":      attempts,
		}).Debug("attempt failed, retrying")
	}
	return &errs.Error{
		Kind: kindOrDefault(last),
		Op:   op,
		Err:  oops.Wrapf(last, "gave up after %d attempts", attempts),
	}
}

func (p RetryPolicy) attempt(ctx context.Context, n int, fn func(context.Context, int) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx, n)
	}
	actx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	return fn(actx, n)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func retryable(err error) bool {
	return errs.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}

func kindOrDefault(err error) errs.Kind {
	if k := errs.KindOf(err); k != errs.Unknown {
		return k
	}
	return errs.Transport
}
