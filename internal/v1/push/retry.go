package push

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"
)

// terminalError wraps provider errors that retrying cannot fix, such as a
// rejected token or an unsupported operation.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// RetryPolicy drives exponential backoff with a total-delay budget. An
// attempt is retried only while both the retry count and the accumulated
// sleep stay under their caps.
type RetryPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxRetries   int
	Budget       time.Duration
	Jitter       time.Duration
}

// DefaultRetryPolicy matches the provider delivery contract: 100 ms initial,
// doubling, at most 10 retries within a 4 s sleep budget, ±100 ms jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   10,
		Budget:       4000 * time.Millisecond,
		Jitter:       100 * time.Millisecond,
	}
}

// Run invokes fn until it succeeds, returns a terminal error, or the policy
// is exhausted. The stop flag is checked before every backoff sleep so a
// shutting-down worker never sits in a sleep it no longer needs.
func (p RetryPolicy) Run(ctx context.Context, stop *atomic.Bool, fn func() error) error {
	delay := p.InitialDelay
	var slept time.Duration

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if IsTerminal(err) {
			return err
		}
		// The budget judges sleep already taken, so the attempt that crosses
		// it still runs; only the next one is denied.
		if attempt >= p.MaxRetries || slept >= p.Budget {
			return err
		}
		if stop != nil && stop.Load() {
			return err
		}

		sleep := delay + p.jitter()
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		slept += delay
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
}

func (p RetryPolicy) jitter() time.Duration {
	if p.Jitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
}
