package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryPolicy bounds the attempts an adapter makes for one backend call.
type RetryPolicy struct {
	Provider   string
	MaxTries   int
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
	Observer   AttemptObserver
}

// DefaultBackOff waits 2^attempt seconds between attempts: 1s, 2s, 4s, ...
func DefaultBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Minute,
	}
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a non-transient error, or the
// policy's attempts are used up. Exhaustion yields an Exhausted-kind error
// that names the attempt count and wraps the last failure.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	logger := policy.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newBackOff := policy.NewBackOff
	if newBackOff == nil {
		newBackOff = DefaultBackOff
	}
	tries := policy.MaxTries
	if tries < 1 {
		tries = DefaultMaxRetries
	}

	attempts := 0
	var last error

	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err == nil {
			policy.observe("success")
			return v, nil
		}
		last = err
		kind := KindOf(err)
		policy.observe(outcomeFor(kind))

		if ctx.Err() != nil || (kind != 0 && kind != KindTransient) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("provider attempt failed, retrying",
				zap.String("provider", policy.Provider),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err))
		}),
	)
	if err == nil {
		return res, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, &Error{
			Kind:     KindTransient,
			Provider: policy.Provider,
			Message:  fmt.Sprintf("canceled after %d attempts", attempts),
			Attempts: attempts,
			Err:      ctxErr,
		}
	}

	var pe *Error
	if errors.As(err, &pe) && pe.Kind != KindTransient {
		if pe.Attempts == 0 {
			pe.Attempts = attempts
		}
		return zero, err
	}

	return zero, &Error{
		Kind:     KindExhausted,
		Provider: policy.Provider,
		Message:  fmt.Sprintf("generation failed after %d attempts", attempts),
		Attempts: attempts,
		Details:  map[string]any{"last_error": last.Error()},
		Err:      last,
	}
}

func (p RetryPolicy) observe(outcome string) {
	if p.Observer != nil {
		p.Observer.ObserveAttempt(p.Provider, outcome)
	}
}

func outcomeFor(k Kind) string {
	if k == 0 {
		return KindTransient.String()
	}
	return k.String()
}
