package retry

import (
	"context"
	"log/slog"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/future"

	goretry "github.com/sethvargo/go-retry"
)

// Action is what a caller should do about a failure.
type Action int

const (
	Fail Action = iota
	// Retry right away.
	Retry
	// WaitAndRetry waits for Decision.Wait to complete, then retries.
	WaitAndRetry
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "RETRY"
	case WaitAndRetry:
		return "WAIT_AND_RETRY"
	default:
		return "FAIL"
	}
}

type Decision struct {
	Action Action
	Wait   future.Barrier
}

// Classify maps a failure to the action that can make the next attempt
// succeed. It has no side effects.
func Classify(err error) Decision {
	if err == nil {
		return Decision{Action: Fail}
	}
	ge, ok := common.AsError(err)
	if !ok {
		return Decision{Action: Fail}
	}
	switch ge.Code {
	case common.CodeRollbackConflict:
		return Decision{Action: Retry}
	case common.CodeTopologyMismatch, common.CodeClientDisconnected:
		if ready := ge.RetryReady(); ready != nil {
			return Decision{Action: WaitAndRetry, Wait: ready}
		}
		return Decision{Action: Retry}
	default:
		return Decision{Action: Fail}
	}
}

const DefaultMaxAttempts = 10

type options struct {
	maxAttempts int
}

type Option func(*options)

// WithMaxAttempts bounds the number of calls of the operation, the first one
// included.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// Do calls op until it succeeds, fails with an error Classify does not retry,
// or runs out of attempts. Every retryable failure is retried exactly once,
// after its wait barrier completed.
func Do(ctx context.Context, op func(ctx context.Context) error, opts ...Option) error {
	o := options{maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	immediately := goretry.BackoffFunc(func() (time.Duration, bool) {
		return 0, false
	})
	backoff := goretry.WithMaxRetries(uint64(o.maxAttempts-1), immediately)

	attempt := 0
	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}

		d := Classify(err)
		switch d.Action {
		case Retry:
			slog.Debug("retrying", "attempt", attempt, "error", err)
			return goretry.RetryableError(err)
		case WaitAndRetry:
			slog.Debug("waiting before retry", "attempt", attempt, "error", err)
			if werr := d.Wait.Wait(ctx); werr != nil {
				return werr
			}
			return goretry.RetryableError(err)
		}

		if common.CodeOf(err) == common.CodeUnclassified {
			slog.Warn("operation failed", "attempt", attempt, "error", err)
		}
		return err
	})
}

// Value is Do for operations returning a result.
func Value[T any](ctx context.Context, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var result T
	err := Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, opts...)
	return result, err
}
