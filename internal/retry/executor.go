// Package retry runs fallible generation and dispatch calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfman30/vet-followup/pkg/logging"
)

// DefaultMaxAttempts is used when a non-positive attempt budget is supplied.
const DefaultMaxAttempts = 3

const baseDelay = time.Second

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Class is the verdict a classifier returns for a failed attempt.
type Class int

const (
	// Fatal errors are returned immediately.
	Fatal Class = iota
	// Retryable errors back off and try again within the attempt budget.
	Retryable
	// Malformed marks an unparseable response. It earns one extra attempt beyond the budget.
	Malformed
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case Malformed:
		return "malformed"
	default:
		return "fatal"
	}
}

// Classifier decides how a failed attempt should be treated.
type Classifier func(error) Class

// Executor runs operations under a retry policy.
type Executor struct {
	maxAttempts int
	sleep       func(time.Duration)
	onRetry     func(ctx context.Context, attempt int, err error)
	logger      *logging.Logger
}

// NewExecutor creates an executor with the given attempt budget.
func NewExecutor(maxAttempts int, logger *logging.Logger) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		maxAttempts: maxAttempts,
		sleep:       time.Sleep,
		logger:      logger,
	}
}

// WithSleep swaps the backoff sleeper. Tests use it to record delays without waiting.
func (e *Executor) WithSleep(fn func(time.Duration)) *Executor {
	if fn != nil {
		e.sleep = fn
	}
	return e
}

// WithOnRetry returns a copy of e that invokes fn before each backoff. The receiver is left
// untouched so a shared executor can carry per-operation hooks.
func (e *Executor) WithOnRetry(fn func(ctx context.Context, attempt int, err error)) *Executor {
	cp := *e
	cp.onRetry = fn
	return &cp
}

// MaxAttempts reports the configured attempt budget.
func (e *Executor) MaxAttempts() int {
	return e.maxAttempts
}

// Backoff returns the delay after the given zero-based attempt: 2^attempt seconds.
func Backoff(attempt int) time.Duration {
	return baseDelay * time.Duration(1<<attempt)
}

// Run executes op until it succeeds, fails fatally, or the budget is spent. The backoff sleep is
// not interrupted by ctx; cancellation is observed between attempts.
func Run[T any](ctx context.Context, e *Executor, name string, op func(ctx context.Context) (T, error), classify Classifier) (T, error) {
	var zero T
	if classify == nil {
		classify = Classify
	}

	budget := e.maxAttempts
	extraGranted := false
	var lastErr error

	for attempt := 0; attempt < budget; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return zero, fmt.Errorf("retry: %s: %w (last error: %v)", name, err, lastErr)
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		class := classify(err)
		switch class {
		case Fatal:
			return zero, err
		case Malformed:
			if !extraGranted {
				extraGranted = true
				budget++
			}
		}

		if attempt == budget-1 {
			break
		}

		delay := Backoff(attempt)
		e.logger.Warn("retry: attempt failed",
			"operation", name,
			"attempt", attempt+1,
			"max_attempts", budget,
			"class", class.String(),
			"backoff", delay.String(),
			"error", err,
		)
		if e.onRetry != nil {
			e.onRetry(ctx, attempt+1, err)
		}
		e.sleep(delay)
	}

	return zero, fmt.Errorf("retry: %s failed after %d attempts: %w: %w", name, budget, ErrExhausted, lastErr)
}

// Do is Run for operations without a result.
func Do(ctx context.Context, e *Executor, name string, op func(ctx context.Context) error, classify Classifier) error {
	_, err := Run(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, classify)
	return err
}
