// Package backoff wraps DocStore and LeaseMap calls with exponential
// backoff and jitter, classifying each failure as retryable,
// budget-exceeded, or terminal. It is grounded on
// github.com/cenkalti/backoff/v4 (pulled into this module's dependency
// graph from the bsc-erigon example's go.mod) rather than a hand-rolled
// sleep loop.
package backoff

import (
	"context"
	"errors"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"

	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/metrics"
)

// Class classifies a failure returned by a wrapped operation.
type Class int

const (
	// Retryable failures (throttling, timeouts, transient network
	// errors) are retried with exponential backoff.
	Retryable Class = iota
	// BudgetExceeded failures are retried like Retryable but are never
	// counted as progress (useful for callers tracking attempts vs.
	// useful work).
	BudgetExceeded
	// Terminal failures (malformed request, permission, corruption)
	// are surfaced immediately with no retry.
	Terminal
)

func (c Class) String() string {
	switch c {
	case Retryable:
		return "retryable"
	case BudgetExceeded:
		return "budget_exceeded"
	case Terminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Classifier inspects an error returned by the wrapped operation and
// says how backoff.Run should react to it.
type Classifier func(error) Class

// ErrCancelled is returned when ctx is cancelled between attempts. An
// in-flight call is always allowed to settle first; ErrCancelled is only
// returned once that call has returned.
var ErrCancelled = errors.New("backoff: cancelled")

// Config controls the retry schedule. Zero-value Config uses the
// default schedule: 1s initial interval, factor 2, +/-20% jitter,
// capped at 30s, retried until ctx is done.
type Config struct {
	InitialInterval time.Duration
	Multiplier      float64
	Jitter          float64
	MaxInterval     time.Duration
	Component       string // for logging; defaults to "backoff"
}

func (c Config) withDefaults() Config {
	if c.InitialInterval == 0 {
		c.InitialInterval = time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.Component == "" {
		c.Component = "backoff"
	}
	return c
}

// Run invokes fn, retrying per Config/classify until fn succeeds, ctx is
// cancelled, or classify reports Terminal. Budget-exceeded attempts are
// retried exactly like retryable ones, but are reported separately to
// metrics so callers can distinguish "making progress slowly" from
// "spinning on a quota".
func Run(ctx context.Context, cfg Config, classify Classifier, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()
	logger := log.WithComponent(cfg.Component)

	eb := cenkalti.NewExponentialBackOff()
	eb.InitialInterval = cfg.InitialInterval
	eb.Multiplier = cfg.Multiplier
	eb.RandomizationFactor = cfg.Jitter
	eb.MaxInterval = cfg.MaxInterval
	eb.MaxElapsedTime = 0 // bounded by ctx, not by elapsed wall time

	var lastErr error
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return cenkalti.Permanent(ErrCancelled)
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		class := classify(err)
		switch class {
		case Terminal:
			return cenkalti.Permanent(err)
		case BudgetExceeded:
			metrics.BackoffRetriesTotal.WithLabelValues(BudgetExceeded.String()).Inc()
			logger.Debug("backend call hit budget, retrying")
			return err
		default:
			metrics.BackoffRetriesTotal.WithLabelValues(Retryable.String()).Inc()
			logger.Debug("backend call failed transiently, retrying")
			return err
		}
	}

	bctx := cenkalti.WithContext(eb, ctx)
	if err := cenkalti.Retry(operation, bctx); err != nil {
		if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return ErrCancelled
		}
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

// RunWithDeadline is Run with a logical deadline applied as a context
// timeout, matching the "retries are bounded only by the operation's
// logical deadline" rule (lock acquire-timeout, per-call attempt bound).
func RunWithDeadline(ctx context.Context, deadline time.Duration, cfg Config, classify Classifier, fn func(context.Context) error) error {
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	err := Run(dctx, cfg, classify, fn)
	if errors.Is(err, ErrCancelled) && ctx.Err() == nil {
		// The deadline, not the caller's ctx, expired.
		return context.DeadlineExceeded
	}
	return err
}
