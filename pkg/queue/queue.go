// Package queue implements the Per-Key Operation Queue: a
// strict FIFO of operations for one key (Save, transaction
// participation, Unload, and the slow path of Update), plus a fast
// path that lets an eligible Update run immediately instead of paying
// a full round trip through the queue. The fast path is a non-blocking
// ("zero-wait") channel claim rather than a blocking mutex acquire, so
// it can tell the difference between "nothing else is happening" and
// "something else has this key right now" without ever waiting; losing
// that race surfaces as errs.UpdateYielded before fn is ever invoked,
// distinguishable via NotEligible from fn's own errs.UpdateYielded so a
// caller retries only the former, never the latter.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/metrics"
)

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Queue serializes every operation submitted for one key.
type Queue struct {
	mu        sync.Mutex
	txPending bool

	token chan struct{} // capacity 1; held by whichever operation is currently executing
	jobs  chan job
}

// New creates an idle Queue with the given backlog capacity for
// queued (slow-path) jobs.
func New(backlog int) *Queue {
	if backlog <= 0 {
		backlog = 64
	}
	q := &Queue{
		token: make(chan struct{}, 1),
		jobs:  make(chan job, backlog),
	}
	q.token <- struct{}{}
	return q
}

// SetTxPending marks whether this key currently has a staged
// transaction, making FastUpdate ineligible until it is cleared.
func (q *Queue) SetTxPending(pending bool) {
	q.mu.Lock()
	q.txPending = pending
	q.mu.Unlock()
}

func (q *Queue) txIsPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.txPending
}

// Depth reports the number of slow-path jobs currently queued (not
// counting one that may already be executing).
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Run submits fn to the back of the FIFO and blocks until it has run
// and returned, or ctx is cancelled first. Used for Save, transaction
// participation, Unload, and for Update after FastUpdate reports
// errs.UpdateYielded.
func (q *Queue) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// errNotEligible marks a fast-path ineligibility check that failed
// before fn was ever invoked. It is always safe to retry such a
// failure on the slow path via Run, unlike an errs.UpdateYielded that
// fn itself produced (fn was invoked in that case, and per the
// "synchronous, non-suspending frame" contract must not be invoked a
// second time for the same call). NotEligible distinguishes the two.
var errNotEligible = errors.New("queue: fast path not eligible")

// NotEligible reports whether err came from one of FastUpdate's own
// eligibility checks — meaning fn was never called — as opposed to an
// error fn itself returned (including fn's own errs.UpdateYielded).
// Only an ineligible result is safe to retry via Run.
func NotEligible(err error) bool {
	return errors.Is(err, errNotEligible)
}

// FastUpdate attempts to run fn immediately, bypassing the FIFO,
// eligible only when no transaction is pending for this key, no
// slow-path job is queued ahead of it, and no other operation (fast or
// slow) currently holds execution rights. Any of those conditions
// failing is reported as errs.UpdateYielded (see NotEligible) without
// invoking fn: a half-run fast path computing against a snapshot
// that's already been superseded is worse than an honest "try again".
// Once fn has been invoked, whatever it returns — success, failure, or
// its own errs.UpdateYielded — is returned as-is and must not be
// retried: fn already ran, and Update's synchronous, non-suspending
// frame contract allows exactly one invocation per call.
func (q *Queue) FastUpdate(ctx context.Context, fn func(ctx context.Context) error) error {
	if q.txIsPending() {
		return notEligible("transaction pending")
	}
	if q.Depth() > 0 {
		return notEligible("slow-path backlog present")
	}

	select {
	case <-q.token:
	default:
		return notEligible("execution token held by a concurrent operation")
	}
	defer func() { q.token <- struct{}{} }()

	metrics.FastPathTotal.Inc()
	return fn(ctx)
}

func notEligible(reason string) error {
	return errs.New(errs.UpdateYielded, "", fmt.Errorf("%s: %w", reason, errNotEligible))
}

// Worker drains the FIFO until ctx is done, running exactly one job at
// a time to completion before taking the next. Per the session
// engine's concurrency model, this is called from the owning Session's
// own goroutine rather than spawned internally, so a key's operations
// and its session's other bookkeeping share a single logical thread of
// control.
func (q *Queue) Worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			<-q.token
			err := j.fn(j.ctx)
			q.token <- struct{}{}
			j.done <- err
		}
	}
}
