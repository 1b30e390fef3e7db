// Package lockmgr implements the Distributed Lock Manager: it
// leases a key from a leasemap.Map, keeps the lease alive on a
// refresh ticker, and invokes a loss callback the moment refresh can
// no longer confirm ownership. The refresh loop follows the usual
// ticker+stopCh worker shape; lock identities are github.com/google/uuid
// values so two processes racing for the same key can never collide on
// identity.
package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/playervault/pkg/backoff"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/leasemap"
	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/metrics"
)

var logger = log.WithComponent("lockmgr")

// Config controls lease duration and refresh cadence. The refresh
// interval should be meaningfully shorter than the lease duration so a
// transient backend hiccup doesn't cost the lease outright.
type Config struct {
	LeaseDuration   time.Duration
	RefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration == 0 {
		c.LeaseDuration = 30 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = c.LeaseDuration / 3
	}
	return c
}

// expiryMargin is subtracted from every lease's true expiry to build
// the "local expected-expiry" this package tracks, absorbing clock
// skew between this process and whatever clock the LeaseMap backend
// used to stamp the lease.
const expiryMargin = 200 * time.Millisecond

// Manager acquires and maintains leases on behalf of one store
// instance.
type Manager struct {
	leases leasemap.Map
	cfg    Config
}

// New creates a Manager over the given LeaseMap.
func New(leases leasemap.Map, cfg Config) *Manager {
	return &Manager{leases: leases, cfg: cfg.withDefaults()}
}

// Lock is a held lease on one key. Stop must be called exactly once to
// release it and stop its refresh loop.
type Lock struct {
	Key string
	ID  string

	mgr      *Manager
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu             sync.RWMutex
	held           bool
	expectedExpiry time.Time
}

// IsLocked reports whether this Lock is, to the best of this process's
// knowledge, still exclusively held: its FSM must be in the held state
// (not yet lost, not yet released) AND the local expected-expiry
// (true lease expiry minus expiryMargin, tracked on every successful
// acquire/refresh) must not yet have elapsed. A Lock that has fallen
// silent — no successful refresh in over LeaseDuration, but also no
// confirmed loss yet, e.g. because the backend is unreachable —
// reports false rather than optimistically true.
func (l *Lock) IsLocked() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held && time.Now().Before(l.expectedExpiry)
}

func (l *Lock) setExpiry(ttl time.Duration) {
	l.mu.Lock()
	l.held = true
	l.expectedExpiry = time.Now().Add(ttl - expiryMargin)
	l.mu.Unlock()
}

func (l *Lock) clearHeld() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

// Acquire blocks, retrying with backoff, until it holds key's lease or
// ctx is done. Per the saturation policy this module applies
// uniformly to every blocking acquisition, a key held by another owner
// is treated as retryable, not a fast failure: callers that want a
// bounded wait should pass a context with a deadline. onLost is called
// at most once, from the refresh goroutine, if the lease is ever lost
// before Stop is called.
func (m *Manager) Acquire(ctx context.Context, key string, onLost func()) (*Lock, error) {
	id := uuid.NewString()
	timer := metrics.NewTimer()

	cfg := backoff.Config{Component: "lockmgr"}
	err := backoff.Run(ctx, cfg, classifyAcquire, func(ctx context.Context) error {
		ok, err := m.leases.TryAcquire(ctx, key, id, m.cfg.LeaseDuration)
		if err != nil {
			return err
		}
		if !ok {
			return errLockHeldByOther
		}
		return nil
	})
	timer.ObserveDuration(metrics.LockAcquireDuration)
	if err != nil {
		return nil, errs.New(errs.LockUnavailable, key, err)
	}

	l := &Lock{
		Key:    key,
		ID:     id,
		mgr:    m,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	l.setExpiry(m.cfg.LeaseDuration)
	go l.refreshLoop(onLost)
	logger.WithKey(key).Info("lease acquired")
	return l, nil
}

// Probe reports whether key currently has any live lease in the
// LeaseMap, regardless of who holds it or whether this Manager is the
// one refreshing it.
func (m *Manager) Probe(ctx context.Context, key string) (bool, error) {
	lease, ok, err := m.leases.Probe(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return lease.ExpiresAt.After(time.Now()), nil
}

var errLockHeldByOther = fmt.Errorf("lockmgr: key held by another owner")

// classifyAcquire treats every failure (a contended key or a LeaseMap
// error alike) as retryable: acquisition is bounded only by ctx, per
// this module's saturation policy.
func classifyAcquire(error) backoff.Class {
	return backoff.Retryable
}

func (l *Lock) refreshLoop(onLost func()) {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.mgr.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.mgr.cfg.RefreshInterval)
			ok, err := l.mgr.leases.Refresh(ctx, l.Key, l.ID, l.mgr.cfg.LeaseDuration)
			cancel()

			if err != nil {
				metrics.LockRefreshTotal.WithLabelValues("error").Inc()
				logger.WithKey(l.Key).Error("lease refresh failed", err)
				if !l.IsLocked() {
					// The local expected-expiry has elapsed without a
					// successful refresh: treat this the same as a
					// confirmed loss rather than refreshing forever
					// against a backend that may never recover in time.
					metrics.LockRefreshTotal.WithLabelValues("lost").Inc()
					metrics.LocksLost.Inc()
					l.clearHeld()
					if onLost != nil {
						onLost()
					}
					return
				}
				continue
			}
			if !ok {
				metrics.LockRefreshTotal.WithLabelValues("lost").Inc()
				metrics.LocksLost.Inc()
				logger.WithKey(l.Key).Warn("lease lost")
				l.clearHeld()
				if onLost != nil {
					onLost()
				}
				return
			}
			l.setExpiry(l.mgr.cfg.LeaseDuration)
			metrics.LockRefreshTotal.WithLabelValues("ok").Inc()
		}
	}
}

// Stop releases the lease and stops the refresh loop. It is safe to
// call more than once and safe to call after the lease has already
// been lost.
func (l *Lock) Stop(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	<-l.doneCh
	l.clearHeld()
	return l.mgr.leases.Release(ctx, l.Key, l.ID)
}
