// Package leasemap defines the external LeaseMap abstraction the Lock
// Manager is built on: a TTL'd, compare-and-swap key-ownership map.
// Like DocStore, it models a best-effort external service rather than
// something this module implements via a replicated log — there is no
// consensus protocol here, only a single authoritative map the lock
// manager leases keys from.
package leasemap

import (
	"context"
	"time"
)

// Lease describes the current holder of a key, if any.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

// Map is the external lease service. A key has at most one live lease
// at a time; once a lease's ExpiresAt has passed, any caller may
// acquire it regardless of the previous owner.
type Map interface {
	// TryAcquire attempts to take ownership of key for owner until
	// ttl from now. It succeeds if the key has no lease, the existing
	// lease has expired, or the existing lease is already held by
	// owner (idempotent re-acquire). It reports false, with no error,
	// if the key is validly held by a different owner.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Refresh extends owner's existing lease on key by ttl from now.
	// It reports false if owner does not currently hold the lease
	// (lost to expiry or to another acquirer).
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release drops owner's lease on key, if owner currently holds
	// it. Releasing a lease you don't hold is a silent no-op, not an
	// error: it's a common race during shutdown.
	Release(ctx context.Context, key, owner string) error

	// Probe reports the current lease on key, if any (including one
	// that has expired).
	Probe(ctx context.Context, key string) (Lease, bool, error)

	Close() error
}
