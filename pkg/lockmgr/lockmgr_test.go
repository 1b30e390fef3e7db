package lockmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/playervault/pkg/leasemap"
)

func TestAcquire_ExclusiveAcrossTwoManagers(t *testing.T) {
	shared := leasemap.NewMemory()
	m1 := New(shared, Config{LeaseDuration: 50 * time.Millisecond, RefreshInterval: 10 * time.Millisecond})
	m2 := New(shared, Config{LeaseDuration: 50 * time.Millisecond, RefreshInterval: 10 * time.Millisecond})

	ctx := context.Background()
	lock1, err := m1.Acquire(ctx, "players/alice", nil)
	require.NoError(t, err)
	defer lock1.Stop(ctx)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m2.Acquire(shortCtx, "players/alice", nil)
	require.Error(t, err)
}

func TestAcquire_SecondManagerSucceedsAfterRelease(t *testing.T) {
	shared := leasemap.NewMemory()
	m1 := New(shared, Config{LeaseDuration: time.Second, RefreshInterval: 100 * time.Millisecond})
	m2 := New(shared, Config{LeaseDuration: time.Second, RefreshInterval: 100 * time.Millisecond})

	ctx := context.Background()
	lock1, err := m1.Acquire(ctx, "players/bob", nil)
	require.NoError(t, err)
	require.NoError(t, lock1.Stop(ctx))

	lock2, err := m2.Acquire(ctx, "players/bob", nil)
	require.NoError(t, err)
	defer lock2.Stop(ctx)
}

func TestRefreshLoop_KeepsLeaseAlive(t *testing.T) {
	shared := leasemap.NewMemory()
	m := New(shared, Config{LeaseDuration: 30 * time.Millisecond, RefreshInterval: 5 * time.Millisecond})

	ctx := context.Background()
	lock, err := m.Acquire(ctx, "players/carl", nil)
	require.NoError(t, err)
	defer lock.Stop(ctx)

	time.Sleep(60 * time.Millisecond)

	lease, ok, err := shared.Probe(ctx, "players/carl")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, lock.ID, lease.Owner)
	assert.True(t, lease.ExpiresAt.After(time.Now()))
}

func TestManagerProbe_ReportsLiveLeaseRegardlessOfOwner(t *testing.T) {
	shared := leasemap.NewMemory()
	m1 := New(shared, Config{LeaseDuration: time.Second, RefreshInterval: 100 * time.Millisecond})
	m2 := New(shared, Config{LeaseDuration: time.Second, RefreshInterval: 100 * time.Millisecond})

	ctx := context.Background()
	ok, err := m2.Probe(ctx, "players/erin")
	require.NoError(t, err)
	assert.False(t, ok, "no lease exists yet")

	lock, err := m1.Acquire(ctx, "players/erin", nil)
	require.NoError(t, err)
	defer lock.Stop(ctx)

	ok, err = m2.Probe(ctx, "players/erin")
	require.NoError(t, err)
	assert.True(t, ok, "m2 must see m1's lease even though it doesn't own it")
}

func TestIsLocked_TrueWhileHeldFalseAfterStop(t *testing.T) {
	shared := leasemap.NewMemory()
	m := New(shared, Config{LeaseDuration: time.Second, RefreshInterval: 100 * time.Millisecond})

	ctx := context.Background()
	lock, err := m.Acquire(ctx, "players/felix", nil)
	require.NoError(t, err)
	assert.True(t, lock.IsLocked())

	require.NoError(t, lock.Stop(ctx))
	assert.False(t, lock.IsLocked())
}

func TestIsLocked_FalseOncePastLocalExpectedExpiry(t *testing.T) {
	shared := leasemap.NewMemory()
	// RefreshInterval longer than LeaseDuration so the refresh loop
	// never gets a chance to renew before the local expected-expiry
	// (LeaseDuration - margin) elapses.
	m := New(shared, Config{LeaseDuration: time.Second, RefreshInterval: time.Hour})

	ctx := context.Background()
	lock, err := m.Acquire(ctx, "players/gwen", nil)
	require.NoError(t, err)
	defer lock.Stop(ctx)

	assert.True(t, lock.IsLocked())
	time.Sleep(850 * time.Millisecond)
	assert.False(t, lock.IsLocked(), "expected-expiry (duration minus margin) has already elapsed")
}

func TestLostLease_InvokesCallback(t *testing.T) {
	shared := leasemap.NewMemory()
	m := New(shared, Config{LeaseDuration: 15 * time.Millisecond, RefreshInterval: 5 * time.Millisecond})

	ctx := context.Background()
	lost := make(chan struct{})
	lock, err := m.Acquire(ctx, "players/dana", func() { close(lost) })
	require.NoError(t, err)

	// Steal the lease out from under the refresh loop by releasing and
	// re-acquiring under a different owner id directly against the map.
	require.NoError(t, shared.Release(ctx, "players/dana", lock.ID))
	stole, err := shared.TryAcquire(ctx, "players/dana", "intruder", time.Minute)
	require.NoError(t, err)
	require.True(t, stole)

	select {
	case <-lost:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("onLost callback was not invoked after lease was stolen")
	}

	select {
	case <-lock.doneCh:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("refresh loop did not exit after lease was stolen")
	}
}
