package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/playervault/pkg/docstore"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/leasemap"
	"github.com/cuemby/playervault/pkg/types"
)

// Scenario: a two-key coin transfer must be atomic across both
// players' keys.
func TestScenario_CoinTransferIsAtomicAcrossBothKeys(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "players/alice"))
	require.NoError(t, st.Load(ctx, "players/bob"))

	require.NoError(t, st.Update(ctx, "players/alice", func(d types.Value) (types.Value, bool, error) {
		m := d.(map[string]any)
		m["coins"] = float64(100)
		return m, true, nil
	}))

	err := st.Tx(ctx, []string{"players/alice", "players/bob"}, func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		alice := current["players/alice"].(map[string]any)
		bob := current["players/bob"].(map[string]any)
		const amount = 30.0
		if alice["coins"].(float64) < amount {
			return nil, false, nil
		}
		alice["coins"] = alice["coins"].(float64) - amount
		bob["coins"] = bob["coins"].(float64) + amount
		return map[string]types.Value{"players/alice": alice, "players/bob": bob}, true, nil
	})
	require.NoError(t, err)

	aliceData, err := st.Get("players/alice")
	require.NoError(t, err)
	bobData, err := st.Get("players/bob")
	require.NoError(t, err)
	assert.Equal(t, float64(70), aliceData.(map[string]any)["coins"])
	assert.Equal(t, float64(30), bobData.(map[string]any)["coins"])

	require.NoError(t, st.Close(ctx))
}

// Scenario: a transaction whose fn rejects the transfer (insufficient
// funds) must leave both keys completely unchanged.
func TestScenario_CoinTransferCallerAbortChangesNothing(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "players/alice"))
	require.NoError(t, st.Load(ctx, "players/bob"))

	err := st.Tx(ctx, []string{"players/alice", "players/bob"}, func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		alice := current["players/alice"].(map[string]any)
		if alice["coins"].(float64) < 30 {
			return nil, false, nil // insufficient funds, abort
		}
		t.Fatal("fn should have aborted before reaching here")
		return nil, false, nil
	})
	require.NoError(t, err)

	aliceData, err := st.Get("players/alice")
	require.NoError(t, err)
	bobData, err := st.Get("players/bob")
	require.NoError(t, err)
	assert.Equal(t, float64(0), aliceData.(map[string]any)["coins"])
	assert.Equal(t, float64(0), bobData.(map[string]any)["coins"])

	require.NoError(t, st.Close(ctx))
}

// Scenario: a transaction whose fn proposes a value the schema rejects
// must fail without corrupting either key (schema validation happens
// in Tx's Phase 1 wrapper through each key's Session.Validate, before
// any key is staged).
func TestScenario_TransactionRejectedBySchemaLeavesKeysUnchanged(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "players/alice"))
	require.NoError(t, st.Load(ctx, "players/bob"))

	err := st.Tx(ctx, []string{"players/alice", "players/bob"}, func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		alice := current["players/alice"].(map[string]any)
		alice["coins"] = "not a number"
		return map[string]types.Value{"players/alice": alice, "players/bob": current["players/bob"]}, true, nil
	})
	require.Error(t, err)

	aliceData, err := st.Get("players/alice")
	require.NoError(t, err)
	assert.Equal(t, float64(0), aliceData.(map[string]any)["coins"])

	require.NoError(t, st.Close(ctx))
}

// Scenario: Tx over a key with no live Session reports KeyNotLoaded
// and performs no writes to any key, including ones that were ready.
func TestScenario_TxRejectsWhenAnyKeyNotLoaded(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "players/alice"))

	err := st.Tx(ctx, []string{"players/alice", "players/ghost"}, func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		t.Fatal("fn must not run when a participating key has no Session")
		return nil, false, nil
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KeyNotLoaded))

	require.NoError(t, st.Close(ctx))
}

// Scenario: a record whose data grows past MaxDocBytes round-trips
// correctly through the Store facade: Save splits it into shard
// documents, and a fresh Load (after Unload) reassembles it.
func TestScenario_ShardedRecordRoundTripsThroughStoreFacade(t *testing.T) {
	docs := docstore.NewMemory()
	leases := leasemap.NewMemory()
	st := New(docs, leases, Config{
		Name:             "blobs",
		Template:         map[string]any{"coins": float64(0), "blob": ""},
		Schema:           func(types.Value) (bool, string) { return true, "" },
		LockDuration:     2 * time.Second,
		AutosaveInterval: time.Hour,
		MaxDocBytes:      1024,
	})
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "blobs/one"))

	big := make([]byte, 4096)
	for i := range big {
		big[i] = byte('a' + i%26)
	}
	require.NoError(t, st.Update(ctx, "blobs/one", func(d types.Value) (types.Value, bool, error) {
		m := d.(map[string]any)
		m["blob"] = string(big)
		return m, true, nil
	}))
	require.NoError(t, st.Save(ctx, "blobs/one"))
	require.NoError(t, st.Unload(ctx, "blobs/one"))

	require.NoError(t, st.Load(ctx, "blobs/one"))
	data, err := st.Get("blobs/one")
	require.NoError(t, err)
	assert.Equal(t, string(big), data.(map[string]any)["blob"])

	require.NoError(t, st.Close(ctx))
}

// Scenario: a schema-rejecting Update through the facade must not
// poison later operations on the same key.
func TestScenario_SchemaRejectionThenSuccessfulUpdate(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "players/flaky"))

	err := st.Update(ctx, "players/flaky", func(d types.Value) (types.Value, bool, error) {
		m := d.(map[string]any)
		m["coins"] = "nope"
		return m, true, nil
	})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.SchemaFailed))

	require.NoError(t, st.Update(ctx, "players/flaky", func(d types.Value) (types.Value, bool, error) {
		m := d.(map[string]any)
		m["coins"] = float64(3)
		return m, true, nil
	}))

	data, err := st.Get("players/flaky")
	require.NoError(t, err)
	assert.Equal(t, float64(3), data.(map[string]any)["coins"])

	require.NoError(t, st.Close(ctx))
}

// Scenario: many concurrent Updates against the same key never lose
// an increment, regardless of which ones take the fast path and which
// fall back to the queue.
func TestScenario_ConcurrentUpdatesAllCommit(t *testing.T) {
	st := newTestStore()
	ctx := context.Background()
	require.NoError(t, st.Load(ctx, "players/counter"))

	const n = 50
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errCh <- st.Update(ctx, "players/counter", func(d types.Value) (types.Value, bool, error) {
				m := d.(map[string]any)
				m["coins"] = m["coins"].(float64) + 1
				return m, true, nil
			})
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errCh, fmt.Sprintf("update %d failed", i))
	}

	data, err := st.Get("players/counter")
	require.NoError(t, err)
	assert.Equal(t, float64(n), data.(map[string]any)["coins"])

	require.NoError(t, st.Close(ctx))
}
