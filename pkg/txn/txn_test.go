package txn

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/playervault/pkg/codec"
	"github.com/cuemby/playervault/pkg/docstore"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/types"
)

type fakeKeyStore struct {
	mu          sync.Mutex
	data        types.Value
	staged      map[string][]types.PatchOp
	backup      map[string]types.Value
	applied     map[string]bool
	failPrepare bool
}

func newFakeKeyStore(initial types.Value) *fakeKeyStore {
	return &fakeKeyStore{
		data:    initial,
		staged:  map[string][]types.PatchOp{},
		backup:  map[string]types.Value{},
		applied: map[string]bool{},
	}
}

func (f *fakeKeyStore) Prepare(ctx context.Context, key, txID string, patch []types.PatchOp, backup types.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPrepare {
		return fmt.Errorf("simulated prepare failure")
	}
	f.staged[txID] = patch
	f.backup[txID] = backup
	return nil
}

func (f *fakeKeyStore) Apply(ctx context.Context, key, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applied[txID] {
		return nil
	}
	patch, ok := f.staged[txID]
	if !ok {
		return fmt.Errorf("apply called without prepare for %s", txID)
	}
	merged, err := codec.Apply(f.backup[txID], patch)
	if err != nil {
		return err
	}
	f.data = merged
	f.applied[txID] = true
	delete(f.staged, txID)
	delete(f.backup, txID)
	return nil
}

func (f *fakeKeyStore) Abort(ctx context.Context, key, txID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.staged, txID)
	delete(f.backup, txID)
	return nil
}

func (f *fakeKeyStore) CommitDirect(ctx context.Context, key string, data types.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = data
	return nil
}

func TestExecute_CommitsAcrossTwoKeys(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	bob := newFakeKeyStore(map[string]any{"coins": float64(5)})

	keys := []string{"players/alice", "players/bob"}
	stores := map[string]KeyStore{"players/alice": alice, "players/bob": bob}
	reads := map[string]types.Value{"players/alice": alice.data, "players/bob": bob.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		a := current["players/alice"].(map[string]any)
		b := current["players/bob"].(map[string]any)
		return map[string]types.Value{
			"players/alice": map[string]any{"coins": a["coins"].(float64) - 3},
			"players/bob":   map[string]any{"coins": b["coins"].(float64) + 3},
		}, true, nil
	}

	proposed, err := coord.Execute(context.Background(), "tx-1", keys, stores, reads, fn)
	require.NoError(t, err)
	assert.Equal(t, float64(7), proposed["players/alice"].(map[string]any)["coins"])
	assert.Equal(t, float64(8), proposed["players/bob"].(map[string]any)["coins"])

	assert.True(t, alice.applied["tx-1"])
	assert.True(t, bob.applied["tx-1"])

	// Phase 4 cleanup deletes the ledger entry once every key has
	// durably absorbed the commit.
	_, found, err := ledger.Read(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecute_CallerAbortLeavesNothingStaged(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	keys := []string{"players/alice"}
	stores := map[string]KeyStore{"players/alice": alice}
	reads := map[string]types.Value{"players/alice": alice.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		return current, false, nil
	}

	result, err := coord.Execute(context.Background(), "tx-2", keys, stores, reads, fn)
	require.NoError(t, err)
	assert.Equal(t, reads, result)
	assert.Empty(t, alice.staged)
	assert.False(t, alice.applied["tx-2"])

	_, found, err := ledger.Read(context.Background(), "tx-2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecute_NoChangeSkipsAllWrites(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	keys := []string{"players/alice"}
	stores := map[string]KeyStore{"players/alice": alice}
	reads := map[string]types.Value{"players/alice": alice.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		return current, true, nil
	}

	_, err := coord.Execute(context.Background(), "tx-noop", keys, stores, reads, fn)
	require.NoError(t, err)
	assert.False(t, alice.applied["tx-noop"])
	assert.Empty(t, alice.staged)

	_, found, err := ledger.Read(context.Background(), "tx-noop")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecute_TransformDroppingAKeyIsRejectedWithoutStagingAnything(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	bob := newFakeKeyStore(map[string]any{"coins": float64(5)})

	keys := []string{"players/alice", "players/bob"}
	stores := map[string]KeyStore{"players/alice": alice, "players/bob": bob}
	reads := map[string]types.Value{"players/alice": alice.data, "players/bob": bob.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		// Drops players/bob entirely instead of returning its unchanged value.
		return map[string]types.Value{
			"players/alice": map[string]any{"coins": float64(99)},
		}, true, nil
	}

	_, err := coord.Execute(context.Background(), "tx-dropped-key", keys, stores, reads, fn)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KeysChangedInTransaction))

	assert.Empty(t, alice.staged)
	assert.Empty(t, bob.staged)
	assert.False(t, alice.applied["tx-dropped-key"])
	assert.False(t, bob.applied["tx-dropped-key"])
	assert.Equal(t, float64(10), alice.data.(map[string]any)["coins"], "dropped-key transform must not mutate any key's data")
	assert.Equal(t, float64(5), bob.data.(map[string]any)["coins"])

	_, found, err := ledger.Read(context.Background(), "tx-dropped-key")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecute_TransformAddingAnExtraKeyIsRejected(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	keys := []string{"players/alice"}
	stores := map[string]KeyStore{"players/alice": alice}
	reads := map[string]types.Value{"players/alice": alice.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		out := map[string]types.Value{}
		for k, v := range current {
			out[k] = v
		}
		out["players/mallory"] = map[string]any{"coins": float64(0)}
		return out, true, nil
	}

	_, err := coord.Execute(context.Background(), "tx-extra-key", keys, stores, reads, fn)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KeysChangedInTransaction))
	assert.Empty(t, alice.staged)
}

func TestExecute_PrepareFailureRollsBackAlreadyStagedKeys(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	bob := newFakeKeyStore(map[string]any{"coins": float64(5)})
	bob.failPrepare = true

	keys := []string{"players/alice", "players/bob"}
	stores := map[string]KeyStore{"players/alice": alice, "players/bob": bob}
	reads := map[string]types.Value{"players/alice": alice.data, "players/bob": bob.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		return map[string]types.Value{
			"players/alice": map[string]any{"coins": float64(7)},
			"players/bob":   map[string]any{"coins": float64(8)},
		}, true, nil
	}

	_, err := coord.Execute(context.Background(), "tx-3", keys, stores, reads, fn)
	require.Error(t, err)
	assert.Empty(t, alice.staged)

	_, found, err := ledger.Read(context.Background(), "tx-3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecute_SingleKeyChangedDowngradesToDirectCommit(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	coord := New(ledger)

	alice := newFakeKeyStore(map[string]any{"coins": float64(10)})
	bob := newFakeKeyStore(map[string]any{"coins": float64(5)})

	keys := []string{"players/alice", "players/bob"}
	stores := map[string]KeyStore{"players/alice": alice, "players/bob": bob}
	reads := map[string]types.Value{"players/alice": alice.data, "players/bob": bob.data}

	fn := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		a := current["players/alice"].(map[string]any)
		return map[string]types.Value{
			"players/alice": map[string]any{"coins": a["coins"].(float64) + 1},
			"players/bob":   current["players/bob"],
		}, true, nil
	}

	proposed, err := coord.Execute(context.Background(), "tx-downgrade", keys, stores, reads, fn)
	require.NoError(t, err)
	assert.Equal(t, float64(11), proposed["players/alice"].(map[string]any)["coins"])

	// The downgrade path never stages or applies through the normal
	// tx machinery, and never touches the ledger.
	assert.Empty(t, alice.staged)
	assert.False(t, alice.applied["tx-downgrade"])
	assert.Equal(t, float64(11), alice.data.(map[string]any)["coins"])

	_, found, err := ledger.Read(context.Background(), "tx-downgrade")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReadTxValue_CommittedAppliesPatch(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)
	require.NoError(t, ledger.WriteCommitted(context.Background(), "tx-4"))

	backup := map[string]any{"coins": float64(10)}
	patch := []types.PatchOp{{Op: "replace", Path: "/coins", Value: float64(20)}}

	got, err := ReadTxValue(context.Background(), ledger, "tx-4", backup, patch)
	require.NoError(t, err)
	assert.Equal(t, float64(20), got.(map[string]any)["coins"])
}

func TestReadTxValue_NotCommittedReturnsBackup(t *testing.T) {
	docs := docstore.NewMemory()
	ledger := NewDocStoreLedger(docs)

	backup := map[string]any{"coins": float64(10)}
	patch := []types.PatchOp{{Op: "replace", Path: "/coins", Value: float64(20)}}

	got, err := ReadTxValue(context.Background(), ledger, "tx-5", backup, patch)
	require.NoError(t, err)
	assert.Equal(t, float64(10), got.(map[string]any)["coins"])
}
