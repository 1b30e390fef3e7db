package shard

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/playervault/pkg/docstore"
)

func TestSplit_SmallDataStaysWhole(t *testing.T) {
	data := map[string]any{"coins": float64(10)}
	chunks, manifest, err := Split(data, DefaultMaxDocBytes)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, []string{"0"}, manifest.ShardIDs)
}

func TestSplit_LargeDataIsChunked(t *testing.T) {
	big := strings.Repeat("x", 1000)
	data := map[string]any{"blob": big}
	chunks, manifest, err := Split(data, 200)
	require.NoError(t, err)
	assert.Greater(t, len(chunks), 1)
	assert.Len(t, manifest.ShardIDs, len(chunks))
}

func TestSplitReassemble_RoundTrip(t *testing.T) {
	data := map[string]any{"items": []any{"a", "b", "c"}, "coins": float64(42)}
	chunks, manifest, err := Split(data, 10)
	require.NoError(t, err)

	got, err := Reassemble(chunks, manifest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestReassemble_RejectsHashMismatch(t *testing.T) {
	data := map[string]any{"coins": float64(1)}
	chunks, manifest, err := Split(data, DefaultMaxDocBytes)
	require.NoError(t, err)

	manifest.ContentHash++
	_, err = Reassemble(chunks, manifest)
	require.Error(t, err)
}

func TestReassemble_RejectsShardCountMismatch(t *testing.T) {
	data := map[string]any{"coins": float64(1)}
	chunks, manifest, err := Split(data, DefaultMaxDocBytes)
	require.NoError(t, err)

	_, err = Reassemble(append(chunks, []byte("extra")), manifest)
	require.Error(t, err)
}

func TestDiffShardIDs(t *testing.T) {
	old := []string{"0", "1", "2"}
	next := []string{"0", "1"}
	assert.Equal(t, []string{"2"}, DiffShardIDs(old, next))
}

func TestOrphanQueue_EnqueueAndDrain(t *testing.T) {
	ctx := context.Background()
	q := NewOrphanQueue(docstore.NewMemory(), "players", 4)
	q.Enqueue(ctx, "players/alice/shard/1")
	q.Enqueue(ctx, "players/alice/shard/2")

	drained := q.Drain()
	assert.ElementsMatch(t, []string{"players/alice/shard/1", "players/alice/shard/2"}, drained)
	assert.Empty(t, q.Drain())
}

func TestOrphanQueue_FastPathDropWhenFullStillPersistsDurably(t *testing.T) {
	ctx := context.Background()
	q := NewOrphanQueue(docstore.NewMemory(), "players", 1)
	q.Enqueue(ctx, "a")
	q.Enqueue(ctx, "b") // dropped from the in-memory fast path, queue full
	drained := q.Drain()
	assert.Len(t, drained, 1)

	// Both ids must still be found via the durable queue, even though
	// the fast path only kept one.
	persisted, err := q.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, persisted)
}

func TestOrphanQueue_ForgetRemovesFromDurableQueue(t *testing.T) {
	ctx := context.Background()
	q := NewOrphanQueue(docstore.NewMemory(), "players", 4)
	q.Enqueue(ctx, "players/alice/shard/1")
	q.Enqueue(ctx, "players/alice/shard/2")

	require.NoError(t, q.Forget(ctx, []string{"players/alice/shard/1"}))

	persisted, err := q.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"players/alice/shard/2"}, persisted)
}

func TestOrphanQueue_LoadPersistedEmptyWhenNeverWritten(t *testing.T) {
	ctx := context.Background()
	q := NewOrphanQueue(docstore.NewMemory(), "players", 4)
	persisted, err := q.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}
