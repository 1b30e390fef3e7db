// Package shard implements the Shard Manager: splitting a
// record whose encoded size exceeds the configured ceiling across
// sibling documents, reassembling it on load, and tracking orphaned
// shard documents for later garbage collection. It is grounded on the
// teacher's boltdb-backed storage layer for document naming conventions
// and uses github.com/cespare/xxhash/v2 (already present in the
// teacher's dependency graph and reused by the bsc-erigon example) for
// the manifest's non-cryptographic content hash.
package shard

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/playervault/pkg/docstore"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/metrics"
	"github.com/cuemby/playervault/pkg/types"
)

var logger = log.WithComponent("shard")

// DefaultMaxDocBytes is the default ceiling before a
// record's data is split across sibling shard documents.
const DefaultMaxDocBytes = 3_800_000

// ShardDocID returns the DocStore id of the index'th shard document for
// key, e.g. "players/alice/shard/0".
func ShardDocID(key string, index int) string {
	return fmt.Sprintf("%s/shard/%d", key, index)
}

// Split divides data's JSON encoding into chunks no larger than
// maxBytes and returns the shard payloads plus a manifest describing
// them. data must already have passed codec.CheckShape.
func Split(data types.Value, maxBytes int) ([][]byte, types.ShardManifest, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, types.ShardManifest{}, errs.New(errs.CorruptRecord, "", fmt.Errorf("marshal data for sharding: %w", err))
	}

	if maxBytes <= 0 {
		maxBytes = DefaultMaxDocBytes
	}

	hash := xxhash.Sum64(raw)
	if len(raw) <= maxBytes {
		return [][]byte{raw}, types.ShardManifest{
			ShardIDs:    []string{"0"},
			TotalSize:   len(raw),
			ContentHash: hash,
		}, nil
	}

	// Use the fewest segments that fit under maxBytes, all of equal
	// length except possibly a shorter last one.
	k := (len(raw) + maxBytes - 1) / maxBytes
	size := (len(raw) + k - 1) / k
	var chunks [][]byte
	for len(raw) > 0 {
		n := size
		if n > len(raw) {
			n = len(raw)
		}
		chunk := make([]byte, n)
		copy(chunk, raw[:n])
		chunks = append(chunks, chunk)
		raw = raw[n:]
	}

	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = fmt.Sprintf("%d", i)
	}

	manifest := types.ShardManifest{
		ShardIDs:    ids,
		TotalSize:   len(rawJoin(chunks)),
		ContentHash: hash,
	}
	return chunks, manifest, nil
}

func rawJoin(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// Reassemble concatenates shard payloads in manifest order, verifies
// the result against manifest.ContentHash, and unmarshals it back into
// a Value. A hash mismatch is reported as errs.CorruptRecord: shard
// documents were lost, reordered, or partially overwritten.
func Reassemble(chunks [][]byte, manifest types.ShardManifest) (types.Value, error) {
	if len(chunks) != len(manifest.ShardIDs) {
		return nil, errs.New(errs.CorruptRecord, "", fmt.Errorf("shard count mismatch: manifest has %d, got %d", len(manifest.ShardIDs), len(chunks)))
	}

	raw := rawJoin(chunks)
	if len(raw) != manifest.TotalSize {
		return nil, errs.New(errs.CorruptRecord, "", fmt.Errorf("shard size mismatch: manifest says %d, got %d", manifest.TotalSize, len(raw)))
	}

	if got := xxhash.Sum64(raw); got != manifest.ContentHash {
		return nil, errs.New(errs.CorruptRecord, "", fmt.Errorf("shard content hash mismatch: manifest says %x, computed %x", manifest.ContentHash, got))
	}

	var v types.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errs.New(errs.CorruptRecord, "", fmt.Errorf("unmarshal reassembled shard data: %w", err))
	}
	return v, nil
}

// orphanQueueDoc is the wire shape of the per-store OrphanedFileQueue
// document: a single DocStore document, one per
// store, listing shard ids that are no longer referenced by any
// manifest and are pending deletion.
type orphanQueueDoc struct {
	IDs []string `json:"ids"`
}

// OrphanQueue accumulates shard document ids that are no longer
// referenced by any manifest (superseded by a resplit, or left behind
// by a crash between writing the primary document and its old shards)
// so a background sweeper can delete them without blocking the write
// path that produced them. This must survive
// a process restart, so every Enqueue durably appends to a single
// OrphanedFileQueue document in DocStore (CAS-retried against
// concurrent writers) in addition to the in-memory fast-path channel a
// same-process sweeper drains first.
type OrphanQueue struct {
	docs docstore.Store
	docID string

	ids chan string // fast path: ids this process itself just orphaned
}

// NewOrphanQueue creates a queue backed by the OrphanedFileQueue
// document "{name}/orphans" in docs, with the given fast-path buffer
// capacity for same-process enqueue/drain.
func NewOrphanQueue(docs docstore.Store, name string, capacity int) *OrphanQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OrphanQueue{
		docs:  docs,
		docID: name + "/orphans",
		ids:   make(chan string, capacity),
	}
}

// Enqueue marks id as orphaned: it is pushed to the in-memory fast-path
// channel (never blocking; a full channel just drops the fast-path hint
// and logs, since the durable queue still has it) and durably appended
// to the OrphanedFileQueue document so a future sweep — in this process
// or, after a crash, a successor's — can still find it.
func (q *OrphanQueue) Enqueue(ctx context.Context, id string) {
	select {
	case q.ids <- id:
	default:
		logger.Warn("orphan queue fast-path full, relying on durable queue for " + id)
	}
	metrics.ShardOrphansQueued.Inc()

	if err := q.appendPersisted(ctx, id); err != nil {
		logger.Error("durably enqueuing orphan id "+id+" failed, will be found by next full sweep only if rediscovered", err)
	}
}

// Drain returns every id currently on the in-memory fast path, without
// blocking and without touching DocStore.
func (q *OrphanQueue) Drain() []string {
	var out []string
	for {
		select {
		case id := <-q.ids:
			out = append(out, id)
		default:
			return out
		}
	}
}

// LoadPersisted reads every id currently recorded in the durable
// OrphanedFileQueue document, for a full sweep (the queue is
// consulted every open of the store and periodically while running").
// A queue that has never been written to reports an empty list, not an
// error.
func (q *OrphanQueue) LoadPersisted(ctx context.Context) ([]string, error) {
	doc, _, err := q.readPersisted(ctx)
	if err != nil {
		return nil, err
	}
	return doc.IDs, nil
}

// Forget durably removes the given ids from the OrphanedFileQueue
// document, called once they have actually been deleted from DocStore.
// Ids not present in the document are ignored.
func (q *OrphanQueue) Forget(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	for {
		doc, version, err := q.readPersisted(ctx)
		if err != nil {
			return err
		}
		kept := doc.IDs[:0]
		for _, id := range doc.IDs {
			if !drop[id] {
				kept = append(kept, id)
			}
		}
		if err := q.writePersisted(ctx, orphanQueueDoc{IDs: kept}, version); err != nil {
			if errs.Is(err, errs.TerminalBackendError) {
				continue // lost the CAS race against a concurrent enqueue/forget, retry
			}
			return err
		}
		return nil
	}
}

func (q *OrphanQueue) appendPersisted(ctx context.Context, id string) error {
	for {
		doc, version, err := q.readPersisted(ctx)
		if err != nil {
			return err
		}
		for _, existing := range doc.IDs {
			if existing == id {
				return nil // already durably recorded
			}
		}
		doc.IDs = append(doc.IDs, id)
		if err := q.writePersisted(ctx, doc, version); err != nil {
			if errs.Is(err, errs.TerminalBackendError) {
				continue // lost the CAS race, retry with the fresher version
			}
			return err
		}
		return nil
	}
}

func (q *OrphanQueue) readPersisted(ctx context.Context) (orphanQueueDoc, uint64, error) {
	raw, version, err := q.docs.Get(ctx, q.docID)
	if err != nil {
		if errs.Is(err, errs.KeyNotFound) {
			return orphanQueueDoc{}, 0, nil
		}
		return orphanQueueDoc{}, 0, err
	}
	var doc orphanQueueDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return orphanQueueDoc{}, 0, errs.New(errs.CorruptRecord, q.docID, fmt.Errorf("decode orphan queue document: %w", err))
	}
	return doc, version, nil
}

func (q *OrphanQueue) writePersisted(ctx context.Context, doc orphanQueueDoc, expectedVersion uint64) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return errs.New(errs.CorruptRecord, q.docID, fmt.Errorf("encode orphan queue document: %w", err))
	}
	_, err = q.docs.Put(ctx, q.docID, raw, expectedVersion)
	return err
}

// DiffShardIDs returns the shard ids present in old but not in next,
// i.e. the ids a resplit has orphaned.
func DiffShardIDs(old, next []string) []string {
	keep := make(map[string]bool, len(next))
	for _, id := range next {
		keep[id] = true
	}
	var orphaned []string
	for _, id := range old {
		if !keep[id] {
			orphaned = append(orphaned, id)
		}
	}
	return orphaned
}
