// Package txn implements the Two-Phase Multi-Key Transaction
// Protocol. Each participating key's pending change is staged directly
// in that key's own document (a document-embedded write-ahead log:
// Meta.ActiveTxID/CommittedData/TxPatch) rather than in a separate
// shared log, so recovery never has to correlate two documents to find
// out what a crashed transaction was doing to one key. The single
// linearization point is the Ledger: one bit, written once, that
// decides whether a transaction happened at all. The phase structure
// is grounded on the two-phase-commit coordinator in the SharedCode-sop
// example, adapted from its single-resource-manager shape to this
// module's fixed key-set transactions.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/playervault/pkg/codec"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/metrics"
	"github.com/cuemby/playervault/pkg/types"
)

// transformGrace mirrors pkg/session's grace period: the tx transform
// is bound by the same "synchronous, non-suspending frame" contract as
// an ordinary Update, so it gets the same brief
// wall-clock window to return before being treated as suspended.
const transformGrace = 5 * time.Millisecond

var logger = log.WithComponent("txn")

// KeyStore is the per-key durability hook a Coordinator stages and
// applies transactions through. The Store facade implements this over
// each key's Session, so that staging/applying a transaction goes
// through the same in-memory record and DocStore write path as any
// other change to that key.
type KeyStore interface {
	// Prepare durably stages txID against key: it must record
	// ActiveTxID=txID, CommittedData=backup, and TxPatch=patch on the
	// key's document, leaving Data itself untouched. Calling Prepare
	// twice with the same txID must be a no-op.
	Prepare(ctx context.Context, key, txID string, patch []types.PatchOp, backup types.Value) error

	// Apply durably finishes a committed transaction on key: it
	// merges TxPatch into Data and clears ActiveTxID/CommittedData/
	// TxPatch. Calling Apply after it has already completed (e.g. a
	// recovery redo) must be a no-op.
	Apply(ctx context.Context, key, txID string) error

	// Abort durably discards a staged, uncommitted transaction on
	// key: it clears ActiveTxID/CommittedData/TxPatch, leaving Data at
	// its pre-transaction value. Calling Abort after the transaction
	// has already committed must never happen; Coordinator guarantees
	// this by only aborting keys that were never handed to the
	// Ledger.
	Abort(ctx context.Context, key, txID string) error

	// CommitDirect writes data as key's new committed value with no
	// staging and no Ledger involvement, used only for the single-key
	// downgrade path: if only one key changed,
	// downgrade to an ordinary update and skip the remaining phases").
	CommitDirect(ctx context.Context, key string, data types.Value) error
}

// Ledger is the single-bit linearization point this protocol requires: the
// moment WriteCommitted succeeds, the transaction is committed, full
// stop, independent of how many participating keys have run Apply yet.
// The entry is transient: it exists only between Phase 3 and the end
// of Phase 4, after which every participating key's document has
// durably absorbed the commit and the ledger entry is deleted.
type Ledger interface {
	WriteCommitted(ctx context.Context, txID string) error
	Read(ctx context.Context, txID string) (committed bool, found bool, err error)
	Delete(ctx context.Context, txID string) error
}

// Coordinator runs transactions across a fixed set of keys.
type Coordinator struct {
	ledger Ledger
}

// New creates a Coordinator over the given Ledger.
func New(ledger Ledger) *Coordinator {
	return &Coordinator{ledger: ledger}
}

// Execute runs one transaction. reads must be a snapshot of every key
// in keys taken under that key's own lock before Execute is called;
// stores must have an entry for every key in keys. fn receives a deep
// copy of reads and computes the proposed post-transaction values and reports whether to commit; a
// false commit (or a non-nil error) aborts every key and changes
// nothing durable.
//
// Phase 0 is the caller's lock acquisition and snapshot, already done
// by the time Execute is invoked. Phases 1-4 are: compute (fn), stage
// (Prepare on every key), linearize (Ledger.WriteCommitted), and apply
// (Apply on every key). A failure during apply is returned to the
// caller but never rolled back: the ledger already says committed, so
// the only correct recovery is to retry Apply, not to abort.
func (c *Coordinator) Execute(
	ctx context.Context,
	txID string,
	keys []string,
	stores map[string]KeyStore,
	reads map[string]types.Value,
	fn func(map[string]types.Value) (map[string]types.Value, bool, error),
) (map[string]types.Value, error) {
	timer := metrics.NewTimer()
	input := make(map[string]types.Value, len(reads))
	for k, v := range reads {
		input[k] = types.DeepCopy(v)
	}
	proposed, commit, err := runTransform(input, fn)
	metrics.TxPhaseDuration.WithLabelValues("compute").Observe(timer.Duration().Seconds())
	if err != nil {
		metrics.TxOutcomesTotal.WithLabelValues("compute_failed").Inc()
		return nil, err
	}
	if !commit {
		metrics.TxOutcomesTotal.WithLabelValues("aborted_by_caller").Inc()
		return reads, nil
	}

	if !sameKeySet(keys, proposed) {
		metrics.TxOutcomesTotal.WithLabelValues("keys_changed").Inc()
		return nil, errs.New(errs.KeysChangedInTransaction, "", fmt.Errorf("transform must return exactly the same key set it was given"))
	}

	patches := make(map[string][]types.PatchOp, len(keys))
	var changedKeys []string
	for _, key := range keys {
		patches[key] = codec.Diff(reads[key], proposed[key])
		if len(patches[key]) > 0 {
			changedKeys = append(changedKeys, key)
		}
	}
	if len(changedKeys) == 0 {
		// No key actually changed: resolve committed with no DocStore
		// writes at all.
		metrics.TxOutcomesTotal.WithLabelValues("noop").Inc()
		return proposed, nil
	}
	if len(changedKeys) == 1 {
		// Only one key actually changed: downgrade to an ordinary
		// update and skip staging/ledger/apply entirely.
		key := changedKeys[0]
		if err := stores[key].CommitDirect(ctx, key, proposed[key]); err != nil {
			metrics.TxOutcomesTotal.WithLabelValues("downgrade_failed").Inc()
			return nil, errs.New(errs.TransientBackendError, key, fmt.Errorf("downgraded single-key commit: %w", err))
		}
		metrics.TxOutcomesTotal.WithLabelValues("downgraded_single_key").Inc()
		return proposed, nil
	}

	if err := c.prepareAll(ctx, txID, keys, stores, patches, reads); err != nil {
		return nil, err
	}

	timer = metrics.NewTimer()
	if err := c.ledger.WriteCommitted(ctx, txID); err != nil {
		metrics.TxPhaseDuration.WithLabelValues("ledger").Observe(timer.Duration().Seconds())
		c.abortAll(ctx, txID, keys, stores)
		metrics.TxOutcomesTotal.WithLabelValues("ledger_failed").Inc()
		return nil, errs.New(errs.TransientBackendError, "", fmt.Errorf("write transaction ledger: %w", err))
	}
	metrics.TxPhaseDuration.WithLabelValues("ledger").Observe(timer.Duration().Seconds())
	logger.Info(fmt.Sprintf("transaction %s committed", txID))

	timer = metrics.NewTimer()
	if err := c.applyAll(ctx, txID, keys, stores); err != nil {
		metrics.TxPhaseDuration.WithLabelValues("apply").Observe(timer.Duration().Seconds())
		metrics.TxOutcomesTotal.WithLabelValues("apply_failed").Inc()
		return nil, err
	}
	metrics.TxPhaseDuration.WithLabelValues("apply").Observe(timer.Duration().Seconds())

	// Cleanup: the ledger entry is only a bridge between the commit
	// point and every key absorbing it durably. Once Phase 4 is done,
	// every key's own document is authoritative again; a failure to
	// delete is healed by the next load finding a stale, harmless
	// ledger entry.
	if err := c.ledger.Delete(ctx, txID); err != nil {
		logger.Error(fmt.Sprintf("delete ledger entry for transaction %s failed, will be healed on next load", txID), err)
	}

	metrics.TxOutcomesTotal.WithLabelValues("committed").Inc()
	return proposed, nil
}

// runTransform calls fn on its own goroutine and reports
// errs.UpdateYielded if it has not returned within transformGrace; see
// the identical rationale on pkg/session's runTransform.
func runTransform(reads map[string]types.Value, fn func(map[string]types.Value) (map[string]types.Value, bool, error)) (map[string]types.Value, bool, error) {
	type result struct {
		proposed map[string]types.Value
		commit   bool
		err      error
	}
	done := make(chan result, 1)
	go func() {
		proposed, commit, err := fn(reads)
		done <- result{proposed, commit, err}
	}()
	select {
	case r := <-done:
		return r.proposed, r.commit, r.err
	case <-time.After(transformGrace):
		return nil, false, errs.New(errs.UpdateYielded, "", fmt.Errorf("transaction transform did not return synchronously"))
	}
}

// sameKeySet reports whether proposed has exactly one entry for every
// key in keys and no others: a transform that adds or removes a key
// must be rejected rather than silently treated as a change to (or
// loss of) that key's data.
func sameKeySet(keys []string, proposed map[string]types.Value) bool {
	if len(proposed) != len(keys) {
		return false
	}
	for _, key := range keys {
		if _, ok := proposed[key]; !ok {
			return false
		}
	}
	return true
}

func (c *Coordinator) prepareAll(ctx context.Context, txID string, keys []string, stores map[string]KeyStore, patches map[string][]types.PatchOp, reads map[string]types.Value) error {
	timer := metrics.NewTimer()
	defer func() { metrics.TxPhaseDuration.WithLabelValues("prepare").Observe(timer.Duration().Seconds()) }()

	var staged []string
	for _, key := range keys {
		if err := stores[key].Prepare(ctx, key, txID, patches[key], reads[key]); err != nil {
			for _, done := range staged {
				if abortErr := stores[done].Abort(ctx, done, txID); abortErr != nil {
					logger.Error(fmt.Sprintf("rollback of staged key %s for failed transaction %s failed", done, txID), abortErr)
				}
			}
			metrics.TxOutcomesTotal.WithLabelValues("prepare_failed").Inc()
			return errs.New(errs.TransientBackendError, key, fmt.Errorf("prepare transaction: %w", err))
		}
		staged = append(staged, key)
	}
	return nil
}

func (c *Coordinator) abortAll(ctx context.Context, txID string, keys []string, stores map[string]KeyStore) {
	for _, key := range keys {
		if err := stores[key].Abort(ctx, key, txID); err != nil {
			logger.Error(fmt.Sprintf("abort transaction %s on key %s failed, will be retried by recovery", txID, key), err)
		}
	}
}

func (c *Coordinator) applyAll(ctx context.Context, txID string, keys []string, stores map[string]KeyStore) error {
	for _, key := range keys {
		if err := stores[key].Apply(ctx, key, txID); err != nil {
			logger.Error(fmt.Sprintf("apply transaction %s on key %s failed, must be retried", txID, key), err)
			return errs.New(errs.TransientBackendError, key, fmt.Errorf("apply committed transaction: %w", err))
		}
	}
	return nil
}

// ReadTxValue implements the readTx rule: it resolves the value a
// reader should see for a key that currently has a staged transaction
// (meta.InTransaction()). If the ledger confirms txID committed, the
// reader sees the patch already applied to backup even if Apply
// hasn't physically run on this key's document yet; otherwise the
// reader sees backup itself, the pre-transaction value, whether the
// transaction is still in flight or was aborted.
func ReadTxValue(ctx context.Context, ledger Ledger, txID string, backup types.Value, patch []types.PatchOp) (types.Value, error) {
	committed, found, err := ledger.Read(ctx, txID)
	if err != nil {
		return nil, err
	}
	if found && committed {
		return codec.Apply(backup, patch)
	}
	return backup, nil
}
