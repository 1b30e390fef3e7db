package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/playervault/pkg/codec"
	"github.com/cuemby/playervault/pkg/docstore"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/fanout"
	"github.com/cuemby/playervault/pkg/lockmgr"
	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/metrics"
	"github.com/cuemby/playervault/pkg/migrate"
	"github.com/cuemby/playervault/pkg/queue"
	"github.com/cuemby/playervault/pkg/shard"
	"github.com/cuemby/playervault/pkg/txn"
	"github.com/cuemby/playervault/pkg/types"
)

var logger = log.WithComponent("session")

// State is one of the Session FSM's named states.
type State string

const (
	Loading   State = "Loading"
	Ready     State = "Ready"
	Unloading State = "Unloading"
	Closed    State = "Closed"
	Lost      State = "Lost"
)

// Config carries everything a Session needs from its owning Store:
// shared backend handles, per-store hooks, and tunables. The Store
// facade builds one Config per key and keeps the heavyweight shared
// dependencies (Docs, Locks, Ledger, Migrations, Broker, Orphans) the
// same across every Session it owns.
type Config struct {
	Key  string
	Docs docstore.Store

	Locks      *lockmgr.Manager
	Ledger     txn.Ledger
	Migrations *migrate.Runner
	Broker     *fanout.Broker
	Orphans    *shard.OrphanQueue

	Schema           func(data types.Value) (bool, string)
	Template         types.Value
	ImportLegacyData func(ctx context.Context, key string) (types.Value, error)

	DisableReferenceProtection bool
	MaxDocBytes                int
	LockDuration               time.Duration
	LockRefreshInterval        time.Duration
	AutosaveInterval           time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxDocBytes <= 0 {
		c.MaxDocBytes = shard.DefaultMaxDocBytes
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 30 * time.Second
	}
	if c.AutosaveInterval <= 0 {
		c.AutosaveInterval = 30 * time.Second
	}
	if c.Schema == nil {
		c.Schema = func(types.Value) (bool, string) { return true, "" }
	}
	return c
}

// Session is the per-key state machine backing one loaded key. All
// exported methods are safe for concurrent use; actual mutation of the
// record happens serialized on the Session's Queue, which is driven by
// the background goroutine started in Load.
type Session struct {
	cfg Config
	key string

	mu    sync.RWMutex
	state State

	record      types.Record // durable meta + durable/staged bookkeeping
	pendingData types.Value  // in-memory authoritative data, may be ahead of what's on disk
	lastSaved   types.Value  // last value durably written via flush/Prepare/Apply
	dirty       bool

	lock  *lockmgr.Lock
	queue *queue.Queue

	cancel     context.CancelFunc
	workerDone chan struct{}
}

// New creates a Session for cfg.Key. It does nothing durable until
// Load is called.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:   cfg,
		key:   cfg.Key,
		state: Loading,
		queue: queue.New(64),
	}
}

// Key returns the key this Session owns.
func (s *Session) Key() string { return s.key }

// State reports the Session's current FSM state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != "" {
		metrics.SessionsByState.WithLabelValues(string(prev)).Dec()
	}
	metrics.SessionsByState.WithLabelValues(string(st)).Inc()
}

// IsReady reports whether the Session currently accepts operations.
func (s *Session) IsReady() bool {
	return s.State() == Ready
}

func (s *Session) requireReady() error {
	switch st := s.State(); st {
	case Ready:
		return nil
	case Lost:
		return errs.New(errs.LockLost, s.key, fmt.Errorf("session lost its lease"))
	case Closed, Unloading:
		return errs.New(errs.StoreClosed, s.key, fmt.Errorf("session is %s", st))
	default:
		return errs.New(errs.KeyNotLoaded, s.key, fmt.Errorf("session is %s", st))
	}
}

// Load brings the Session from Loading to Ready: it acquires the
// key's lease, reads (and, if sharded, reassembles) the primary
// document, resolves any in-flight transaction via the readTx rule,
// runs pending migrations, validates the result against the schema,
// and finally starts the background worker and autosave loops. Any
// failure along the way leaves the Session Closed, matching its
// "Loading -> Closed on any failure" transition.
func (s *Session) Load(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LoadDuration)

	lock, err := s.cfg.Locks.Acquire(ctx, s.key, s.onLockLost)
	if err != nil {
		s.setState(Closed)
		return err
	}
	s.lock = lock

	data, meta, isNew, err := s.loadRecord(ctx)
	if err != nil {
		_ = lock.Stop(ctx)
		s.setState(Closed)
		return err
	}

	data, newApplied, err := s.cfg.Migrations.Apply(data, meta.AppliedMigrations)
	if err != nil {
		_ = lock.Stop(ctx)
		s.setState(Closed)
		return err
	}
	meta.AppliedMigrations = newApplied

	if ok, reason := s.cfg.Schema(data); !ok {
		_ = lock.Stop(ctx)
		s.setState(Closed)
		return errs.New(errs.SchemaFailed, s.key, fmt.Errorf("%s", reason))
	}

	s.mu.Lock()
	s.record = types.Record{Meta: meta}
	s.pendingData = data
	s.lastSaved = data
	s.dirty = isNew // a freshly-created record hasn't been durably written yet
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		s.queue.Worker(runCtx)
	}()
	go s.autosaveLoop(runCtx)

	s.setState(Ready)
	metrics.SessionsActive.Inc()
	s.cfg.Broker.Publish(s.key, nil, data)
	logger.WithKey(s.key).Info("session ready")
	return nil
}

// loadRecord fetches the durable record for the key (if any),
// reassembling shards and applying the readTx rule, and reports
// whether it had to fall back to a template/legacy-import because no
// record existed yet.
func (s *Session) loadRecord(ctx context.Context) (types.Value, types.Meta, bool, error) {
	raw, version, err := s.cfg.Docs.Get(ctx, s.key)
	if err != nil {
		if !errs.Is(err, errs.KeyNotFound) {
			return nil, types.Meta{}, false, err
		}
		return s.loadFresh(ctx)
	}

	rec, err := codec.Decode(raw)
	if err != nil {
		return nil, types.Meta{}, false, err
	}
	rec.Meta.Version = version

	var data types.Value
	if rec.Sharded() {
		chunks := make([][]byte, len(rec.Manifest.ShardIDs))
		for i, id := range rec.Manifest.ShardIDs {
			chunk, _, err := s.cfg.Docs.Get(ctx, id)
			if err != nil {
				return nil, types.Meta{}, false, err
			}
			chunks[i] = chunk
		}
		data, err = shard.Reassemble(chunks, *rec.Manifest)
		if err != nil {
			return nil, types.Meta{}, false, err
		}
	} else {
		data = rec.Data
	}

	if rec.Meta.InTransaction() {
		data, err = txn.ReadTxValue(ctx, s.cfg.Ledger, rec.Meta.ActiveTxID, rec.Meta.CommittedData, rec.Meta.TxPatch)
		if err != nil {
			return nil, types.Meta{}, false, err
		}
	}

	return data, rec.Meta, false, nil
}

func (s *Session) loadFresh(ctx context.Context) (types.Value, types.Meta, bool, error) {
	data := types.DeepCopy(s.cfg.Template)
	if s.cfg.ImportLegacyData != nil {
		imported, err := s.cfg.ImportLegacyData(ctx, s.key)
		if err != nil {
			return nil, types.Meta{}, false, errs.New(errs.ImportFailed, s.key, err)
		}
		if imported != nil {
			data = imported
		}
	}
	meta := types.Meta{ShardIDs: []string{s.key}, Version: 0}
	return data, meta, true, nil
}

func (s *Session) onLockLost() {
	if s.State() != Ready {
		return
	}
	s.setState(Lost)
	logger.WithKey(s.key).Warn("session lost its lease, rejecting further operations")
	if s.cancel != nil {
		s.cancel()
	}
}

// Unload drains the queue, force-saves any dirty data, releases the
// lease, and transitions to Closed.
func (s *Session) Unload(ctx context.Context) error {
	switch s.State() {
	case Closed, Lost:
		return nil
	}
	s.setState(Unloading)

	err := s.queue.Run(ctx, func(ctx context.Context) error {
		return s.flushLocked(ctx)
	})
	if err != nil {
		logger.WithKey(s.key).Error("final save before unload failed", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.lock != nil {
		if stopErr := s.lock.Stop(ctx); stopErr != nil {
			logger.WithKey(s.key).Error("releasing lease on unload failed", stopErr)
		}
	}
	s.setState(Closed)
	metrics.SessionsActive.Dec()
	return err
}

// currentData resolves the value a reader should see right now,
// honoring the readTx rule even for this Session's own in-memory
// state: between a transaction's Phase 3 ledger commit and this
// Session's own Phase 4 apply, pendingData may not have caught up yet.
func (s *Session) currentData(ctx context.Context) (types.Value, error) {
	s.mu.RLock()
	inTx := s.record.Meta.InTransaction()
	txID := s.record.Meta.ActiveTxID
	backup := s.record.Meta.CommittedData
	patch := s.record.Meta.TxPatch
	pending := s.pendingData
	s.mu.RUnlock()

	if !inTx {
		return pending, nil
	}
	return txn.ReadTxValue(ctx, s.cfg.Ledger, txID, backup, patch)
}

// Get returns a deep copy of the key's current data.
func (s *Session) Get(ctx context.Context) (types.Value, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	data, err := s.currentData(ctx)
	if err != nil {
		return nil, err
	}
	return types.DeepCopy(data), nil
}

// Validate reports whether data satisfies this key's configured
// schema. The transaction coordinator has no notion of schemas of its
// own; a Store facade validates every participating key's proposed
// value through this method during Phase 1, before any key is staged,
// so a schema violation aborts the whole transaction with no partial
// writes.
func (s *Session) Validate(data types.Value) (bool, string) {
	return s.cfg.Schema(data)
}

// Update runs fn against the key's current data through the queue: it
// first tries the fast path (immediate execution, bypassing the
// queue), falling back to the ordinary FIFO queue only when the fast
// path reports it is not eligible (a transaction is pending, or
// another operation is already in flight for this key) — a fast-path
// attempt that got as far as invoking fn is never retried, even if fn
// itself yielded, since fn has already run exactly once by then.
func (s *Session) Update(ctx context.Context, fn func(data types.Value) (types.Value, bool, error)) (bool, error) {
	if err := s.requireReady(); err != nil {
		return false, err
	}

	var committed bool
	job := func(ctx context.Context) error {
		c, err := s.doUpdate(ctx, fn)
		committed = c
		return err
	}

	err := s.queue.FastUpdate(ctx, job)
	if queue.NotEligible(err) {
		metrics.OperationsTotal.WithLabelValues("update", "queued").Inc()
		err = s.queue.Run(ctx, job)
	} else if err == nil {
		metrics.OperationsTotal.WithLabelValues("update", "fast_path").Inc()
	}
	if err != nil {
		metrics.OperationsTotal.WithLabelValues("update", "failed").Inc()
		return false, err
	}
	return committed, nil
}

func (s *Session) doUpdate(ctx context.Context, fn func(types.Value) (types.Value, bool, error)) (bool, error) {
	if st := s.State(); st != Ready {
		return false, s.requireReady()
	}

	current, err := s.currentData(ctx)
	if err != nil {
		return false, err
	}

	input := current
	if !s.cfg.DisableReferenceProtection {
		input = types.DeepCopy(current)
	}

	newData, commit, err := runTransform(s.key, func() (types.Value, bool, error) {
		return fn(input)
	})
	if err != nil {
		return false, err
	}
	if !commit {
		return false, nil
	}

	if ok, reason := s.cfg.Schema(newData); !ok {
		return false, errs.New(errs.SchemaFailed, s.key, fmt.Errorf("%s", reason))
	}

	s.mu.Lock()
	old := s.pendingData
	s.pendingData = newData
	s.dirty = true
	s.mu.Unlock()

	s.cfg.Broker.Publish(s.key, old, newData)
	return true, nil
}

// Save forces a flush of any dirty in-memory data to DocStore,
// resolving once it is durable.
func (s *Session) Save(ctx context.Context) error {
	if err := s.requireReady(); err != nil {
		return err
	}
	return s.queue.Run(ctx, func(ctx context.Context) error {
		return s.flushLocked(ctx)
	})
}

// flushLocked writes the current pending data if dirty. It must only
// be called from a job already serialized on the Queue.
func (s *Session) flushLocked(ctx context.Context) error {
	s.mu.RLock()
	dirty := s.dirty
	data := s.pendingData
	meta := s.record.Meta
	s.mu.RUnlock()

	if !dirty {
		return nil
	}

	newMeta, err := s.persistData(ctx, data, meta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.record.Meta = newMeta
	s.lastSaved = data
	s.dirty = false
	s.mu.Unlock()
	return nil
}

func (s *Session) autosaveLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AutosaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.queue.Run(ctx, func(ctx context.Context) error {
				return s.flushLocked(ctx)
			})
			if err != nil && ctx.Err() == nil {
				logger.WithKey(s.key).Error("autosave failed, will retry next interval", err)
			}
		}
	}
}

// persistData durably writes data+meta for s.key, splitting into
// shard documents when the encoded size exceeds MaxDocBytes, and
// enqueuing any shard documents the new write no longer references for
// garbage collection. It returns meta updated with the new ShardIDs
// and DocStore version.
func (s *Session) persistData(ctx context.Context, data types.Value, meta types.Meta) (types.Meta, error) {
	// Refuse to durably mutate once this
	// process can no longer assert its lease, even if onLockLost
	// hasn't fired yet — the refresh loop only notices loss on its own
	// ticker cadence, but the local expected-expiry can already show
	// the lease as stale.
	if s.lock != nil && !s.lock.IsLocked() {
		return meta, errs.New(errs.LockLost, s.key, fmt.Errorf("local expected-expiry elapsed before write"))
	}

	oldShardIDs := meta.ShardIDs

	size, err := codec.Size(types.Record{Data: data, Meta: meta})
	if err != nil {
		return meta, err
	}

	var primary types.Record
	var newShardIDs []string
	if size <= s.cfg.MaxDocBytes {
		primary = types.Record{Data: data, Meta: meta}
		newShardIDs = []string{s.key}
	} else {
		chunks, manifest, err := shard.Split(data, s.cfg.MaxDocBytes)
		if err != nil {
			return meta, err
		}
		absoluteIDs := make([]string, len(chunks))
		for i, chunk := range chunks {
			id := shard.ShardDocID(s.key, i)
			absoluteIDs[i] = id
			if err := s.putForce(ctx, id, chunk); err != nil {
				return meta, err
			}
		}
		manifest.ShardIDs = absoluteIDs
		primary = types.Record{Manifest: &manifest, Meta: meta}
		newShardIDs = absoluteIDs
	}
	primary.Meta.ShardIDs = newShardIDs

	raw, _, err := codec.Encode(primary)
	if err != nil {
		return meta, err
	}
	newVersion, err := s.cfg.Docs.Put(ctx, s.key, raw, meta.Version)
	if err != nil {
		return meta, errs.New(errs.TransientBackendError, s.key, fmt.Errorf("write primary document: %w", err))
	}
	primary.Meta.Version = newVersion

	for _, id := range shard.DiffShardIDs(oldShardIDs, newShardIDs) {
		if id == s.key {
			// The primary document was just rewritten above; it is never an orphan.
			continue
		}
		s.cfg.Orphans.Enqueue(ctx, id)
		if err := s.cfg.Docs.Delete(ctx, id); err != nil {
			logger.WithKey(s.key).Error("deleting orphaned shard failed, left for sweep", err)
		} else {
			metrics.ShardOrphansDeleted.Inc()
			if err := s.cfg.Orphans.Forget(ctx, []string{id}); err != nil {
				logger.WithKey(s.key).Error("forgetting deleted orphan from durable queue failed, will be retried by sweep", err)
			}
		}
	}

	return primary.Meta, nil
}

// putForce writes payload to id regardless of its current version,
// used for shard bodies: they are written exclusively by this
// session's own single-writer goroutine (guaranteed by the lease), so
// there is no concurrent writer to race against.
func (s *Session) putForce(ctx context.Context, id string, payload []byte) error {
	_, version, err := s.cfg.Docs.Get(ctx, id)
	if err != nil {
		if !errs.Is(err, errs.KeyNotFound) {
			return err
		}
		version = 0
	}
	_, err = s.cfg.Docs.Put(ctx, id, payload, version)
	return err
}

// transformGrace is how long an Update/Tx transform gets to return
// before it is treated as having suspended (fn is invoked
// on a synchronous, non-suspending frame ... if fn suspends or blocks,
// the operation fails with UpdateYielded"). Go has no hook into a
// goroutine's own suspension points, so this stands in for the
// cooperative-scheduling contract with a short
// wall-clock deadline: real transforms (map/slice mutation, arithmetic)
// return in microseconds, while anything that blocks on I/O, a sleep,
// or a channel receive overruns it by orders of magnitude.
const transformGrace = 5 * time.Millisecond

// runTransform calls fn on its own goroutine and reports
// errs.UpdateYielded if it has not returned within transformGrace. A fn
// that overruns is abandoned without being cancelled: its eventual
// return value, if any, is discarded, and the caller's pending copy
// never gets written back. With reference protection on, fn worked on
// a deep copy, so the abandoned goroutine cannot corrupt anything by
// finishing late; with DisableReferenceProtection set, fn was handed
// the live value and a late finish can still mutate it.
func runTransform(key string, fn func() (types.Value, bool, error)) (types.Value, bool, error) {
	type result struct {
		data   types.Value
		commit bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		data, commit, err := fn()
		done <- result{data, commit, err}
	}()
	select {
	case r := <-done:
		return r.data, r.commit, r.err
	case <-time.After(transformGrace):
		return nil, false, errs.New(errs.UpdateYielded, key, fmt.Errorf("transform did not return synchronously"))
	}
}

// BeginTx implements Phase 0/1's snapshot step for this key: it
// disables the fast path, flushes any dirty in-memory data so the
// snapshot handed to the transform function matches what is durable,
// and returns a deep copy of that data. Callers must pair a successful
// BeginTx with a later EndTxSlot.
func (s *Session) BeginTx(ctx context.Context) (types.Value, error) {
	if err := s.requireReady(); err != nil {
		return nil, err
	}
	s.queue.SetTxPending(true)

	var snapshot types.Value
	err := s.queue.Run(ctx, func(ctx context.Context) error {
		if err := s.flushLocked(ctx); err != nil {
			return err
		}
		s.mu.RLock()
		snapshot = types.DeepCopy(s.pendingData)
		s.mu.RUnlock()
		return nil
	})
	if err != nil {
		s.queue.SetTxPending(false)
		return nil, err
	}
	return snapshot, nil
}

// EndTxSlot re-enables the fast path for this key. It is idempotent
// and safe to call whether or not the transaction ultimately
// committed.
func (s *Session) EndTxSlot() {
	s.queue.SetTxPending(false)
}

// Prepare implements txn.KeyStore: it durably stages txID against this
// key, leaving Data untouched on disk.
func (s *Session) Prepare(ctx context.Context, key, txID string, patch []types.PatchOp, backup types.Value) error {
	return s.queue.Run(ctx, func(ctx context.Context) error {
		return s.doPrepare(ctx, txID, patch, backup)
	})
}

func (s *Session) doPrepare(ctx context.Context, txID string, patch []types.PatchOp, backup types.Value) error {
	s.mu.RLock()
	already := s.record.Meta.ActiveTxID == txID
	meta := s.record.Meta
	s.mu.RUnlock()
	if already {
		return nil
	}

	meta.ActiveTxID = txID
	meta.CommittedData = types.DeepCopy(backup)
	meta.TxPatch = append([]types.PatchOp(nil), patch...)

	newMeta, err := s.persistData(ctx, backup, meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.record.Meta = newMeta
	s.pendingData = backup
	s.lastSaved = backup
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Apply implements txn.KeyStore: it merges the staged patch into
// CommittedData, clears the staged fields, and fans out the change.
func (s *Session) Apply(ctx context.Context, key, txID string) error {
	return s.queue.Run(ctx, func(ctx context.Context) error {
		return s.doApply(ctx, txID)
	})
}

func (s *Session) doApply(ctx context.Context, txID string) error {
	s.mu.RLock()
	active := s.record.Meta.ActiveTxID
	backup := s.record.Meta.CommittedData
	patch := s.record.Meta.TxPatch
	meta := s.record.Meta
	s.mu.RUnlock()
	if active != txID {
		return nil // already applied, or never staged here
	}

	newData, err := codec.Apply(backup, patch)
	if err != nil {
		return err
	}

	meta.ActiveTxID = ""
	meta.CommittedData = nil
	meta.TxPatch = nil

	newMeta, err := s.persistData(ctx, newData, meta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.record.Meta = newMeta
	s.pendingData = newData
	s.lastSaved = newData
	s.dirty = false
	s.mu.Unlock()

	s.cfg.Broker.Publish(s.key, backup, newData)
	return nil
}

// CommitDirect implements txn.KeyStore's single-key downgrade path: it
// writes data as the key's new committed value directly, with no
// ActiveTxID/CommittedData/TxPatch staging and no Ledger entry.
func (s *Session) CommitDirect(ctx context.Context, key string, data types.Value) error {
	return s.queue.Run(ctx, func(ctx context.Context) error {
		return s.doCommitDirect(ctx, data)
	})
}

func (s *Session) doCommitDirect(ctx context.Context, data types.Value) error {
	s.mu.RLock()
	old := s.pendingData
	meta := s.record.Meta
	s.mu.RUnlock()

	newMeta, err := s.persistData(ctx, data, meta)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.record.Meta = newMeta
	s.pendingData = data
	s.lastSaved = data
	s.dirty = false
	s.mu.Unlock()

	s.cfg.Broker.Publish(s.key, old, data)
	return nil
}

// Abort implements txn.KeyStore: it discards a staged, uncommitted
// transaction, leaving Data at its pre-transaction value.
func (s *Session) Abort(ctx context.Context, key, txID string) error {
	return s.queue.Run(ctx, func(ctx context.Context) error {
		return s.doAbort(ctx, txID)
	})
}

func (s *Session) doAbort(ctx context.Context, txID string) error {
	s.mu.RLock()
	active := s.record.Meta.ActiveTxID
	backup := s.record.Meta.CommittedData
	meta := s.record.Meta
	s.mu.RUnlock()
	if active != txID {
		return nil
	}

	meta.ActiveTxID = ""
	meta.CommittedData = nil
	meta.TxPatch = nil

	newMeta, err := s.persistData(ctx, backup, meta)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.record.Meta = newMeta
	s.pendingData = backup
	s.lastSaved = backup
	s.dirty = false
	s.mu.Unlock()
	return nil
}
