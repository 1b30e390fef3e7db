package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/playervault/pkg/codec"
	"github.com/cuemby/playervault/pkg/docstore"
	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/fanout"
	"github.com/cuemby/playervault/pkg/leasemap"
	"github.com/cuemby/playervault/pkg/lockmgr"
	"github.com/cuemby/playervault/pkg/log"
	"github.com/cuemby/playervault/pkg/migrate"
	"github.com/cuemby/playervault/pkg/session"
	"github.com/cuemby/playervault/pkg/shard"
	"github.com/cuemby/playervault/pkg/txn"
	"github.com/cuemby/playervault/pkg/types"
)

var logger = log.WithComponent("store")

// Config is the Host API surface: everything a Store
// needs to know about one logical collection of keys.
type Config struct {
	Name string

	Template types.Value
	Schema   func(data types.Value) (bool, string)

	MigrationSteps   []migrate.Step
	ImportLegacyData func(ctx context.Context, key string) (types.Value, error)

	ChangedCallbacks []fanout.Observer
	LogCallback      log.Sink

	DisableReferenceProtection bool
	MaxDocBytes                int
	LockDuration               time.Duration
	LockRefreshInterval        time.Duration
	AutosaveInterval           time.Duration
}

// Store is the host-facing facade over every Session this process
// holds for one collection. It implements load/unload/update/tx/save/
// get/peek/close exactly as the Store Facade describes them.
type Store struct {
	cfg Config

	docs       docstore.Store
	locks      *lockmgr.Manager
	ledger     txn.Ledger
	migrations *migrate.Runner
	broker     *fanout.Broker
	orphans    *shard.OrphanQueue
	coord      *txn.Coordinator

	mu       sync.RWMutex
	sessions map[string]*session.Session
	closed   bool

	loadGroup singleflight.Group

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// defaultOrphanSweepInterval is how often Store's background sweeper
// reconciles the OrphanedFileQueue when the host doesn't drive
// SweepOrphans itself, for when a host wants to drive it "periodically while running".
const defaultOrphanSweepInterval = 5 * time.Minute

// New builds a Store over docs/leases with the given Config.
func New(docs docstore.Store, leases leasemap.Map, cfg Config) *Store {
	if cfg.LogCallback != nil {
		log.SetSink(cfg.LogCallback)
	}
	ledger := txn.NewDocStoreLedger(docs)
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	st := &Store{
		cfg:         cfg,
		docs:        docs,
		locks:       lockmgr.New(leases, lockmgr.Config{LeaseDuration: cfg.LockDuration, RefreshInterval: cfg.LockRefreshInterval}),
		ledger:      ledger,
		migrations:  migrate.NewRunner(cfg.MigrationSteps),
		broker:      fanout.NewBroker(cfg.ChangedCallbacks...),
		orphans:     shard.NewOrphanQueue(docs, cfg.Name, 1024),
		coord:       txn.New(ledger),
		sessions:    make(map[string]*session.Session),
		sweepCancel: sweepCancel,
		sweepDone:   make(chan struct{}),
	}
	// The queue is consulted every open of the store and
	// periodically while running." SweepOrphans is also exported so a
	// host can call it on its own cadence instead.
	st.SweepOrphans(sweepCtx)
	go st.sweepLoop(sweepCtx)
	return st
}

func (s *Store) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)
	ticker := time.NewTicker(defaultOrphanSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOrphans(ctx)
		}
	}
}

func (s *Store) getSession(key string) (*session.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Load brings key's Session to Ready, acquiring its lease and
// reconstructing its durable record. Concurrent Load calls for the
// same key are coalesced onto a single underlying Session.Load via
// singleflight; Load on an already-Ready key is a no-op.
func (s *Store) Load(ctx context.Context, key string) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errs.New(errs.StoreClosed, key, fmt.Errorf("store is closed"))
	}

	if sess, ok := s.getSession(key); ok && sess.IsReady() {
		return nil
	}

	_, err, _ := s.loadGroup.Do(key, func() (interface{}, error) {
		if sess, ok := s.getSession(key); ok && sess.IsReady() {
			return sess, nil
		}
		sess := session.New(session.Config{
			Key:                        key,
			Docs:                       s.docs,
			Locks:                      s.locks,
			Ledger:                     s.ledger,
			Migrations:                 s.migrations,
			Broker:                     s.broker,
			Orphans:                    s.orphans,
			Schema:                     s.cfg.Schema,
			Template:                   s.cfg.Template,
			ImportLegacyData:           s.cfg.ImportLegacyData,
			DisableReferenceProtection: s.cfg.DisableReferenceProtection,
			MaxDocBytes:                s.cfg.MaxDocBytes,
			LockDuration:               s.cfg.LockDuration,
			LockRefreshInterval:        s.cfg.LockRefreshInterval,
			AutosaveInterval:           s.cfg.AutosaveInterval,
		})
		if err := sess.Load(ctx); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.sessions[key] = sess
		s.mu.Unlock()
		return sess, nil
	})
	return err
}

// Unload drains key's queue, force-saves any dirty data, releases its
// lease, and removes it from the Store's live set.
func (s *Store) Unload(ctx context.Context, key string) error {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if ok {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Unload(ctx)
}

// Close unloads every live session concurrently and marks the Store
// closed to further Load calls.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make(map[string]*session.Session, len(s.sessions))
	for k, v := range s.sessions {
		sessions[k] = v
	}
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	s.sweepCancel()
	<-s.sweepDone

	g, gctx := errgroup.WithContext(ctx)
	for key, sess := range sessions {
		key, sess := key, sess
		g.Go(func() error {
			if err := sess.Unload(gctx); err != nil {
				logger.WithKey(key).Error("unload during store close failed", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Update runs fn against key's current data through its Session,
// committing or leaving data unchanged per fn's own commit flag. Per
// contract, a caller-initiated abort (fn returns commit=false) is not
// an error condition: Update reports nil either way, distinguishing
// only genuine failures (schema rejection, lock loss, fn's own error).
func (s *Store) Update(ctx context.Context, key string, fn func(data types.Value) (types.Value, bool, error)) error {
	sess, ok := s.getSession(key)
	if !ok {
		return errs.New(errs.KeyNotLoaded, key, fmt.Errorf("key not loaded"))
	}
	_, err := sess.Update(ctx, fn)
	return err
}

// Save forces a durable flush of key's pending data.
func (s *Store) Save(ctx context.Context, key string) error {
	sess, ok := s.getSession(key)
	if !ok {
		return errs.New(errs.KeyNotLoaded, key, fmt.Errorf("key not loaded"))
	}
	return sess.Save(ctx)
}

// Get returns a deep copy of key's current in-memory data.
func (s *Store) Get(key string) (types.Value, error) {
	sess, ok := s.getSession(key)
	if !ok {
		return nil, errs.New(errs.KeyNotLoaded, key, fmt.Errorf("key not loaded"))
	}
	return sess.Get(context.Background())
}

// Peek reads key's current durable data via the readTx rule, without
// creating a Session or acquiring its lease: a read-only shortcut for
// callers that only need a snapshot and don't intend to mutate.
func (s *Store) Peek(ctx context.Context, key string) (types.Value, error) {
	raw, _, err := s.docs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	rec, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}

	var data types.Value
	if rec.Sharded() {
		chunks := make([][]byte, len(rec.Manifest.ShardIDs))
		for i, id := range rec.Manifest.ShardIDs {
			chunk, _, err := s.docs.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			chunks[i] = chunk
		}
		data, err = shard.Reassemble(chunks, *rec.Manifest)
		if err != nil {
			return nil, err
		}
	} else {
		data = rec.Data
	}

	if rec.Meta.InTransaction() {
		return txn.ReadTxValue(ctx, s.ledger, rec.Meta.ActiveTxID, rec.Meta.CommittedData, rec.Meta.TxPatch)
	}
	return data, nil
}

// Tx runs a multi-key transaction over keys: every key
// must already have a Ready Session (Phase 0), each contributes a
// flushed snapshot (Phase 0/1), fn computes the proposed new values,
// and the transaction coordinator stages/linearizes/applies the
// result across all keys. Keys are staged in ascending order
// regardless of the order passed in, per Phase 2.
func (s *Store) Tx(ctx context.Context, keys []string, fn func(map[string]types.Value) (map[string]types.Value, bool, error)) error {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	sessions := make(map[string]*session.Session, len(sorted))
	for _, key := range sorted {
		sess, ok := s.getSession(key)
		if !ok || !sess.IsReady() {
			return errs.New(errs.KeyNotLoaded, key, fmt.Errorf("key not loaded or not ready"))
		}
		sessions[key] = sess
	}

	var started []string
	defer func() {
		for _, key := range started {
			sessions[key].EndTxSlot()
		}
	}()

	reads := make(map[string]types.Value, len(sorted))
	stores := make(map[string]txn.KeyStore, len(sorted))
	for _, key := range sorted {
		snapshot, err := sessions[key].BeginTx(ctx)
		if err != nil {
			return err
		}
		started = append(started, key)
		reads[key] = snapshot
		stores[key] = sessions[key]
	}

	validated := func(current map[string]types.Value) (map[string]types.Value, bool, error) {
		proposed, commit, err := fn(current)
		if err != nil || !commit {
			return proposed, commit, err
		}
		for _, key := range sorted {
			if ok, reason := sessions[key].Validate(proposed[key]); !ok {
				return nil, false, errs.New(errs.SchemaFailed, key, fmt.Errorf("%s", reason))
			}
		}
		return proposed, commit, nil
	}

	txID := uuid.NewString()
	_, err := s.coord.Execute(ctx, txID, sorted, stores, reads, validated)
	return err
}

// SweepOrphans reconciles and deletes every shard document queued for
// garbage collection: it consults both this
// process's in-memory fast-path queue and the durable OrphanedFileQueue
// document (so ids orphaned by a since-crashed predecessor process are
// found too), attempts to delete each, and durably forgets only the
// ones it actually managed to delete — anything left over survives for
// the next sweep, in this process or a future one. It is not part of
// the Host API surface: New calls it once before returning, and the
// background sweepLoop calls it every defaultOrphanSweepInterval; a
// host may also call it directly.
func (s *Store) SweepOrphans(ctx context.Context) {
	ids := s.orphans.Drain()
	persisted, err := s.orphans.LoadPersisted(ctx)
	if err != nil {
		logger.Error("loading durable orphan queue failed, sweeping only this process's fast-path ids", err)
	} else {
		ids = append(ids, persisted...)
	}

	seen := make(map[string]bool, len(ids))
	var deleted []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := s.docs.Delete(ctx, id); err != nil {
			logger.Error("orphan sweep delete failed, will retry on next sweep", err)
			continue
		}
		deleted = append(deleted, id)
	}
	if len(deleted) > 0 {
		if err := s.orphans.Forget(ctx, deleted); err != nil {
			logger.Error("forgetting swept orphans from durable queue failed, they will be deleted again harmlessly next sweep", err)
		}
	}
}
