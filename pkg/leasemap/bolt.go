package leasemap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/playervault/pkg/errs"
)

var leasesBucket = []byte("leases")

// Bolt is a Map backed by a bbolt database, so a lease survives the
// lock manager process restarting: the lease outlives the holder that
// granted it and is recoverable by a successor process.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.New(errs.TerminalBackendError, "", fmt.Errorf("open bolt db %q: %w", path, err))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leasesBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.New(errs.TerminalBackendError, "", fmt.Errorf("init bolt bucket: %w", err))
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	acquired := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(leasesBucket)
		now := time.Now()
		existing, ok, err := readLease(bucket, key)
		if err != nil {
			return err
		}
		if ok && existing.Owner != owner && existing.ExpiresAt.After(now) {
			return nil
		}
		acquired = true
		return writeLease(bucket, key, Lease{Owner: owner, ExpiresAt: now.Add(ttl)})
	})
	return acquired, err
}

func (b *Bolt) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	refreshed := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(leasesBucket)
		now := time.Now()
		existing, ok, err := readLease(bucket, key)
		if err != nil {
			return err
		}
		if !ok || existing.Owner != owner || !existing.ExpiresAt.After(now) {
			return nil
		}
		refreshed = true
		return writeLease(bucket, key, Lease{Owner: owner, ExpiresAt: now.Add(ttl)})
	})
	return refreshed, err
}

func (b *Bolt) Release(ctx context.Context, key, owner string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(leasesBucket)
		existing, ok, err := readLease(bucket, key)
		if err != nil {
			return err
		}
		if ok && existing.Owner == owner {
			return bucket.Delete([]byte(key))
		}
		return nil
	})
}

func (b *Bolt) Probe(ctx context.Context, key string) (Lease, bool, error) {
	var lease Lease
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		lease, ok, err = readLease(tx.Bucket(leasesBucket), key)
		return err
	})
	return lease, ok, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func readLease(bucket *bolt.Bucket, key string) (Lease, bool, error) {
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return Lease{}, false, nil
	}
	var rec leaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Lease{}, false, errs.New(errs.CorruptRecord, key, fmt.Errorf("unmarshal lease: %w", err))
	}
	return Lease{Owner: rec.Owner, ExpiresAt: rec.ExpiresAt}, true, nil
}

func writeLease(bucket *bolt.Bucket, key string, lease Lease) error {
	raw, err := json.Marshal(leaseRecord{Owner: lease.Owner, ExpiresAt: lease.ExpiresAt})
	if err != nil {
		return errs.New(errs.CorruptRecord, key, fmt.Errorf("marshal lease: %w", err))
	}
	return bucket.Put([]byte(key), raw)
}
