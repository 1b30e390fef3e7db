package docstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/playervault/pkg/errs"
)

var docsBucket = []byte("documents")
var versionsBucket = []byte("versions")

// Bolt is a Store backed by a single bbolt database file, using a
// bucket-per-collection layout: one bucket holds document payloads, a
// sibling bucket holds their version counters so CAS checks never need
// to decode the payload.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt database at path and
// ensures its buckets exist.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errs.New(errs.TerminalBackendError, "", fmt.Errorf("open bolt db %q: %w", path, err))
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(versionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errs.New(errs.TerminalBackendError, "", fmt.Errorf("init bolt buckets: %w", err))
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(ctx context.Context, id string) ([]byte, uint64, error) {
	var payload []byte
	var version uint64
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(docsBucket).Get([]byte(id))
		if raw == nil {
			return errs.New(errs.KeyNotFound, id, ErrNotFound)
		}
		payload = append(payload, raw...)
		version = decodeVersion(tx.Bucket(versionsBucket).Get([]byte(id)))
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return payload, version, nil
}

func (b *Bolt) Put(ctx context.Context, id string, payload []byte, expectedVersion uint64) (uint64, error) {
	var newVersion uint64
	err := b.db.Update(func(tx *bolt.Tx) error {
		versions := tx.Bucket(versionsBucket)
		current := decodeVersion(versions.Get([]byte(id)))
		if current != expectedVersion {
			return errs.New(errs.TerminalBackendError, id, ErrVersionConflict)
		}
		newVersion = current + 1
		if err := tx.Bucket(docsBucket).Put([]byte(id), payload); err != nil {
			return err
		}
		return versions.Put([]byte(id), encodeVersion(newVersion))
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (b *Bolt) Delete(ctx context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(docsBucket).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(versionsBucket).Delete([]byte(id))
	})
}

func (b *Bolt) List(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(docsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			ids = append(ids, string(k))
		}
		return nil
	})
	return ids, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func encodeVersion(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeVersion(buf []byte) uint64 {
	if len(buf) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}
