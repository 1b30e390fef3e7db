// Package docstore defines the external DocStore abstraction the
// session engine is built on: a versioned, CAS-protected key/byte-blob
// store. Store itself is the dependency boundary a host implements
// against a real backend; Memory and Bolt are the two reference
// implementations shipped with this module, the latter using a
// bucket-per-collection boltdb storage layout.
package docstore

import (
	"context"
	"errors"
)

// Store is the external document storage service the engine persists
// records to. Implementations must provide compare-and-swap semantics
// on Put: a write only succeeds if the document's current version
// matches expectedVersion (0 meaning "must not exist yet").
type Store interface {
	// Get returns the document's bytes and current version. A
	// missing document is reported via errs.KeyNotFound.
	Get(ctx context.Context, id string) ([]byte, uint64, error)

	// Put writes payload as the new value of id, succeeding only if
	// the document's current version equals expectedVersion. On
	// success it returns the document's new version. A version
	// mismatch is reported via errs.TerminalBackendError wrapping
	// ErrVersionConflict so callers can distinguish it from other
	// terminal failures.
	Put(ctx context.Context, id string, payload []byte, expectedVersion uint64) (uint64, error)

	// Delete removes id unconditionally. Deleting a document that
	// does not exist is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every document id whose key begins with prefix.
	// Ordering is not guaranteed.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// ErrVersionConflict is wrapped (via errs.TerminalBackendError) by a
// Put call that loses its compare-and-swap race.
var ErrVersionConflict = errors.New("docstore: version conflict")

// ErrNotFound is wrapped (via errs.KeyNotFound) by a Get call against a
// document that does not exist.
var ErrNotFound = errors.New("docstore: not found")
