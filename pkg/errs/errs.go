// Package errs defines the engine's error taxonomy as a single
// Kind enum plus a wrapping Error type, built on the familiar
// fmt.Errorf("...: %w", err) wrapping idiom but centralized so every
// package raises the same vocabulary of failures.
package errs

import "fmt"

// Kind is one of the engine's named error kinds. Kinds are not Go
// types: every Kind is carried by the single Error type below so callers
// can use errors.As to recover it regardless of which package raised it.
type Kind string

const (
	KeyNotLoaded             Kind = "KeyNotLoaded"
	StoreClosed              Kind = "StoreClosed"
	LockLost                 Kind = "LockLost"
	LockUnavailable          Kind = "LockUnavailable"
	SchemaFailed             Kind = "SchemaFailed"
	UpdateYielded            Kind = "UpdateYielded"
	KeysChangedInTransaction Kind = "KeysChangedInTransaction"
	CorruptRecord            Kind = "CorruptRecord"
	UnknownMigration         Kind = "UnknownMigration"
	TransientBackendError    Kind = "TransientBackendError"
	TerminalBackendError     Kind = "TerminalBackendError"
	ImportFailed             Kind = "ImportFailed"
	MigrationFailed          Kind = "MigrationFailed"
	KeyNotFound              Kind = "KeyNotFound"
	UpdateAborted            Kind = "UpdateAborted"
)

// Error wraps a Kind, the key it concerns (if any), and an underlying
// cause.
type Error struct {
	Kind Kind
	Key  string
	Err  error
}

func (e *Error) Error() string {
	if e.Key != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s (key=%s): %v", e.Kind, e.Key, e.Err)
		}
		return fmt.Sprintf("%s (key=%s)", e.Kind, e.Key)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping err (which may be nil).
func New(kind Kind, key string, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind,
// so callers can write errors.Is-compatible checks without importing
// errs.Error directly. It intentionally does not implement the `Is`
// interface method itself (two *Error values with the same Kind but
// different Key/Err are not interchangeable); compare kinds with this
// function instead.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
