// Package types defines the data model shared by every subsystem of the
// session engine: the generic JSON value a record's data is made of, the
// Logical Record and its metadata envelope, and the single-bit TxLedger
// record that linearizes multi-key transactions.
package types

import "fmt"

// Value is a JSON-compatible value. It is restricted at runtime to the
// shapes encoding/json itself produces when unmarshaling into `any`:
// nil, bool, float64, string, []any, or map[string]any. Host code that
// builds a Value programmatically (rather than via Decode) must stick to
// this shape; the codec's cycle check only understands these six cases.
type Value = any

// Record is the logical, in-memory representation of everything stored
// under one Key: the schema-validated payload plus the bookkeeping meta
// needed to reconstruct it, migrate it, and participate in transactions.
// When the record has been split across sibling shard documents, the
// primary document carries Manifest instead of Data; exactly one of the
// two is ever populated on the wire.
type Record struct {
	Data     Value          `json:"data,omitempty"`
	Manifest *ShardManifest `json:"manifest,omitempty"`
	Meta     Meta           `json:"meta"`
}

// Sharded reports whether this Record's primary document carries a
// shard manifest instead of inline data.
func (r Record) Sharded() bool {
	return r.Manifest != nil
}

// Meta is the bookkeeping envelope attached to every Record. Per the
// invariants: AppliedMigrations is a prefix of the store's configured
// step sequence; ShardIDs has length >= 1; ActiveTxID/CommittedData/
// TxPatch are either all absent or all present together.
type Meta struct {
	AppliedMigrations []string  `json:"appliedMigrations"`
	ShardIDs          []string  `json:"shardIds"`
	ActiveTxID        string    `json:"activeTxId,omitempty"`
	CommittedData     Value     `json:"committedData,omitempty"`
	TxPatch           []PatchOp `json:"txPatch,omitempty"`
	Version           uint64    `json:"-"` // DocStore CAS version, not part of the wire envelope
}

// PatchOp is one operation of an ordered JSON-patch sequence, restricted
// to the three kinds the document codec supports.
type PatchOp struct {
	Op    string `json:"op"` // "add" | "remove" | "replace"
	Path  string `json:"path"`
	Value Value  `json:"value,omitempty"`
}

// InTransaction reports whether the record currently has a staged,
// uncommitted transaction attached (meta.activeTxId is set).
func (m Meta) InTransaction() bool {
	return m.ActiveTxID != ""
}

// ShardManifest is what the primary document holds when a record has
// been split across sibling shard documents: the manifest replaces the
// inline `data` field entirely.
type ShardManifest struct {
	ShardIDs    []string `json:"shardIds"`
	TotalSize   int      `json:"totalSize"`
	ContentHash uint64   `json:"contentHash"`
}

// TxLedgerEntry is the durable linearization bit for one transaction:
// Committed=true means committed, false/absent means aborted-or-unknown.
type TxLedgerEntry struct {
	Committed bool `json:"committed"`
}

// DeepCopy returns a structurally independent copy of v. It panics if v
// is not one of the six shapes Value is restricted to; callers accepting
// host-supplied values must make sure they use only those shapes
// (codec.CheckShape rejects cycles but does not check leaf types).
func DeepCopy(v Value) Value {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return x
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = DeepCopy(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = DeepCopy(e)
		}
		return out
	default:
		panic(fmt.Sprintf("types: DeepCopy: unsupported value kind %T", v))
	}
}

// Clone returns a Record whose Data and Meta.CommittedData are deep
// copies, and whose AppliedMigrations/ShardIDs/TxPatch slices are
// independently allocated. Everything else in Meta is scalar and copies
// by value.
func (r Record) Clone() Record {
	out := Record{
		Meta: Meta{
			ActiveTxID: r.Meta.ActiveTxID,
			Version:    r.Meta.Version,
		},
	}
	if r.Data != nil {
		out.Data = DeepCopy(r.Data)
	}
	if r.Manifest != nil {
		m := *r.Manifest
		m.ShardIDs = append([]string(nil), r.Manifest.ShardIDs...)
		out.Manifest = &m
	}
	if r.Meta.AppliedMigrations != nil {
		out.Meta.AppliedMigrations = append([]string(nil), r.Meta.AppliedMigrations...)
	}
	if r.Meta.ShardIDs != nil {
		out.Meta.ShardIDs = append([]string(nil), r.Meta.ShardIDs...)
	}
	if r.Meta.CommittedData != nil {
		out.Meta.CommittedData = DeepCopy(r.Meta.CommittedData)
	}
	if r.Meta.TxPatch != nil {
		out.Meta.TxPatch = append([]PatchOp(nil), r.Meta.TxPatch...)
	}
	return out
}
