// Package codec implements the Document Codec: encoding a
// Logical Record to a compact byte envelope suitable for DocStore, and
// computing/applying ordered JSON-patch diffs between two values.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/types"
)

var envelopeMagic = [4]byte{'P', 'V', 'R', '1'}

const envelopeVersion = 1

// Encode serializes a Logical Record to its binary envelope (magic +
// version + length-prefixed JSON payload) and reports its size in bytes.
// It rejects cyclic data with errs.CorruptRecord before attempting to
// marshal.
func Encode(r types.Record) ([]byte, int, error) {
	if err := checkAcyclic(r.Data); err != nil {
		return nil, 0, err
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, 0, errs.New(errs.CorruptRecord, "", fmt.Errorf("marshal record: %w", err))
	}

	buf := make([]byte, 0, 4+1+4+len(payload))
	buf = append(buf, envelopeMagic[:]...)
	buf = append(buf, envelopeVersion)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	return buf, len(buf), nil
}

// Decode parses an envelope produced by Encode back into a Logical
// Record. Envelope-shape mismatches (bad magic, truncated length, bad
// JSON) are reported as errs.CorruptRecord; schema validation of the
// decoded data payload is the caller's responsibility.
func Decode(buf []byte) (types.Record, error) {
	var rec types.Record
	if len(buf) < 9 {
		return rec, errs.New(errs.CorruptRecord, "", fmt.Errorf("envelope too short: %d bytes", len(buf)))
	}
	if [4]byte(buf[:4]) != envelopeMagic {
		return rec, errs.New(errs.CorruptRecord, "", fmt.Errorf("bad envelope magic"))
	}
	if buf[4] != envelopeVersion {
		return rec, errs.New(errs.CorruptRecord, "", fmt.Errorf("unsupported envelope version %d", buf[4]))
	}
	n := binary.BigEndian.Uint32(buf[5:9])
	if int(n) != len(buf)-9 {
		return rec, errs.New(errs.CorruptRecord, "", fmt.Errorf("envelope length mismatch: header says %d, have %d", n, len(buf)-9))
	}
	if err := json.Unmarshal(buf[9:], &rec); err != nil {
		return rec, errs.New(errs.CorruptRecord, "", fmt.Errorf("unmarshal record: %w", err))
	}
	return rec, nil
}

// Size reports the encoded byte size of a record, for callers that only
// need to know whether it fits under MaxDocBytes.
func Size(r types.Record) (int, error) {
	_, n, err := Encode(r)
	return n, err
}

// CheckShape rejects Values that contain a map or slice reached twice
// along the same root-to-leaf path (a structural cycle). JSON-decoded
// values can never cycle, but host-constructed ones can if the same
// backing map/slice is nested inside itself. Host code that builds a
// Value by hand rather than via Decode should call this before handing
// it to a Store.
func CheckShape(v types.Value) error {
	return checkAcyclic(v)
}

func checkAcyclic(v types.Value) error {
	return checkAcyclicVisit(v, map[uintptr]bool{})
}

func checkAcyclicVisit(v types.Value, onPath map[uintptr]bool) error {
	switch x := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(x).Pointer()
		if onPath[ptr] {
			return errs.New(errs.CorruptRecord, "", fmt.Errorf("cyclic structure detected"))
		}
		onPath[ptr] = true
		for _, e := range x {
			if err := checkAcyclicVisit(e, onPath); err != nil {
				return err
			}
		}
		delete(onPath, ptr)
	case []any:
		if len(x) == 0 {
			return nil
		}
		ptr := reflect.ValueOf(x).Pointer()
		if onPath[ptr] {
			return errs.New(errs.CorruptRecord, "", fmt.Errorf("cyclic structure detected"))
		}
		onPath[ptr] = true
		for _, e := range x {
			if err := checkAcyclicVisit(e, onPath); err != nil {
				return err
			}
		}
		delete(onPath, ptr)
	}
	return nil
}
