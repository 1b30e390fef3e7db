package codec

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/playervault/pkg/errs"
	"github.com/cuemby/playervault/pkg/types"
)

// Diff computes the minimal ordered JSON-patch sequence transforming a
// into b: document order, depth-first, map keys visited in sorted
// order, so identical inputs always produce byte-identical patches.
func Diff(a, b types.Value) []types.PatchOp {
	var ops []types.PatchOp
	diffValue("", a, b, &ops)
	return ops
}

func diffValue(path string, a, b types.Value, ops *[]types.PatchOp) {
	if valuesEqual(a, b) {
		return
	}

	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		diffMaps(path, am, bm, ops)
		return
	}

	aa, aIsArr := a.([]any)
	ba, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		diffArrays(path, aa, ba, ops)
		return
	}

	*ops = append(*ops, replaceOp(path, b))
}

func diffMaps(path string, a, b map[string]any, ops *[]types.PatchOp) {
	keys := make(map[string]bool, len(a)+len(b))
	for k := range a {
		keys[k] = true
	}
	for k := range b {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		childPath := path + "/" + escapeToken(k)
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case aok && !bok:
			*ops = append(*ops, types.PatchOp{Op: "remove", Path: childPath})
		case !aok && bok:
			*ops = append(*ops, types.PatchOp{Op: "add", Path: childPath, Value: bv})
		default:
			diffValue(childPath, av, bv, ops)
		}
	}
}

func diffArrays(path string, a, b []any, ops *[]types.PatchOp) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		diffValue(fmt.Sprintf("%s/%d", path, i), a[i], b[i], ops)
	}
	switch {
	case len(b) > len(a):
		for i := len(a); i < len(b); i++ {
			*ops = append(*ops, types.PatchOp{Op: "add", Path: fmt.Sprintf("%s/%d", path, i), Value: b[i]})
		}
	case len(a) > len(b):
		// Remove from the tail backwards so earlier indices are still
		// valid at the moment each remove op is produced.
		for i := len(a) - 1; i >= len(b); i-- {
			*ops = append(*ops, types.PatchOp{Op: "remove", Path: fmt.Sprintf("%s/%d", path, i)})
		}
	}
}

func replaceOp(path string, v types.Value) types.PatchOp {
	p := path
	if p == "" {
		p = "/"
	}
	return types.PatchOp{Op: "replace", Path: p, Value: v}
}

func valuesEqual(a, b types.Value) bool {
	return reflect.DeepEqual(a, b)
}

func escapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	tok = strings.ReplaceAll(tok, "/", "~1")
	return tok
}

func unescapeToken(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

// Apply transforms a into b by applying patch in order. It never
// mutates a: the root value and every container on the path to each
// edit is copied before being written to.
func Apply(a types.Value, patch []types.PatchOp) (types.Value, error) {
	result := types.DeepCopy(a)
	for _, op := range patch {
		var err error
		result, err = applyOne(result, op)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func applyOne(root types.Value, op types.PatchOp) (types.Value, error) {
	tokens := splitPath(op.Path)
	if len(tokens) == 0 {
		switch op.Op {
		case "replace", "add":
			return op.Value, nil
		case "remove":
			return nil, errs.New(errs.CorruptRecord, "", fmt.Errorf("cannot remove root"))
		default:
			return nil, errs.New(errs.CorruptRecord, "", fmt.Errorf("unknown patch op %q", op.Op))
		}
	}
	newRoot, _, err := applyAt(root, tokens, op)
	if err != nil {
		return nil, err
	}
	return newRoot, nil
}

// applyAt recursively descends tokens, returning a replacement for the
// container at this level.
func applyAt(container types.Value, tokens []string, op types.PatchOp) (types.Value, bool, error) {
	tok := tokens[0]
	last := len(tokens) == 1

	switch c := container.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		key := unescapeToken(tok)
		if last {
			switch op.Op {
			case "add":
				out[key] = op.Value
			case "replace":
				if _, ok := out[key]; !ok {
					return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("replace on missing path %q", op.Path))
				}
				out[key] = op.Value
			case "remove":
				if _, ok := out[key]; !ok {
					return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("remove on missing path %q", op.Path))
				}
				delete(out, key)
			default:
				return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("unknown patch op %q", op.Op))
			}
			return out, true, nil
		}
		child, ok := out[key]
		if !ok {
			return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("missing path segment %q in %q", key, op.Path))
		}
		newChild, _, err := applyAt(child, tokens[1:], op)
		if err != nil {
			return nil, false, err
		}
		out[key] = newChild
		return out, true, nil

	case []any:
		out := make([]any, len(c))
		copy(out, c)
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 {
			return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("invalid array index %q in %q", tok, op.Path))
		}
		if last {
			switch op.Op {
			case "add":
				if idx > len(out) {
					return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("add index %d out of range in %q", idx, op.Path))
				}
				out = append(out, nil)
				copy(out[idx+1:], out[idx:])
				out[idx] = op.Value
			case "replace":
				if idx >= len(out) {
					return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("replace on missing path %q", op.Path))
				}
				out[idx] = op.Value
			case "remove":
				if idx >= len(out) {
					return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("remove on missing path %q", op.Path))
				}
				out = append(out[:idx], out[idx+1:]...)
			default:
				return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("unknown patch op %q", op.Op))
			}
			return out, true, nil
		}
		if idx >= len(out) {
			return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("missing path segment %d in %q", idx, op.Path))
		}
		newChild, _, err := applyAt(out[idx], tokens[1:], op)
		if err != nil {
			return nil, false, err
		}
		out[idx] = newChild
		return out, true, nil

	default:
		return nil, false, errs.New(errs.CorruptRecord, "", fmt.Errorf("cannot descend into scalar at %q", op.Path))
	}
}

func splitPath(path string) []string {
	if path == "" || path == "/" {
		return nil
	}
	parts := strings.Split(path, "/")
	// path always starts with "/", so parts[0] == ""
	return parts[1:]
}
