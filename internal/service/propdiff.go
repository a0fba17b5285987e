package service

import (
	"encoding/json"
	"reflect"
)

// DiffOp distinguishes patch entries.
type DiffOp string

const (
	DiffSet DiffOp = "set"
	DiffDel DiffOp = "del"
)

// DiffEntry is one step of a prop patch. Path is a JSON-pointer-like
// key path; an empty path addresses the whole value. Receivers apply
// entries in order.
type DiffEntry struct {
	Op    DiffOp `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Diff computes a structural patch turning old into new. Equal values
// produce an empty patch. Values are compared after JSON
// normalization so map ordering and integer width do not produce
// phantom diffs. Arrays are replaced wholesale when unequal.
func Diff(oldVal, newVal any) []DiffEntry {
	o := normalize(oldVal)
	n := normalize(newVal)
	return diffAt("", o, n)
}

func diffAt(path string, o, n any) []DiffEntry {
	om, oIsMap := o.(map[string]any)
	nm, nIsMap := n.(map[string]any)
	if oIsMap && nIsMap {
		var out []DiffEntry
		for k, ov := range om {
			nv, ok := nm[k]
			if !ok {
				out = append(out, DiffEntry{Op: DiffDel, Path: path + "/" + k})
				continue
			}
			out = append(out, diffAt(path+"/"+k, ov, nv)...)
		}
		for k, nv := range nm {
			if _, ok := om[k]; !ok {
				out = append(out, DiffEntry{Op: DiffSet, Path: path + "/" + k, Value: nv})
			}
		}
		return out
	}
	if reflect.DeepEqual(o, n) {
		return nil
	}
	return []DiffEntry{{Op: DiffSet, Path: path, Value: n}}
}

// normalize round-trips a value through JSON so diffs and equality
// checks see the same shapes the client will.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// Equal reports whether two values are structurally identical under
// the same normalization Diff uses.
func Equal(a, b any) bool {
	return len(Diff(a, b)) == 0
}
