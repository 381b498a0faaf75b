// Package merge folds ordered partial configuration layers into one mapping.
//
// Layers are applied lowest precedence first. Mappings merge recursively,
// sequences append with exact duplicates removed (first-seen order wins),
// and anything else is replaced outright by the higher layer.
package merge

import "reflect"

// Layer is one partial configuration mapping, as decoded from YAML.
type Layer = map[string]any

// Merge folds layers left to right, later layers taking precedence.
// A nil layer is the identity. Inputs are never mutated; containers on
// changed paths are reallocated.
func Merge(layers ...Layer) Layer {
	out := Layer{}
	for _, l := range layers {
		out = mergeMaps(out, l)
	}
	return out
}

func mergeMaps(base, over Layer) Layer {
	if len(over) == 0 {
		return copyMap(base)
	}
	out := make(Layer, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range over {
		bv, ok := out[k]
		if !ok {
			out[k] = ov
			continue
		}
		out[k] = mergeValue(bv, ov)
	}
	return out
}

func mergeValue(base, over any) any {
	bm, bok := asMap(base)
	om, ook := asMap(over)
	if bok && ook {
		return mergeMaps(bm, om)
	}
	bs, bok := asSeq(base)
	os, ook := asSeq(over)
	if bok && ook {
		return mergeSeqs(bs, os)
	}
	// Scalar on either side, or a type mismatch: higher precedence wins.
	return over
}

// mergeSeqs appends over onto base, dropping exact duplicates while
// preserving first-seen order.
func mergeSeqs(base, over []any) []any {
	out := make([]any, 0, len(base)+len(over))
	for _, v := range base {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	for _, v := range over {
		if !containsValue(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func containsValue(seq []any, v any) bool {
	for _, e := range seq {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}

func copyMap(m Layer) Layer {
	out := make(Layer, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func asMap(v any) (Layer, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asSeq(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}
