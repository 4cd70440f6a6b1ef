// Copyright (C) 2024 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package diffjson computes and applies a structural, order-stable
// diff between two decoded JSON document trees (as produced by
// encoding/json with UseNumber enabled). The diff only ever describes
// how to turn the first tree into the second; it carries no
// information about intermediate states.
package diffjson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Kind names one of the three operations a structural diff can
// describe.
type Kind string

const (
	Add    Kind = "add"
	Remove Kind = "remove"
	Change Kind = "change"
)

// PathElem addresses one step into a JSON tree: either an object key
// or an array index. It marshals as a bare JSON string or number so
// paths read naturally in the serialized diff.
type PathElem struct {
	key     string
	index   int
	isIndex bool
}

// Key builds an object-key path element.
func Key(k string) PathElem { return PathElem{key: k} }

// Index builds an array-index path element.
func Index(i int) PathElem { return PathElem{index: i, isIndex: true} }

func (p PathElem) MarshalJSON() ([]byte, error) {
	if p.isIndex {
		return json.Marshal(p.index)
	}
	return json.Marshal(p.key)
}

func (p *PathElem) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.key)
	}
	p.isIndex = true
	return json.Unmarshal(b, &p.index)
}

// Op is a single structural change: add/remove/change a value at
// Path.
type Op struct {
	Kind  Kind       `json:"op"`
	Path  []PathElem `json:"path"`
	Value any        `json:"value,omitempty"`
}

// Diff computes an order-stable sequence of operations that, applied
// to a, produces b (as JSON values). a and b must be values decoded
// via a json.Decoder with UseNumber enabled (or equivalent: maps,
// slices, json.Number, string, bool, nil).
func Diff(a, b any) []Op {
	var ops []Op
	diffValue(nil, a, b, &ops)
	return ops
}

func diffValue(path []PathElem, a, b any, ops *[]Op) {
	am, aIsMap := a.(map[string]any)
	bm, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		diffObject(path, am, bm, ops)
		return
	}
	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice && bIsSlice {
		diffArray(path, as, bs, ops)
		return
	}
	if !reflect.DeepEqual(a, b) {
		*ops = append(*ops, Op{Kind: Change, Path: clonePath(path), Value: b})
	}
}

func diffObject(path []PathElem, a, b map[string]any, ops *[]Op) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		av, aok := a[k]
		bv, bok := b[k]
		switch {
		case aok && !bok:
			*ops = append(*ops, Op{Kind: Remove, Path: append(clonePath(path), Key(k))})
		case !aok && bok:
			*ops = append(*ops, Op{Kind: Add, Path: append(clonePath(path), Key(k)), Value: bv})
		default:
			diffValue(append(path, Key(k)), av, bv, ops)
		}
	}
}

func diffArray(path []PathElem, a, b []any, ops *[]Op) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		diffValue(append(path, Index(i)), a[i], b[i], ops)
	}
	switch {
	case len(b) > len(a):
		for i := len(a); i < len(b); i++ {
			*ops = append(*ops, Op{Kind: Add, Path: append(clonePath(path), Index(i)), Value: b[i]})
		}
	case len(a) > len(b):
		// remove from the tail backwards so each op's index is still
		// valid at the moment it is applied
		for i := len(a) - 1; i >= len(b); i-- {
			*ops = append(*ops, Op{Kind: Remove, Path: append(clonePath(path), Index(i))})
		}
	}
}

func clonePath(path []PathElem) []PathElem {
	out := make([]PathElem, len(path))
	copy(out, path)
	return out
}

// Apply applies ops to root in order and returns the result. root is
// never mutated in place.
func Apply(root any, ops []Op) (any, error) {
	cur := root
	for _, op := range ops {
		var err error
		cur, err = applyOne(cur, op.Path, op.Kind, op.Value)
		if err != nil {
			return nil, fmt.Errorf("diffjson: applying %s at %v: %w", op.Kind, op.Path, err)
		}
	}
	return cur, nil
}

func applyOne(container any, path []PathElem, kind Kind, value any) (any, error) {
	if len(path) == 0 {
		switch kind {
		case Add, Change:
			return value, nil
		case Remove:
			return nil, fmt.Errorf("cannot remove the root value")
		default:
			return nil, fmt.Errorf("unknown op kind %q", kind)
		}
	}
	head, rest := path[0], path[1:]
	if head.isIndex {
		return applyIndex(container, head.index, rest, kind, value)
	}
	return applyKey(container, head.key, rest, kind, value)
}

func applyKey(container any, key string, rest []PathElem, kind Kind, value any) (any, error) {
	m, ok := container.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected object at key %q, got %T", key, container)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	if len(rest) == 0 {
		switch kind {
		case Add, Change:
			out[key] = value
		case Remove:
			if _, present := out[key]; !present {
				return nil, fmt.Errorf("key %q not present", key)
			}
			delete(out, key)
		}
		return out, nil
	}
	child, present := out[key]
	if !present {
		return nil, fmt.Errorf("key %q not present", key)
	}
	updated, err := applyOne(child, rest, kind, value)
	if err != nil {
		return nil, err
	}
	out[key] = updated
	return out, nil
}

func applyIndex(container any, idx int, rest []PathElem, kind Kind, value any) (any, error) {
	s, ok := container.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array at index %d, got %T", idx, container)
	}
	out := make([]any, len(s))
	copy(out, s)
	if len(rest) == 0 {
		switch kind {
		case Add:
			if idx < 0 || idx > len(out) {
				return nil, fmt.Errorf("add index %d out of range (len %d)", idx, len(out))
			}
			out = append(out, nil)
			copy(out[idx+1:], out[idx:])
			out[idx] = value
		case Change:
			if idx < 0 || idx >= len(out) {
				return nil, fmt.Errorf("change index %d out of range (len %d)", idx, len(out))
			}
			out[idx] = value
		case Remove:
			if idx < 0 || idx >= len(out) {
				return nil, fmt.Errorf("remove index %d out of range (len %d)", idx, len(out))
			}
			out = append(out[:idx], out[idx+1:]...)
		}
		return out, nil
	}
	if idx < 0 || idx >= len(out) {
		return nil, fmt.Errorf("index %d out of range (len %d)", idx, len(out))
	}
	updated, err := applyOne(out[idx], rest, kind, value)
	if err != nil {
		return nil, err
	}
	out[idx] = updated
	return out, nil
}

// Marshal encodes ops as a compact JSON document.
func Marshal(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return json.Marshal(ops)
}

// Unmarshal decodes a compact JSON document produced by Marshal,
// preserving integer/float distinctions in op values via
// json.Number.
func Unmarshal(data []byte) ([]Op, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ops []Op
	if err := dec.Decode(&ops); err != nil {
		return nil, fmt.Errorf("diffjson: %w", err)
	}
	return ops, nil
}

// DecodeValue decodes a JSON document into the generic any tree shape
// Diff/Apply operate on, preserving number fidelity via json.Number.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("diffjson: %w", err)
	}
	return v, nil
}

// EncodeValue re-serializes a generic any tree as compact JSON.
func EncodeValue(v any) ([]byte, error) {
	return json.Marshal(v)
}
