// Package fieldtree models the nested field structure of a tracker record
// and flattens it into deterministic leaf paths.
//
// A record's fields arrive as arbitrarily nested JSON: objects, arrays,
// scalars, and nulls. Flattening walks that tree depth-first and yields one
// (path, value) pair per scalar or null leaf, joining object keys and array
// indices with "_". The same tree always flattens to the same sequence, so
// repeated syncs of an unchanged record line up path-for-path and only
// genuine value changes reach the store.
package fieldtree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies the variant held by a Tree node.
type Kind int

const (
	// Null is a leaf with no value (JSON null).
	Null Kind = iota
	// Scalar is a leaf holding a string, number, or boolean.
	Scalar
	// Array is an ordered sequence of subtrees.
	Array
	// Object is a named mapping of subtrees.
	Object
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Scalar:
		return "scalar"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tree is one node of a record's field structure.
//
// Exactly one variant field is meaningful, selected by Kind: Value for
// Scalar, Elems for Array, Fields for Object. Null carries nothing.
// Source data is tree-shaped by construction; nodes are never shared or
// cyclic.
type Tree struct {
	Kind   Kind
	Value  any // string, json.Number, or bool
	Elems  []*Tree
	Fields map[string]*Tree
}

// Decode parses raw JSON into a Tree.
//
// Numbers are kept in their source text form (json.Number) so values
// round-trip without floating-point drift.
func Decode(data []byte) (*Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode field tree: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("failed to decode field tree: trailing data after value")
	}

	return FromValue(v), nil
}

// FromValue builds a Tree from a decoded JSON value (map[string]any,
// []any, scalar, or nil). The walk uses an explicit work stack, so input
// depth is bounded by memory rather than goroutine stack limits.
func FromValue(v any) *Tree {
	type frame struct {
		src any
		dst *Tree
	}

	root := &Tree{}
	stack := []frame{{src: v, dst: root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch val := f.src.(type) {
		case nil:
			f.dst.Kind = Null
		case map[string]any:
			f.dst.Kind = Object
			f.dst.Fields = make(map[string]*Tree, len(val))
			for k, sub := range val {
				child := &Tree{}
				f.dst.Fields[k] = child
				stack = append(stack, frame{src: sub, dst: child})
			}
		case []any:
			f.dst.Kind = Array
			f.dst.Elems = make([]*Tree, len(val))
			for i, sub := range val {
				child := &Tree{}
				f.dst.Elems[i] = child
				stack = append(stack, frame{src: sub, dst: child})
			}
		default:
			f.dst.Kind = Scalar
			f.dst.Value = val
		}
	}

	return root
}

// Interface converts the tree back to the native Go form produced by
// encoding/json: maps, slices, scalars, and nil.
func (t *Tree) Interface() any {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case Scalar:
		return t.Value
	case Array:
		out := make([]any, len(t.Elems))
		for i, e := range t.Elems {
			out[i] = e.Interface()
		}
		return out
	case Object:
		out := make(map[string]any, len(t.Fields))
		for k, f := range t.Fields {
			out[k] = f.Interface()
		}
		return out
	default:
		return nil
	}
}

// Canonical renders a value as canonical JSON text: object keys sorted,
// no insignificant whitespace, numbers in plain decimal notation. Two
// values are equal in the eyes of the change detector iff their
// canonical forms are byte-equal, which makes equality immune to
// key-order differences in object values and to spelling differences
// in numbers.
//
// The plain decimal form matters on Postgres, where the jsonb value
// column re-renders numbers through numeric. Canonicalizing "1e2" to
// "100" up front means the stored text reads back byte-equal on the
// next run instead of deciding Update forever.
func Canonical(v any) (string, error) {
	data, err := json.Marshal(normalizeNumbers(v))
	if err != nil {
		return "", fmt.Errorf("failed to serialize value: %w", err)
	}
	return string(data), nil
}

// normalizeNumbers rewrites every json.Number in a decoded JSON value
// to its plain decimal spelling. Containers are copied; scalars other
// than numbers pass through.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		return json.Number(normalizeNumber(string(val)))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = normalizeNumbers(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = normalizeNumbers(sub)
		}
		return out
	default:
		return v
	}
}

// normalizeNumber converts a JSON number's source text to plain decimal
// notation by folding the exponent into the digit string, never through
// a float, so precision beyond float64 survives. The fractional scale
// left after the shift is kept: "1e2" becomes "100", "1.5e-1" becomes
// "0.15", "1.50e1" becomes "15.0", and "1.50" stays as written. A zero
// loses its sign. Text the decoder would reject comes back unchanged.
func normalizeNumber(s string) string {
	mant := s
	exp := 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.Atoi(strings.TrimPrefix(s[i+1:], "+"))
		if err != nil {
			return s
		}
		mant, exp = s[:i], e
	}

	neg := strings.HasPrefix(mant, "-")
	mant = strings.TrimPrefix(mant, "-")
	intPart, fracPart, _ := strings.Cut(mant, ".")
	digits := intPart + fracPart
	if strings.Trim(digits, "0") == "" {
		neg = false
	}

	point := len(intPart) + exp
	switch {
	case point <= 0:
		intPart = "0"
		fracPart = strings.Repeat("0", -point) + digits
	case point >= len(digits):
		intPart = digits + strings.Repeat("0", point-len(digits))
		fracPart = ""
	default:
		intPart = digits[:point]
		fracPart = digits[point:]
	}

	if trimmed := strings.TrimLeft(intPart, "0"); trimmed != "" {
		intPart = trimmed
	} else {
		intPart = "0"
	}

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
