package fieldtree

import (
	"sort"
	"strconv"
	"strings"
)

// Sep joins path segments in a flattened leaf path.
const Sep = "_"

// Leaf is one flattened (path, value) pair.
//
// Value is the native scalar (string, json.Number, or bool), or nil for
// a null leaf. A null leaf is a fact about the record and is stored as a
// SQL NULL, distinct from the path never having been seen.
type Leaf struct {
	Path  string
	Value any
}

// IsNull reports whether the leaf is a JSON null.
func (l Leaf) IsNull() bool {
	return l.Value == nil
}

// Flatten walks the tree depth-first and returns one Leaf per scalar or
// null node.
//
// Object keys extend the accumulated path with Sep plus the key, array
// elements with Sep plus the zero-based index; the root contributes no
// leading separator. Object keys are visited in sorted order, so the
// output sequence is fully deterministic for a given tree. Empty objects
// and arrays contribute no leaves. A bare scalar or null root yields a
// single leaf with an empty path.
//
// Paths are unique within one tree by construction (keys and indices
// never duplicate within a parent), so no collision check happens here;
// duplicate paths can only surface as a storage-time conflict.
//
// The walk uses an explicit stack rather than recursion, so input depth
// is bounded by memory, not by stack limits.
func Flatten(t *Tree) []Leaf {
	if t == nil {
		return nil
	}

	type frame struct {
		node *Tree
		path string
	}

	var leaves []Leaf
	stack := []frame{{node: t, path: ""}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch f.node.Kind {
		case Null, Scalar:
			leaves = append(leaves, Leaf{Path: f.path, Value: f.node.Value})
		case Array:
			// Push in reverse so elements pop in index order.
			for i := len(f.node.Elems) - 1; i >= 0; i-- {
				stack = append(stack, frame{
					node: f.node.Elems[i],
					path: childPath(f.path, strconv.Itoa(i)),
				})
			}
		case Object:
			keys := make([]string, 0, len(f.node.Fields))
			for k := range f.node.Fields {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for i := len(keys) - 1; i >= 0; i-- {
				stack = append(stack, frame{
					node: f.node.Fields[keys[i]],
					path: childPath(f.path, keys[i]),
				})
			}
		}
	}

	return leaves
}

// childPath extends a path with one segment.
func childPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + Sep + segment
}

// FieldName derives the stored field identifier for a leaf path: the
// configured prefix followed by the path lower-cased with spaces
// replaced by underscores. The result depends only on the path, never
// the value, so a cell's field name is stable across updates.
func FieldName(prefix, path string) string {
	name := strings.ToLower(path)
	name = strings.ReplaceAll(name, " ", "_")
	return prefix + name
}
