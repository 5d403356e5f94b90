package fieldtree

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func mustDecode(t *testing.T, raw string) *Tree {
	t.Helper()
	tree, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode(%q) failed: %v", raw, err)
	}
	return tree
}

func TestFlatten_Example(t *testing.T) {
	tree := mustDecode(t, `{"a": {"b": 1}, "c": [10, 20]}`)

	got := Flatten(tree)

	want := []Leaf{
		{Path: "a_b", Value: json.Number("1")},
		{Path: "c_0", Value: json.Number("10")},
		{Path: "c_1", Value: json.Number("20")},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}
}

func TestFlatten_Deterministic(t *testing.T) {
	raw := `{
		"summary": "Fix login flow",
		"labels": ["auth", "urgent"],
		"assignee": {"name": "kim", "active": true},
		"resolution": null,
		"votes": {"count": 3, "voters": [{"name": "lee"}, {"name": "ada"}]}
	}`
	tree := mustDecode(t, raw)

	first := Flatten(tree)
	second := Flatten(tree)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("two flattenings of the same tree differ:\n%v\n%v", first, second)
	}

	// A freshly decoded copy must produce the same sequence too.
	third := Flatten(mustDecode(t, raw))
	if !reflect.DeepEqual(first, third) {
		t.Errorf("flattening a re-decoded tree differs:\n%v\n%v", first, third)
	}
}

func TestFlatten_SortedKeyOrder(t *testing.T) {
	tree := mustDecode(t, `{"z": 1, "a": 2, "m": 3}`)

	got := Flatten(tree)

	wantPaths := []string{"a", "m", "z"}
	if len(got) != len(wantPaths) {
		t.Fatalf("got %d leaves, want %d", len(got), len(wantPaths))
	}
	for i, leaf := range got {
		if leaf.Path != wantPaths[i] {
			t.Errorf("leaf %d path = %q, want %q", i, leaf.Path, wantPaths[i])
		}
	}
}

func TestFlatten_NullLeaf(t *testing.T) {
	tree := mustDecode(t, `{"resolution": null, "status": "open"}`)

	got := Flatten(tree)

	if len(got) != 2 {
		t.Fatalf("got %d leaves, want 2", len(got))
	}
	if got[0].Path != "resolution" || !got[0].IsNull() {
		t.Errorf("leaf 0 = %+v, want null leaf at path resolution", got[0])
	}
	if got[1].Path != "status" || got[1].IsNull() {
		t.Errorf("leaf 1 = %+v, want non-null leaf at path status", got[1])
	}
}

func TestFlatten_EmptyContainers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{name: "empty object", raw: `{}`, want: 0},
		{name: "empty array", raw: `[]`, want: 0},
		{name: "nested empties", raw: `{"a": {}, "b": []}`, want: 0},
		{name: "empty beside scalar", raw: `{"a": {}, "b": 1}`, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Flatten(mustDecode(t, tt.raw))
			if len(got) != tt.want {
				t.Errorf("Flatten(%s) yielded %d leaves, want %d", tt.raw, len(got), tt.want)
			}
		})
	}
}

func TestFlatten_RootScalar(t *testing.T) {
	got := Flatten(mustDecode(t, `"standalone"`))

	if len(got) != 1 {
		t.Fatalf("got %d leaves, want 1", len(got))
	}
	if got[0].Path != "" {
		t.Errorf("root scalar path = %q, want empty", got[0].Path)
	}
	if got[0].Value != "standalone" {
		t.Errorf("root scalar value = %v, want standalone", got[0].Value)
	}
}

func TestFlatten_DeepNesting(t *testing.T) {
	// Far deeper than any sane record, but inside encoding/json's own
	// nesting cap so the decoder accepts it.
	const depth = 5000
	var sb strings.Builder
	for i := 0; i < depth; i++ {
		sb.WriteString(`{"k":`)
	}
	sb.WriteString(`1`)
	for i := 0; i < depth; i++ {
		sb.WriteString(`}`)
	}

	got := Flatten(mustDecode(t, sb.String()))

	if len(got) != 1 {
		t.Fatalf("got %d leaves, want 1", len(got))
	}
	if n := strings.Count(got[0].Path, Sep) + 1; n != depth {
		t.Errorf("leaf path has %d segments, want %d", n, depth)
	}
}

func TestFlatten_ArrayOfObjects(t *testing.T) {
	tree := mustDecode(t, `{"components": [{"name": "api"}, {"name": "web"}]}`)

	got := Flatten(tree)

	want := []Leaf{
		{Path: "components_0_name", Value: "api"},
		{Path: "components_1_name", Value: "web"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Flatten() = %v, want %v", got, want)
	}
}

func TestFieldName(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		path   string
		want   string
	}{
		{name: "plain", prefix: "fs_", path: "summary", want: "fs_summary"},
		{name: "mixed case", prefix: "fs_", path: "issueType_name", want: "fs_issuetype_name"},
		{name: "spaces", prefix: "fs_", path: "Custom Field_0", want: "fs_custom_field_0"},
		{name: "empty prefix", prefix: "", path: "Status", want: "status"},
		{name: "indices untouched", prefix: "fs_", path: "labels_12", want: "fs_labels_12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FieldName(tt.prefix, tt.path); got != tt.want {
				t.Errorf("FieldName(%q, %q) = %q, want %q", tt.prefix, tt.path, got, tt.want)
			}
		})
	}
}

func TestFieldName_PureFunctionOfPath(t *testing.T) {
	a := FieldName("fs_", "Assignee_displayName")
	b := FieldName("fs_", "Assignee_displayName")
	if a != b {
		t.Errorf("FieldName not deterministic: %q vs %q", a, b)
	}
}
