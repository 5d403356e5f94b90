package fieldtree

import (
	"encoding/json"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind Kind
		wantErr  bool
	}{
		{name: "object", raw: `{"a": 1}`, wantKind: Object},
		{name: "array", raw: `[1, 2]`, wantKind: Array},
		{name: "string", raw: `"x"`, wantKind: Scalar},
		{name: "number", raw: `42`, wantKind: Scalar},
		{name: "bool", raw: `true`, wantKind: Scalar},
		{name: "null", raw: `null`, wantKind: Null},
		{name: "invalid", raw: `{`, wantErr: true},
		{name: "trailing data", raw: `{} []`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Errorf("Decode(%q) succeeded, want error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", tt.raw, err)
			}
			if tree.Kind != tt.wantKind {
				t.Errorf("Decode(%q) kind = %v, want %v", tt.raw, tree.Kind, tt.wantKind)
			}
		})
	}
}

func TestDecode_NumberFidelity(t *testing.T) {
	tree, err := Decode([]byte(`{"estimate": 10.50, "id": 10002}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	leaves := Flatten(tree)
	if len(leaves) != 2 {
		t.Fatalf("got %d leaves, want 2", len(leaves))
	}

	if got := leaves[0].Value; got != json.Number("10.50") {
		t.Errorf("estimate = %v, want json.Number 10.50", got)
	}
	if got, err := Canonical(leaves[0].Value); err != nil || got != "10.50" {
		t.Errorf("Canonical(estimate) = %q, %v, want 10.50", got, err)
	}
	if got, err := Canonical(leaves[1].Value); err != nil || got != "10002" {
		t.Errorf("Canonical(id) = %q, %v, want 10002", got, err)
	}
}

func TestCanonical_SortsObjectKeys(t *testing.T) {
	got, err := Canonical(map[string]any{"b": json.Number("1"), "a": "x"})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"a":"x","b":1}`
	if got != want {
		t.Errorf("Canonical = %q, want %q", got, want)
	}
}

func TestCanonical_PlainDecimalNumbers(t *testing.T) {
	// Postgres's jsonb column re-renders numbers through numeric, so
	// "1e2" reads back as "100". Canonical must produce that plain
	// decimal spelling up front or the change detector sees a phantom
	// update on every pass.
	tests := []struct {
		in   string
		want string
	}{
		{"1e2", "100"},
		{"1E+2", "100"},
		{"1.5e1", "15"},
		{"1.50e1", "15.0"},
		{"1e-2", "0.01"},
		{"2.5e-3", "0.0025"},
		{"0.5e1", "5"},
		{"-1.5e2", "-150"},
		{"-0", "0"},
		{"-0.0e0", "0.0"},
		{"1.50", "1.50"},
		{"10002", "10002"},
		// digits beyond float64 precision survive intact
		{"12345678901234567890123", "12345678901234567890123"},
		{"1.2345678901234567890123e22", "12345678901234567890123"},
	}
	for _, tt := range tests {
		got, err := Canonical(json.Number(tt.in))
		if err != nil {
			t.Fatalf("Canonical(%s) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Canonical(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCanonical_NormalizesNestedNumbers(t *testing.T) {
	got, err := Canonical(map[string]any{"n": json.Number("1e2"), "xs": []any{json.Number("1.5e-1")}})
	if err != nil {
		t.Fatalf("Canonical failed: %v", err)
	}
	want := `{"n":100,"xs":[0.15]}`
	if got != want {
		t.Errorf("Canonical = %q, want %q", got, want)
	}
}

func TestCanonical_Null(t *testing.T) {
	got, err := Canonical(nil)
	if err != nil {
		t.Fatalf("Canonical(nil) failed: %v", err)
	}
	if got != "null" {
		t.Errorf("Canonical(nil) = %q, want null", got)
	}
}

func TestTree_Interface(t *testing.T) {
	raw := `{"a": {"b": [1, null, "x"]}, "c": true}`
	tree, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	round, err := json.Marshal(tree.Interface())
	if err != nil {
		t.Fatalf("Marshal(Interface()) failed: %v", err)
	}

	// Canonical form of the round-trip must match canonical form of the input.
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	want, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(round) != string(want) {
		t.Errorf("round-trip = %s, want %s", round, want)
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Null, "null"},
		{Scalar, "scalar"},
		{Array, "array"},
		{Object, "object"},
		{Kind(99), "kind(99)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}
