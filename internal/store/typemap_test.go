package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTypeMap_Postgres(t *testing.T) {
	m := DefaultTypeMap(DialectPostgres)

	tests := []struct {
		fieldType string
		want      string
	}{
		{fieldType: "string", want: "VARCHAR(255)"},
		{fieldType: "number", want: "NUMERIC"},
		{fieldType: "array", want: "TEXT[]"},
		{fieldType: "date", want: "DATE"},
		{fieldType: "datetime", want: "TIMESTAMP"},
		{fieldType: "user", want: "JSONB"},
		{fieldType: "option", want: "JSONB"},
		{fieldType: "any", want: "JSONB"},
		{fieldType: "unknown", want: "TEXT"},
		{fieldType: "no-such-type", want: "TEXT"},
		{fieldType: "", want: "TEXT"},
	}

	for _, tt := range tests {
		if got := m.ColumnType(tt.fieldType); got != tt.want {
			t.Errorf("ColumnType(%q) = %q, want %q", tt.fieldType, got, tt.want)
		}
	}
}

func TestDefaultTypeMap_SQLite(t *testing.T) {
	m := DefaultTypeMap(DialectSQLite)

	if got := m.ColumnType("number"); got != "NUMERIC" {
		t.Errorf("ColumnType(number) = %q, want NUMERIC", got)
	}
	for _, fieldType := range []string{"string", "array", "datetime", "user", "whatever"} {
		if got := m.ColumnType(fieldType); got != "TEXT" {
			t.Errorf("ColumnType(%q) = %q, want TEXT", fieldType, got)
		}
	}
}

func TestLoadTypeMapOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typemap.yaml")
	yaml := "number: DOUBLE PRECISION\nsprint: JSONB\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write overrides: %v", err)
	}

	m, err := LoadTypeMapOverrides(DialectPostgres, path)
	if err != nil {
		t.Fatalf("LoadTypeMapOverrides() failed: %v", err)
	}

	if got := m.ColumnType("number"); got != "DOUBLE PRECISION" {
		t.Errorf("overridden ColumnType(number) = %q, want DOUBLE PRECISION", got)
	}
	if got := m.ColumnType("sprint"); got != "JSONB" {
		t.Errorf("added ColumnType(sprint) = %q, want JSONB", got)
	}
	// Untouched entries keep their defaults.
	if got := m.ColumnType("string"); got != "VARCHAR(255)" {
		t.Errorf("ColumnType(string) = %q, want VARCHAR(255)", got)
	}
}

func TestLoadTypeMapOverrides_MissingFile(t *testing.T) {
	m, err := LoadTypeMapOverrides(DialectSQLite, filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadTypeMapOverrides() failed on missing file: %v", err)
	}
	if got := m.ColumnType("number"); got != "NUMERIC" {
		t.Errorf("ColumnType(number) = %q, want defaults", got)
	}
}

func TestLoadTypeMapOverrides_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "typemap.yaml")
	if err := os.WriteFile(path, []byte(":\n\t- nope"), 0o644); err != nil {
		t.Fatalf("failed to write overrides: %v", err)
	}

	if _, err := LoadTypeMapOverrides(DialectSQLite, path); err == nil {
		t.Error("LoadTypeMapOverrides() succeeded on malformed YAML, want error")
	}
}
