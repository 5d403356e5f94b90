package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/karstenwade/flatsync/internal/store"
)

// fakeStore collects upserts and serves a fixed cell list.
type fakeStore struct {
	cells    []*store.Cell
	upserted []*store.Cell
}

func (f *fakeStore) ListCells(ctx context.Context, filter store.CellFilter) ([]*store.Cell, error) {
	return f.cells, nil
}

func (f *fakeStore) UpsertCell(ctx context.Context, cell *store.Cell) error {
	f.upserted = append(f.upserted, cell)
	return nil
}

func strptr(s string) *string { return &s }

func TestExportImportRoundTrip(t *testing.T) {
	src := &fakeStore{cells: []*store.Cell{
		{RecordKey: "MSS-1", LeafPath: "a_b", FieldName: "fs_a_b", Value: strptr("1")},
		{RecordKey: "MSS-1", LeafPath: "c_0", FieldName: "fs_c_0", Value: strptr(`"ten"`)},
		{RecordKey: "MSS-2", LeafPath: "status_name", FieldName: "fs_status_name", Value: nil},
	}}

	path := filepath.Join(t.TempDir(), "cells.jsonl")
	exp, err := Export(context.Background(), src, ExportOptions{Path: path})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if exp.CellsWritten != 3 {
		t.Fatalf("CellsWritten = %d, want 3", exp.CellsWritten)
	}

	dst := &fakeStore{}
	imp, err := Import(context.Background(), dst, ImportOptions{Path: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if imp.CellsImported != 3 || imp.Skipped != 0 {
		t.Fatalf("imported=%d skipped=%d, want 3/0", imp.CellsImported, imp.Skipped)
	}

	byPath := make(map[string]*store.Cell)
	for _, c := range dst.upserted {
		byPath[c.RecordKey+"/"+c.LeafPath] = c
	}

	if c := byPath["MSS-1/a_b"]; c == nil || c.Value == nil || *c.Value != "1" {
		t.Errorf("a_b = %+v, want value 1", c)
	}
	if c := byPath["MSS-1/c_0"]; c == nil || c.Value == nil || *c.Value != `"ten"` {
		t.Errorf("c_0 = %+v, want value \"ten\"", c)
	}
	if c := byPath["MSS-2/status_name"]; c == nil || c.Value != nil {
		t.Errorf("status_name = %+v, want null value", c)
	}
}

func TestImportCanonicalizesValues(t *testing.T) {
	// Same object, different key order: the stored text must come out
	// canonical so later change detection sees no difference.
	path := filepath.Join(t.TempDir(), "cells.jsonl")
	line := `{"record_key":"MSS-9","leaf_path":"meta","field_name":"fs_meta","value":{"z":1,"a":2}}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}

	dst := &fakeStore{}
	if _, err := Import(context.Background(), dst, ImportOptions{Path: path}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(dst.upserted) != 1 {
		t.Fatalf("upserted %d cells, want 1", len(dst.upserted))
	}
	if got := *dst.upserted[0].Value; got != `{"a":2,"z":1}` {
		t.Errorf("stored value = %s, want canonical key order", got)
	}
}

func TestImportSkipsBadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.jsonl")
	lines := strings.Join([]string{
		`{"record_key":"MSS-1","leaf_path":"a","field_name":"fs_a","value":1}`,
		`{"record_key":"","leaf_path":"a","field_name":"fs_a","value":1}`,
		`{"record_key":"MSS-3","leaf_path":"","field_name":"fs_a","value":1}`,
		`{"record_key":"MSS-4","leaf_path":"b","field_name":"fs_b","value":true}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}

	dst := &fakeStore{}
	res, err := Import(context.Background(), dst, ImportOptions{Path: path})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.CellsImported != 2 {
		t.Errorf("CellsImported = %d, want 2", res.CellsImported)
	}
	if res.Skipped != 2 || len(res.Errors) != 2 {
		t.Errorf("Skipped = %d, Errors = %v, want 2 skipped", res.Skipped, res.Errors)
	}
}

func TestImportDryRunWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.jsonl")
	line := `{"record_key":"MSS-1","leaf_path":"a","field_name":"fs_a","value":1}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0644); err != nil {
		t.Fatal(err)
	}

	dst := &fakeStore{}
	res, err := Import(context.Background(), dst, ImportOptions{Path: path, DryRun: true})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if res.CellsImported != 1 {
		t.Errorf("CellsImported = %d, want 1", res.CellsImported)
	}
	if len(dst.upserted) != 0 {
		t.Errorf("dry run upserted %d cells", len(dst.upserted))
	}
}

func TestExportOverwritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cells.jsonl")
	if err := os.WriteFile(path, []byte("old contents\n"), 0644); err != nil {
		t.Fatal(err)
	}

	src := &fakeStore{cells: []*store.Cell{
		{RecordKey: "MSS-1", LeafPath: "a", FieldName: "fs_a", Value: strptr("1")},
	}}
	if _, err := Export(context.Background(), src, ExportOptions{Path: path}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "old contents") {
		t.Error("export did not replace the previous file")
	}
}
