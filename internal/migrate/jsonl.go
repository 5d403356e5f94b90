// Package migrate moves stored cells in and out of JSONL files.
//
// Export writes one cell per line; Import upserts cells from such a
// file. The format is the interchange path between stores (say, a local
// SQLite scratch store and the shared Postgres one) and doubles as a
// plain-text backup.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/karstenwade/flatsync/internal/fieldtree"
	"github.com/karstenwade/flatsync/internal/store"
)

// Exporter is the slice of the store Export reads from.
type Exporter interface {
	ListCells(ctx context.Context, filter store.CellFilter) ([]*store.Cell, error)
}

// Importer is the slice of the store Import writes through.
type Importer interface {
	UpsertCell(ctx context.Context, cell *store.Cell) error
}

// ExportOptions configures an export.
type ExportOptions struct {
	// Path is the output JSONL file.
	Path string

	// Filter narrows the exported cells (zero value = everything).
	Filter store.CellFilter
}

// ExportResult reports what an export wrote.
type ExportResult struct {
	CellsWritten int
}

// ImportOptions configures an import.
type ImportOptions struct {
	// Path is the input JSONL file.
	Path string

	// DryRun parses and counts without writing to the store.
	DryRun bool
}

// ImportResult reports what an import did. Lines that could not be
// parsed or validated are listed in Errors and skipped; one bad line
// never sinks the rest of the file.
type ImportResult struct {
	CellsImported int
	Skipped       int
	Errors        []string
}

// wireCell is the JSONL line shape. Value is the cell's JSON value
// embedded raw, so dumps stay readable; nil renders as null and marks a
// null leaf.
type wireCell struct {
	RecordKey string           `json:"record_key"`
	LeafPath  string           `json:"leaf_path"`
	FieldName string           `json:"field_name"`
	Value     *json.RawMessage `json:"value"`
}

// Export writes the matching cells to opts.Path as JSONL. The file is
// written to a temp sibling and renamed into place, so a crash mid-way
// never leaves a truncated dump behind.
func Export(ctx context.Context, st Exporter, opts ExportOptions) (*ExportResult, error) {
	cells, err := st.ListCells(ctx, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells for export: %w", err)
	}

	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".export-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp export file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	result := &ExportResult{}
	for _, cell := range cells {
		line := wireCell{
			RecordKey: cell.RecordKey,
			LeafPath:  cell.LeafPath,
			FieldName: cell.FieldName,
		}
		if cell.Value != nil {
			raw := json.RawMessage(*cell.Value)
			line.Value = &raw
		}
		if err := enc.Encode(line); err != nil {
			_ = tmp.Close()
			return nil, fmt.Errorf("failed to encode cell %s/%s: %w", cell.RecordKey, cell.LeafPath, err)
		}
		result.CellsWritten++
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp export file: %w", err)
	}

	if err := os.Rename(tmpPath, opts.Path); err != nil {
		return nil, fmt.Errorf("failed to move export into place: %w", err)
	}
	return result, nil
}

// Import upserts cells from a JSONL file written by Export (or by any
// tool emitting the same shape). Values are re-canonicalized on the way
// in so imported cells compare byte-equal against future syncs.
func Import(ctx context.Context, st Importer, opts ImportOptions) (*ImportResult, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer f.Close()

	result := &ImportResult{}
	dec := json.NewDecoder(f)
	line := 0

	for dec.More() {
		line++
		var w wireCell
		if err := dec.Decode(&w); err != nil {
			return result, fmt.Errorf("invalid JSON at entry %d: %w", line, err)
		}

		cell, err := cellFromWire(w)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("entry %d: %v", line, err))
			continue
		}

		if !opts.DryRun {
			if err := st.UpsertCell(ctx, cell); err != nil {
				result.Skipped++
				result.Errors = append(result.Errors, fmt.Sprintf("entry %d: %v", line, err))
				continue
			}
		}
		result.CellsImported++
	}

	return result, nil
}

// cellFromWire validates one line and canonicalizes its value.
func cellFromWire(w wireCell) (*store.Cell, error) {
	if w.RecordKey == "" {
		return nil, fmt.Errorf("record_key is required")
	}
	if w.LeafPath == "" {
		return nil, fmt.Errorf("cell %s has no leaf_path", w.RecordKey)
	}
	if w.FieldName == "" {
		return nil, fmt.Errorf("cell %s/%s has no field_name", w.RecordKey, w.LeafPath)
	}

	cell := &store.Cell{
		RecordKey: w.RecordKey,
		LeafPath:  w.LeafPath,
		FieldName: w.FieldName,
	}
	if w.Value != nil {
		tree, err := fieldtree.Decode(*w.Value)
		if err != nil {
			return nil, fmt.Errorf("cell %s/%s: %w", w.RecordKey, w.LeafPath, err)
		}
		text, err := fieldtree.Canonical(tree.Interface())
		if err != nil {
			return nil, fmt.Errorf("cell %s/%s: %w", w.RecordKey, w.LeafPath, err)
		}
		cell.Value = &text
	}
	return cell, nil
}
