package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReadDump reads a JSONL record dump: one record per line in the wire
// shape {"key": ..., "fields": {...}}. Lines that fail to parse or
// validate are skipped with a warning to stderr so one bad line does
// not sink the rest of the dump.
func ReadDump(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record dump %s: %w", path, err)
	}
	defer f.Close()

	var records []*Record
	dec := json.NewDecoder(f)
	line := 0
	for dec.More() {
		line++
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return records, fmt.Errorf("failed to parse record dump %s entry %d: %w", path, line, err)
		}
		if err := rec.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid record at %s entry %d: %v\n", path, line, err)
			continue
		}
		records = append(records, &rec)
	}

	return records, nil
}

// WriteDump writes records as JSONL to path, atomically: the dump is
// written to a temp file in the same directory and renamed into place.
func WriteDump(path string, records []*Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create dump directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dump-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp dump file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := json.NewEncoder(tmp)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to encode record %s: %w", rec.Key, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp dump file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move dump into place: %w", err)
	}
	return nil
}

// ReadAllDumps reads every *.jsonl file in dir, in name order. A missing
// directory is treated as empty. Files that cannot be read are skipped
// with a warning so the daemon keeps draining the rest of the drop
// directory.
func ReadAllDumps(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read dump directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}

		recs, err := ReadDump(filepath.Join(dir, entry.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping unreadable dump %s: %v\n", entry.Name(), err)
			continue
		}
		records = append(records, recs...)
	}

	return records, nil
}
