// Package record defines the shared data types for tracker synchronization:
// the externally sourced record, its field metadata, and record dump files.
package record

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/karstenwade/flatsync/internal/fieldtree"
)

// Record is one externally sourced tracker item: an opaque unique key
// plus its nested field tree. A record is immutable once fetched; one
// instance exists per fetch cycle.
type Record struct {
	// Key is the tracker's unique identifier, e.g. "MSS-1042".
	Key string

	// Fields is the record's nested field structure.
	Fields *fieldtree.Tree
}

// New builds a Record from a key and the raw JSON of its fields.
func New(key string, rawFields []byte) (*Record, error) {
	fields, err := fieldtree.Decode(rawFields)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fields for %s: %w", key, err)
	}

	rec := &Record{Key: key, Fields: fields}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate checks that the record has a usable key and field tree.
func (r *Record) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("record key is required")
	}
	if len(r.Key) > 255 {
		return fmt.Errorf("record key must be 255 characters or less (got %d)", len(r.Key))
	}
	if strings.ContainsAny(r.Key, " \t\n") {
		return fmt.Errorf("record key %q must not contain whitespace", r.Key)
	}
	if r.Fields == nil {
		return fmt.Errorf("record %s has no field tree", r.Key)
	}
	return nil
}

// Project returns the project portion of the record key: everything
// before the first "-". Keys without a "-" belong to no project and
// return "".
func (r *Record) Project() string {
	if i := strings.Index(r.Key, "-"); i > 0 {
		return r.Key[:i]
	}
	return ""
}

// Field describes one field known to the tracker: its internal ID, its
// display name, and the tracker's type name for it. Returned by the
// source's field listing and consumed by the schema provisioner.
type Field struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Validate checks that the field has the identifiers the provisioner
// needs. Type may be empty; unknown types map to the fallback column
// type.
func (f *Field) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("field id is required")
	}
	if f.Name == "" {
		return fmt.Errorf("field %s has no name", f.ID)
	}
	return nil
}

// wireRecord is the JSON shape of one dump line or one search result
// entry: the key plus the raw fields object.
type wireRecord struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

// MarshalJSON renders the record in its wire shape.
func (r *Record) MarshalJSON() ([]byte, error) {
	fields, err := json.Marshal(r.Fields.Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields for %s: %w", r.Key, err)
	}
	return json.Marshal(wireRecord{Key: r.Key, Fields: fields})
}

// UnmarshalJSON parses the wire shape back into a Record.
func (r *Record) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to parse record: %w", err)
	}
	if len(w.Fields) == 0 {
		w.Fields = []byte("null")
	}

	fields, err := fieldtree.Decode(w.Fields)
	if err != nil {
		return fmt.Errorf("failed to decode fields for %s: %w", w.Key, err)
	}

	r.Key = w.Key
	r.Fields = fields
	return nil
}
