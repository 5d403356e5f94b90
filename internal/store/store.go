// Package store provides the relational backends that hold flattened
// record cells for flatsync.
//
// A cell is the persisted unit: one (record_key, leaf_path) pair holding a
// derived field name and a canonically serialized value. The package ships
// two interchangeable backends behind the Store interface: embedded SQLite
// (ncruces/go-sqlite3, the default) and PostgreSQL (pgx). Both enforce the
// primary key on (record_key, leaf_path), so a cell can exist at most once
// and concurrent inserters surface as constraint faults rather than
// duplicates.
//
// Besides the cells table, a backend carries a fields table (the tracker's
// field metadata), a meta table (schema version, watermarks), and an
// optionally provisioned wide table with one column per tracker field.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/karstenwade/flatsync/internal/record"
)

// Dialect names the SQL flavor a backend speaks.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ProvisionPolicy selects how Provision treats existing structures.
type ProvisionPolicy string

const (
	// Additive creates missing structures and never drops anything.
	// This is the steady-state policy for incremental sync.
	Additive ProvisionPolicy = "additive"

	// Destructive drops and recreates the wide table so its columns
	// reflect a just-fetched authoritative field list.
	Destructive ProvisionPolicy = "destructive"
)

// ParsePolicy converts a config string into a ProvisionPolicy.
func ParsePolicy(s string) (ProvisionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(Additive):
		return Additive, nil
	case string(Destructive):
		return Destructive, nil
	default:
		return "", fmt.Errorf("unknown provision policy %q (want additive or destructive)", s)
	}
}

// Cell is one stored (recordKey, leafPath) → value fact.
//
// Value holds canonical JSON text; nil means the leaf exists with a null
// value and is stored as SQL NULL, distinct from the row being absent.
// FieldName is derived from LeafPath alone and never changes once the
// cell is created.
type Cell struct {
	RecordKey string
	LeafPath  string
	FieldName string
	Value     *string
}

// CellWriter is the read/write surface for cells, implemented by both a
// Store and an open Batch so reconciliation code runs unchanged inside
// or outside a transaction boundary.
type CellWriter interface {
	// LookupCell fetches the cell for (recordKey, leafPath).
	// Returns (nil, nil) when no such cell exists.
	LookupCell(ctx context.Context, recordKey, leafPath string) (*Cell, error)

	// InsertCell creates a new cell. Inserting an existing
	// (recordKey, leafPath) fails with a WriteError.
	InsertCell(ctx context.Context, cell *Cell) error

	// UpdateCell overwrites the value of an existing cell. The field
	// name and key are immutable once created. Updating an absent cell
	// is not an error; it reports zero rows via the returned bool.
	UpdateCell(ctx context.Context, recordKey, leafPath string, value *string) (bool, error)
}

// Batch is one transaction boundary over cell writes. Either all of its
// mutations become visible on Commit or none do after Rollback.
type Batch interface {
	CellWriter
	Commit() error
	Rollback() error
}

// Store is a relational backend holding cells, field metadata, the meta
// table, and the optional wide table.
type Store interface {
	CellWriter

	// Dialect reports the backend's SQL flavor.
	Dialect() Dialect

	// SetTypeMap overrides the field-type to column-type mapping used
	// by wide-table provisioning. Nil restores the dialect defaults.
	SetTypeMap(types TypeMap)

	// Provision ensures the storage structures exist per the policy.
	// Safe to call on every run. The field list drives the destructive
	// wide-table rebuild and, when non-empty, refreshes the fields
	// metadata table under either policy.
	Provision(ctx context.Context, policy ProvisionPolicy, fields []record.Field) error

	// Begin opens a transaction boundary.
	Begin(ctx context.Context) (Batch, error)

	// UpsertCell inserts or overwrites a cell in one statement. Used by
	// bulk import paths where insert-vs-update accounting is not needed.
	UpsertCell(ctx context.Context, cell *Cell) error

	// ListCells retrieves cells matching the filter, ordered by record
	// key then leaf path.
	ListCells(ctx context.Context, filter CellFilter) ([]*Cell, error)

	// CountCells returns the total number of stored cells.
	CountCells(ctx context.Context) (int, error)

	// CountRecords returns the number of distinct record keys.
	CountRecords(ctx context.Context) (int, error)

	// ListFields returns the stored field metadata rows.
	ListFields(ctx context.Context) ([]record.Field, error)

	// FillWide bulk-loads one wide-table row per record (destructive
	// deployments). Returns the number of rows written.
	FillWide(ctx context.Context, fields []record.Field, records []*record.Record) (int, error)

	// GetMeta reads one meta value. Returns "" when the key is absent.
	GetMeta(ctx context.Context, key string) (string, error)

	// SetMeta writes one meta value.
	SetMeta(ctx context.Context, key, value string) error

	// Close releases the underlying connection pool.
	Close() error
}

// CellFilter configures the ListCells query.
type CellFilter struct {
	// RecordKey filters to one record (empty = all records).
	RecordKey string
	// Project filters by record key prefix, e.g. "MSS" matches MSS-*.
	Project string
	// PathPrefix filters by leaf path prefix (empty = all paths).
	PathPrefix string
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// Offset skips the first N results (for pagination).
	Offset int
}

// ErrNoTransactions reports a backend without transaction support.
// Callers fall back to direct writes; commit boundaries become no-ops.
var ErrNoTransactions = errors.New("store does not support transactions")

// ConnError is a connection-level storage fault. It is fatal: the run
// cannot continue against a broken connection.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("storage connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// WriteError is a per-cell write fault. It carries the cell coordinates
// so the caller can retry or skip exactly that cell while siblings
// continue.
type WriteError struct {
	RecordKey string
	LeafPath  string
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write cell %s/%s: %v", e.RecordKey, e.LeafPath, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ProvisionError is a startup-time fault: the run cannot proceed without
// confirmed storage readiness.
type ProvisionError struct {
	Policy ProvisionPolicy
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision storage (%s): %v", e.Policy, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// PathCollisionError reports two leaves of one record landing on the
// same leaf path at storage time. Not expected under the tree invariants;
// treated as a data-integrity warning, not a run abort.
type PathCollisionError struct {
	RecordKey string
	LeafPath  string
}

func (e *PathCollisionError) Error() string {
	return fmt.Sprintf("leaf path collision on %s/%s", e.RecordKey, e.LeafPath)
}

// isConnFault reports whether err looks like a dead connection rather
// than a statement-level failure.
func isConnFault(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// classifyWrite wraps a statement error as a WriteError, or as a
// ConnError when the connection itself is gone.
func classifyWrite(recordKey, leafPath string, err error) error {
	if isConnFault(err) {
		return &ConnError{Op: "write", Err: err}
	}
	return &WriteError{RecordKey: recordKey, LeafPath: leafPath, Err: err}
}

// quoteIdent defensively quotes a SQL identifier. Field-derived names
// are data, so every generated identifier goes through here regardless
// of how harmless it looks.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
