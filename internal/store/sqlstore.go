package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"

	"github.com/karstenwade/flatsync/internal/fieldtree"
	"github.com/karstenwade/flatsync/internal/record"
)

// SchemaVersion marks the layout of the cells/fields/meta tables. Stored
// in the meta table on provision and compared on open so a newer tool's
// database is not silently modified by an older one.
const SchemaVersion = "v1.0.0"

const metaSchemaVersion = "schema_version"

// sqlStore implements Store over database/sql for both dialects. The
// statement text is written with ? placeholders and rebound for
// Postgres; DDL differs per dialect and lives in the Open functions'
// files.
type sqlStore struct {
	conn    *sql.DB
	dialect Dialect
	ddl     string
	target  string // file path or redacted DSN, for messages
	types   TypeMap
}

// SetTypeMap overrides the field-type to column-type mapping used by
// wide-table provisioning. Nil restores the dialect defaults.
func (s *sqlStore) SetTypeMap(types TypeMap) {
	s.types = types
}

// typeMap returns the effective mapping.
func (s *sqlStore) typeMap() TypeMap {
	if s.types != nil {
		return s.types
	}
	return DefaultTypeMap(s.dialect)
}

// Dialect implements Store.Dialect.
func (s *sqlStore) Dialect() Dialect {
	return s.dialect
}

// bind rewrites ? placeholders to the dialect's form.
func (s *sqlStore) bind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// now renders the current UTC time the way both dialects store it.
func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Close releases the connection pool.
func (s *sqlStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if s.dialect == DialectSQLite {
		// Checkpoint WAL before closing so the .db file is complete on its own.
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	s.conn = nil
	return nil
}

// Provision implements Store.Provision.
//
// Additive creates the cells, fields, and meta tables if absent and
// records the schema version. Destructive additionally drops and
// recreates the wide table from the field list. Either policy refreshes
// the fields metadata rows when a non-empty field list is given.
func (s *sqlStore) Provision(ctx context.Context, policy ProvisionPolicy, fields []record.Field) error {
	if _, err := s.conn.ExecContext(ctx, s.ddl); err != nil {
		return &ProvisionError{Policy: policy, Err: err}
	}

	if err := s.ensureSchemaVersion(ctx); err != nil {
		return &ProvisionError{Policy: policy, Err: err}
	}

	if policy == Destructive {
		if len(fields) == 0 {
			return &ProvisionError{Policy: policy, Err: fmt.Errorf("destructive provisioning needs a field list")}
		}
		if err := s.rebuildWide(ctx, fields); err != nil {
			return &ProvisionError{Policy: policy, Err: err}
		}
	}

	if len(fields) > 0 {
		if err := s.upsertFields(ctx, fields); err != nil {
			return &ProvisionError{Policy: policy, Err: err}
		}
	}

	return nil
}

// ensureSchemaVersion stamps the schema version on first provision and
// warns when the database was written by a newer tool.
func (s *sqlStore) ensureSchemaVersion(ctx context.Context) error {
	stored, err := s.GetMeta(ctx, metaSchemaVersion)
	if err != nil {
		return err
	}
	if stored == "" {
		return s.SetMeta(ctx, metaSchemaVersion, SchemaVersion)
	}
	if semver.Compare(stored, SchemaVersion) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: store %s has schema %s, newer than this build's %s\n",
			s.target, stored, SchemaVersion)
	}
	return nil
}

// rebuildWide drops and recreates the wide table.
func (s *sqlStore) rebuildWide(ctx context.Context, fields []record.Field) error {
	if _, err := s.conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(WideTableName)); err != nil {
		return fmt.Errorf("failed to drop wide table: %w", err)
	}

	columns := PlanWideColumns("", fields, s.typeMap())
	if _, err := s.conn.ExecContext(ctx, WideDDL(s.dialect, columns)); err != nil {
		return fmt.Errorf("failed to create wide table: %w", err)
	}
	return nil
}

// upsertFields refreshes the fields metadata rows.
func (s *sqlStore) upsertFields(ctx context.Context, fields []record.Field) error {
	query := s.bind(`
	INSERT INTO fields (field_id, field_name, field_type)
	VALUES (?, ?, ?)
	ON CONFLICT(field_id) DO UPDATE SET
		field_name = excluded.field_name,
		field_type = excluded.field_type
	`)

	for _, f := range fields {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("invalid field: %w", err)
		}
		if _, err := s.conn.ExecContext(ctx, query, f.ID, f.Name, f.Type); err != nil {
			return fmt.Errorf("failed to store field %s: %w", f.ID, err)
		}
	}
	return nil
}

// ListFields implements Store.ListFields.
func (s *sqlStore) ListFields(ctx context.Context) ([]record.Field, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT field_id, field_name, field_type FROM fields ORDER BY field_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list fields: %w", err)
	}
	defer rows.Close()

	var fields []record.Field
	for rows.Next() {
		var f record.Field
		if err := rows.Scan(&f.ID, &f.Name, &f.Type); err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		fields = append(fields, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fields: %w", err)
	}
	return fields, nil
}

// LookupCell implements CellWriter.LookupCell.
func (s *sqlStore) LookupCell(ctx context.Context, recordKey, leafPath string) (*Cell, error) {
	return lookupCell(ctx, s.conn, s, recordKey, leafPath)
}

// InsertCell implements CellWriter.InsertCell.
func (s *sqlStore) InsertCell(ctx context.Context, cell *Cell) error {
	return insertCell(ctx, s.conn, s, cell)
}

// UpdateCell implements CellWriter.UpdateCell.
func (s *sqlStore) UpdateCell(ctx context.Context, recordKey, leafPath string, value *string) (bool, error) {
	return updateCell(ctx, s.conn, s, recordKey, leafPath, value)
}

// UpsertCell implements Store.UpsertCell.
func (s *sqlStore) UpsertCell(ctx context.Context, cell *Cell) error {
	query := s.bind(`
	INSERT INTO cells (record_key, leaf_path, field_name, value, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(record_key, leaf_path) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
	`)

	ts := now()
	if _, err := s.conn.ExecContext(ctx, query,
		cell.RecordKey, cell.LeafPath, cell.FieldName, cellValue(cell.Value), ts, ts); err != nil {
		return classifyWrite(cell.RecordKey, cell.LeafPath, err)
	}
	return nil
}

// Begin implements Store.Begin.
func (s *sqlStore) Begin(ctx context.Context) (Batch, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, &ConnError{Op: "begin", Err: err}
	}
	return &sqlBatch{tx: tx, store: s}, nil
}

// ListCells implements Store.ListCells.
func (s *sqlStore) ListCells(ctx context.Context, filter CellFilter) ([]*Cell, error) {
	var conditions []string
	var args []any

	if filter.RecordKey != "" {
		conditions = append(conditions, "record_key = ?")
		args = append(args, filter.RecordKey)
	}
	if filter.Project != "" {
		conditions = append(conditions, "record_key LIKE ?")
		args = append(args, filter.Project+"-%")
	}
	if filter.PathPrefix != "" {
		conditions = append(conditions, `leaf_path LIKE ? ESCAPE '\'`)
		args = append(args, likePrefix(filter.PathPrefix))
	}

	query := `
	SELECT record_key, leaf_path, field_name, value
	FROM cells
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY record_key ASC, leaf_path ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	var cells []*Cell
	for rows.Next() {
		cell, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		cells = append(cells, cell)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cells: %w", err)
	}
	return cells, nil
}

// CountCells implements Store.CountCells.
func (s *sqlStore) CountCells(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cells").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count cells: %w", err)
	}
	return count, nil
}

// CountRecords implements Store.CountRecords.
func (s *sqlStore) CountRecords(ctx context.Context) (int, error) {
	var count int
	if err := s.conn.QueryRowContext(ctx, "SELECT COUNT(DISTINCT record_key) FROM cells").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// FillWide implements Store.FillWide.
func (s *sqlStore) FillWide(ctx context.Context, fields []record.Field, records []*record.Record) (int, error) {
	columns := PlanWideColumns("", fields, s.typeMap())

	idents := make([]string, 0, len(columns)+1)
	idents = append(idents, quoteIdent(wideKeyColumn))
	for _, col := range columns {
		idents = append(idents, quoteIdent(col.Name))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(idents)), ", ")

	query := s.bind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(WideTableName), strings.Join(idents, ", "), placeholders,
	))

	written := 0
	for _, rec := range records {
		args := make([]any, 0, len(idents))
		args = append(args, rec.Key)
		for _, col := range columns {
			node := topLevelField(rec, col.FieldID)
			v, err := wideValue(s.dialect, col, node)
			if err != nil {
				return written, fmt.Errorf("record %s: %w", rec.Key, err)
			}
			args = append(args, v)
		}

		if _, err := s.conn.ExecContext(ctx, query, args...); err != nil {
			return written, classifyWrite(rec.Key, wideKeyColumn, err)
		}
		written++
	}
	return written, nil
}

// topLevelField returns the record's top-level tree node for a field ID,
// or nil when the record has no such field.
func topLevelField(rec *record.Record, fieldID string) *fieldtree.Tree {
	if rec.Fields == nil || rec.Fields.Fields == nil {
		return nil
	}
	return rec.Fields.Fields[fieldID]
}

// GetMeta implements Store.GetMeta.
func (s *sqlStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, s.bind("SELECT value FROM meta WHERE key = ?"), key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta implements Store.SetMeta.
func (s *sqlStore) SetMeta(ctx context.Context, key, value string) error {
	query := s.bind(`
	INSERT INTO meta (key, value)
	VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`)
	if _, err := s.conn.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// sqlBatch is a transaction boundary over the same cell statements.
type sqlBatch struct {
	tx    *sql.Tx
	store *sqlStore
}

func (b *sqlBatch) LookupCell(ctx context.Context, recordKey, leafPath string) (*Cell, error) {
	return lookupCell(ctx, b.tx, b.store, recordKey, leafPath)
}

// InsertCell wraps the insert in a savepoint on Postgres. There a
// failed statement poisons the whole transaction (SQLSTATE 25P02), so
// without the savepoint the caller's conflict-to-update recovery could
// never run inside a batch.
func (b *sqlBatch) InsertCell(ctx context.Context, cell *Cell) error {
	if b.store.dialect != DialectPostgres {
		return insertCell(ctx, b.tx, b.store, cell)
	}

	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT cell_insert"); err != nil {
		return &ConnError{Op: "savepoint", Err: err}
	}
	if err := insertCell(ctx, b.tx, b.store, cell); err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT cell_insert"); rbErr != nil {
			return &ConnError{Op: "savepoint rollback", Err: rbErr}
		}
		return err
	}
	if _, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT cell_insert"); err != nil {
		return &ConnError{Op: "savepoint release", Err: err}
	}
	return nil
}

func (b *sqlBatch) UpdateCell(ctx context.Context, recordKey, leafPath string, value *string) (bool, error) {
	return updateCell(ctx, b.tx, b.store, recordKey, leafPath, value)
}

func (b *sqlBatch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *sqlBatch) Rollback() error {
	if err := b.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back batch: %w", err)
	}
	return nil
}

// execer is the slice of database/sql shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lookupCell fetches one cell; (nil, nil) when absent.
func lookupCell(ctx context.Context, e execer, s *sqlStore, recordKey, leafPath string) (*Cell, error) {
	query := s.bind(`
	SELECT record_key, leaf_path, field_name, value
	FROM cells
	WHERE record_key = ? AND leaf_path = ?
	`)

	row := e.QueryRowContext(ctx, query, recordKey, leafPath)
	cell, err := scanCellRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if isConnFault(err) {
			return nil, &ConnError{Op: "lookup", Err: err}
		}
		return nil, fmt.Errorf("failed to look up cell %s/%s: %w", recordKey, leafPath, err)
	}
	return cell, nil
}

// insertCell creates a new cell row. A primary-key conflict is a
// WriteError the caller can turn into an update.
func insertCell(ctx context.Context, e execer, s *sqlStore, cell *Cell) error {
	query := s.bind(`
	INSERT INTO cells (record_key, leaf_path, field_name, value, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`)

	ts := now()
	if _, err := e.ExecContext(ctx, query,
		cell.RecordKey, cell.LeafPath, cell.FieldName, cellValue(cell.Value), ts, ts); err != nil {
		return classifyWrite(cell.RecordKey, cell.LeafPath, err)
	}
	return nil
}

// updateCell overwrites the value of an existing cell. Reports whether a
// row was actually updated.
func updateCell(ctx context.Context, e execer, s *sqlStore, recordKey, leafPath string, value *string) (bool, error) {
	query := s.bind(`
	UPDATE cells SET value = ?, updated_at = ?
	WHERE record_key = ? AND leaf_path = ?
	`)

	res, err := e.ExecContext(ctx, query, cellValue(value), now(), recordKey, leafPath)
	if err != nil {
		return false, classifyWrite(recordKey, leafPath, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifyWrite(recordKey, leafPath, err)
	}
	return n > 0, nil
}

// cellValue converts the cell's optional canonical text into a bind
// parameter, keeping NULL distinct from empty string.
func cellValue(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

// scanner is the slice of sql.Rows and sql.Row used by scanCell.
type scanner interface {
	Scan(dest ...any) error
}

func scanCell(rows *sql.Rows) (*Cell, error) {
	cell, err := scanCellRow(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cell: %w", err)
	}
	return cell, nil
}

func scanCellRow(row scanner) (*Cell, error) {
	var cell Cell
	var value sql.NullString
	if err := row.Scan(&cell.RecordKey, &cell.LeafPath, &cell.FieldName, &value); err != nil {
		return nil, err
	}
	if value.Valid {
		v := value.String
		cell.Value = &v
	}
	return &cell, nil
}

// likePrefix escapes a prefix for use in a LIKE pattern.
func likePrefix(prefix string) string {
	prefix = strings.ReplaceAll(prefix, `\`, `\\`)
	prefix = strings.ReplaceAll(prefix, "%", `\%`)
	prefix = strings.ReplaceAll(prefix, "_", `\_`)
	return prefix + "%"
}
