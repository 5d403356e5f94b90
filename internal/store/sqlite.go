package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// sqliteDDL declares the cells, fields, and meta tables. Idempotent; run
// on every provision.
const sqliteDDL = `
-- Flattened record cells: one row per (record, leaf path)
CREATE TABLE IF NOT EXISTS cells (
	record_key TEXT NOT NULL,
	leaf_path  TEXT NOT NULL,
	field_name TEXT NOT NULL,
	value      TEXT,  -- canonical JSON; NULL = null leaf
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (record_key, leaf_path)
);

CREATE INDEX IF NOT EXISTS idx_cells_record ON cells(record_key);
CREATE INDEX IF NOT EXISTS idx_cells_field ON cells(field_name);

-- Tracker field metadata (drives wide-table provisioning)
CREATE TABLE IF NOT EXISTS fields (
	field_id   TEXT PRIMARY KEY,
	field_name TEXT NOT NULL,
	field_type TEXT NOT NULL DEFAULT ''
);

-- Tool metadata: schema version, sync watermarks
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenSQLite opens (and creates if missing) an embedded SQLite store at
// the given path.
//
// The database runs in WAL mode for concurrent reads during writes. The
// caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.OpenSQLite(".flatsync/cells.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func OpenSQLite(path string) (Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, &ConnError{Op: "open", Err: err}
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, &ConnError{Op: "ping", Err: err}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &sqlStore{
		conn:    conn,
		dialect: DialectSQLite,
		ddl:     sqliteDDL,
		target:  path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, &ConnError{Op: "enable WAL", Err: err}
	}

	// Set busy timeout to 5 seconds
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, &ConnError{Op: "set busy timeout", Err: err}
	}

	return s, nil
}
