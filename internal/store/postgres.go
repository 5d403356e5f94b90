package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// postgresDDL mirrors sqliteDDL for PostgreSQL. The value column is
// JSONB: Postgres's own rendering of the stored value is the canonical
// form on this backend, so key order and whitespace never produce false
// changes.
const postgresDDL = `
CREATE TABLE IF NOT EXISTS cells (
	record_key VARCHAR(255) NOT NULL,
	leaf_path  TEXT NOT NULL,
	field_name TEXT NOT NULL,
	value      JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (record_key, leaf_path)
);

CREATE INDEX IF NOT EXISTS idx_cells_record ON cells(record_key);
CREATE INDEX IF NOT EXISTS idx_cells_field ON cells(field_name);

CREATE TABLE IF NOT EXISTS fields (
	field_id   TEXT PRIMARY KEY,
	field_name TEXT NOT NULL,
	field_type TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// OpenPostgres connects to a PostgreSQL store via pgx.
//
// The DSN is a standard libpq connection string or URL; credentials
// normally arrive through the environment (.env). The caller MUST call
// Close() when done.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &ConnError{Op: "open", Err: err}
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &ConnError{Op: "ping", Err: err}
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &sqlStore{
		conn:    conn,
		dialect: DialectPostgres,
		ddl:     postgresDDL,
		target:  redactDSN(dsn),
	}, nil
}

// redactDSN strips credentials from a URL-form DSN for log and error
// display. Keyword-form DSNs pass through; they carry passwords via the
// environment in this tool's config.
func redactDSN(dsn string) string {
	at := strings.IndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at >= 0 && scheme >= 0 && scheme < at {
		return dsn[:scheme+3] + "***" + dsn[at:]
	}
	return dsn
}
