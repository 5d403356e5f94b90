//go:build cgo && libsql

package store

import (
	"database/sql"
	"time"

	_ "github.com/tursodatabase/go-libsql"
)

// OpenLibsql connects to a Turso-hosted libSQL database. libSQL speaks
// the SQLite dialect, so the store behaves exactly like the embedded
// backend, minus the local PRAGMA setup.
//
// The URL carries the auth token: libsql://<db>-<org>.turso.io?authToken=...
// Built only with -tags libsql (requires cgo).
func OpenLibsql(url string) (Store, error) {
	conn, err := sql.Open("libsql", url)
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

	return &sqlStore{
		conn:    conn,
		dialect: DialectSQLite,
		ddl:     sqliteDDL,
		target:  redactDSN(url),
	}, nil
}
