//go:build !cgo || !libsql

package store

import "errors"

// OpenLibsql is unavailable without -tags libsql (requires cgo).
func OpenLibsql(url string) (Store, error) {
	return nil, errors.New("libsql backend not compiled in (rebuild with -tags libsql)")
}
