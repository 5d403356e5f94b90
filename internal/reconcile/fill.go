package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/karstenwade/flatsync/internal/record"
)

// WideFiller is the slice of the store the wide-table load writes
// through. store.Store satisfies it.
type WideFiller interface {
	FillWide(ctx context.Context, fields []record.Field, records []*record.Record) (int, error)
}

// FillOptions configures a wide-table load. The zero value pages at the
// engine's default size and admits every project.
type FillOptions struct {
	// Projects is the allow-list of project prefixes to load. Records
	// whose key belongs to no listed project are skipped. Empty admits
	// everything.
	Projects []string

	// PageSize is the fetch window requested from the source.
	// Default 100.
	PageSize int

	// Logger receives progress lines. Defaults to stderr.
	Logger *log.Logger
}

// FillWide pages every record out of the source and loads one wide-table
// row per record, the record's top-level fields spread across the
// provisioned columns. The wide table must have been provisioned from
// the same field list first.
//
// Rows are plain inserts: the load is meant to run into a freshly
// rebuilt table, and a leftover row surfaces as a key conflict rather
// than being silently overwritten.
//
// Returns the number of rows written, which is also valid on error.
func FillWide(ctx context.Context, st WideFiller, src Source, fields []record.Field, opts FillOptions) (int, error) {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[fill] ", log.LstdFlags)
	}

	allowed := make(map[string]bool, len(opts.Projects))
	for _, p := range opts.Projects {
		allowed[p] = true
	}

	written := 0
	skipped := 0
	startAt := 0
	for page := 0; ; page++ {
		if page >= defaultMaxPages {
			logger.Printf("WARNING: stopping after %d pages with the source still reporting more records", page)
			break
		}

		p, err := src.FetchPage(ctx, startAt, opts.PageSize)
		if err != nil {
			return written, fmt.Errorf("failed to fetch page at offset %d: %w", startAt, err)
		}
		if len(p.Records) == 0 {
			break
		}

		batch := p.Records
		if len(allowed) > 0 {
			batch = make([]*record.Record, 0, len(p.Records))
			for _, rec := range p.Records {
				if allowed[rec.Project()] {
					batch = append(batch, rec)
				} else {
					skipped++
				}
			}
		}

		n, err := st.FillWide(ctx, fields, batch)
		written += n
		if err != nil {
			return written, err
		}

		startAt += len(p.Records)
		if p.Total > 0 && startAt >= p.Total {
			break
		}
	}

	if skipped > 0 {
		logger.Printf("Wide table loaded: %d rows written, %d records outside the project list skipped", written, skipped)
	} else {
		logger.Printf("Wide table loaded: %d rows written", written)
	}
	return written, nil
}
