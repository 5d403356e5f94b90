package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/karstenwade/flatsync/internal/fieldtree"
	"github.com/karstenwade/flatsync/internal/record"
	"github.com/karstenwade/flatsync/internal/store"
)

const (
	defaultPrefix    = "fs_"
	defaultPageSize  = 100
	defaultBatchSize = 100
	defaultMaxPages  = 10000
)

// reconciler implements the Reconciler interface.
type reconciler struct {
	store  Storage
	source Source
	opts   Options
	logger *log.Logger
}

// New creates a new Reconciler instance.
//
// The store must be provisioned before the first run. Zero-valued
// options fall back to the defaults documented on Options.
//
// Example:
//
//	st, err := store.OpenSQLite(".flatsync/cells.db")
//	if err != nil {
//	    return err
//	}
//	if err := st.Provision(ctx, store.Additive, nil); err != nil {
//	    return err
//	}
//	eng := reconcile.New(st, src, reconcile.Options{})
func New(st Storage, src Source, opts Options) Reconciler {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.OnFailure == "" {
		opts.OnFailure = ContinueOnFailure
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	return &reconciler{
		store:  st,
		source: src,
		opts:   opts,
		logger: logger,
	}
}

// Decision is the change detector's verdict for one leaf.
type Decision int

const (
	Skip Decision = iota
	Insert
	Update
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Insert:
		return "insert"
	case Update:
		return "update"
	default:
		return "unknown"
	}
}

// Decide compares a stored cell against an incoming canonical value.
// A nil stored cell means the path was never seen; a nil value on
// either side is a null leaf. Equality is byte equality of the
// canonical serializations, so only genuine changes become updates.
func Decide(stored *store.Cell, incoming *string) Decision {
	if stored == nil {
		return Insert
	}
	if valueEqual(stored.Value, incoming) {
		return Skip
	}
	return Update
}

func valueEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ReconcileRecord implements Reconciler.ReconcileRecord.
func (e *reconciler) ReconcileRecord(ctx context.Context, rec *record.Record) (RecordResult, error) {
	return e.reconcileRecord(ctx, e.store, rec)
}

// reconcileRecord flattens one record and applies the decisions through
// the given writer, which is either the store itself or an open batch.
//
// The returned error is a *RecordError when the record itself is bad,
// or a connection-level fault; cell failures are counted, not returned.
func (e *reconciler) reconcileRecord(ctx context.Context, w store.CellWriter, rec *record.Record) (RecordResult, error) {
	var res RecordResult

	if rec == nil {
		return res, &RecordError{Err: fmt.Errorf("record is nil")}
	}
	if err := rec.Validate(); err != nil {
		return res, &RecordError{Key: rec.Key, Err: err}
	}

	leaves := fieldtree.Flatten(rec.Fields)
	seen := make(map[string]bool, len(leaves))
	for _, leaf := range leaves {
		if seen[leaf.Path] {
			collision := &store.PathCollisionError{RecordKey: rec.Key, LeafPath: leaf.Path}
			e.logger.Printf("WARNING: %v (leaf skipped)", collision)
			res.Collisions++
			continue
		}
		seen[leaf.Path] = true

		if err := e.applyLeaf(ctx, w, rec.Key, leaf, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// applyLeaf decides and applies one leaf. Non-fatal failures are logged,
// counted, and absorbed so sibling leaves continue.
func (e *reconciler) applyLeaf(ctx context.Context, w store.CellWriter, key string, leaf fieldtree.Leaf, res *RecordResult) error {
	value, err := canonicalLeaf(leaf)
	if err != nil {
		e.logger.Printf("WARNING: failed to serialize %s/%s: %v (cell skipped)", key, leaf.Path, err)
		res.Failed++
		return nil
	}

	stored, err := w.LookupCell(ctx, key, leaf.Path)
	if err != nil {
		if isFatal(err) {
			return err
		}
		stored, err = w.LookupCell(ctx, key, leaf.Path)
		if err != nil {
			if isFatal(err) {
				return err
			}
			e.logger.Printf("WARNING: failed to look up %s/%s: %v (cell skipped)", key, leaf.Path, err)
			res.Failed++
			return nil
		}
	}

	switch Decide(stored, value) {
	case Skip:
		res.Skipped++
		return nil
	case Update:
		if e.opts.DryRun {
			res.Updated++
			return nil
		}
		return e.updateLeaf(ctx, w, key, leaf.Path, value, res)
	default:
		if e.opts.DryRun {
			res.Inserted++
			return nil
		}
		return e.insertLeaf(ctx, w, key, leaf, value, res)
	}
}

// insertLeaf creates the cell. An insert conflict means another worker
// (or a previous attempt) got there first, so the incoming value is
// retried as an update against the now-present row.
func (e *reconciler) insertLeaf(ctx context.Context, w store.CellWriter, key string, leaf fieldtree.Leaf, value *string, res *RecordResult) error {
	cell := &store.Cell{
		RecordKey: key,
		LeafPath:  leaf.Path,
		FieldName: fieldtree.FieldName(e.opts.Prefix, leaf.Path),
		Value:     value,
	}

	err := w.InsertCell(ctx, cell)
	if err == nil {
		res.Inserted++
		return nil
	}
	if isFatal(err) {
		return err
	}

	stored, lerr := w.LookupCell(ctx, key, leaf.Path)
	if lerr != nil {
		if isFatal(lerr) {
			return lerr
		}
		e.logger.Printf("WARNING: failed to insert %s/%s: %v (cell skipped)", key, leaf.Path, err)
		res.Failed++
		return nil
	}
	if stored != nil {
		if valueEqual(stored.Value, value) {
			res.Skipped++
			return nil
		}
		return e.updateLeaf(ctx, w, key, leaf.Path, value, res)
	}

	// Still absent: the failure was transient, not a conflict.
	if err := w.InsertCell(ctx, cell); err != nil {
		if isFatal(err) {
			return err
		}
		e.logger.Printf("WARNING: failed to insert %s/%s after retry: %v (cell skipped)", key, leaf.Path, err)
		res.Failed++
		return nil
	}
	res.Inserted++
	return nil
}

// updateLeaf overwrites the cell's value, retrying once on a transient
// failure.
func (e *reconciler) updateLeaf(ctx context.Context, w store.CellWriter, key, path string, value *string, res *RecordResult) error {
	updated, err := w.UpdateCell(ctx, key, path, value)
	if err != nil {
		if isFatal(err) {
			return err
		}
		updated, err = w.UpdateCell(ctx, key, path, value)
		if err != nil {
			if isFatal(err) {
				return err
			}
			e.logger.Printf("WARNING: failed to update %s/%s after retry: %v (cell skipped)", key, path, err)
			res.Failed++
			return nil
		}
	}
	if !updated {
		// Cells are never deleted, so a vanished row means something
		// outside this run touched the table.
		e.logger.Printf("WARNING: update of %s/%s matched no row (cell skipped)", key, path)
		res.Failed++
		return nil
	}
	res.Updated++
	return nil
}

// canonicalLeaf renders a leaf value as canonical JSON text, nil for a
// null leaf.
func canonicalLeaf(leaf fieldtree.Leaf) (*string, error) {
	if leaf.IsNull() {
		return nil, nil
	}
	text, err := fieldtree.Canonical(leaf.Value)
	if err != nil {
		return nil, err
	}
	return &text, nil
}

// isFatal reports whether an error must abort the whole run.
func isFatal(err error) bool {
	var connErr *store.ConnError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Run implements Reconciler.Run.
func (e *reconciler) Run(ctx context.Context) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	e.logger.Printf("Starting run %s (page=%d, batch=%d, on-failure=%s, dry-run=%t)",
		summary.RunID, e.opts.PageSize, e.opts.BatchSize, e.opts.OnFailure, e.opts.DryRun)

	runner := newBatchRunner(e, summary)
	defer runner.discard()

	startAt := 0
	for page := 0; ; page++ {
		if page >= e.opts.MaxPages {
			e.logger.Printf("WARNING: stopping after %d pages with the source still reporting more records", page)
			break
		}

		p, err := e.source.FetchPage(ctx, startAt, e.opts.PageSize)
		if err != nil {
			return summary.finish(), fmt.Errorf("failed to fetch page at offset %d: %w", startAt, err)
		}
		summary.Pages++
		if len(p.Records) == 0 {
			break
		}

		for _, rec := range p.Records {
			summary.Records++
			if err := runner.process(ctx, rec); err != nil {
				return summary.finish(), err
			}
			if e.opts.Progress != nil {
				e.opts.Progress(summary.Records, p.Total)
			}
		}

		startAt += len(p.Records)
		if p.Total > 0 && startAt >= p.Total {
			break
		}
	}

	if err := runner.flush(); err != nil {
		return summary.finish(), err
	}
	summary.finish()
	e.logger.Printf("Run %s complete in %s: %s", summary.RunID, summary.Duration().Round(time.Millisecond), summary)
	return summary, nil
}
