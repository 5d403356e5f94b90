package reconcile

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/karstenwade/flatsync/internal/record"
	"github.com/karstenwade/flatsync/internal/store"
)

// Reconciler brings stored cells up to date with tracker records.
//
// The reconciler holds explicit handles to its source and store; it has
// no package-level state, so several independent reconcilers can coexist
// in one process.
//
// Per-cell failures do not stop a record and per-record failures do not
// necessarily stop a run; see Options.OnFailure. Connection-level faults
// always abort.
type Reconciler interface {
	// ReconcileRecord flattens one record and applies the resulting
	// inserts and updates directly, outside any batch boundary.
	//
	// Returns the per-kind counts for the record. The error is non-nil
	// only for record-level failures (invalid record) and fatal
	// connection faults; individual cell failures are counted in the
	// result instead.
	//
	// Example:
	//   res, err := eng.ReconcileRecord(ctx, rec)
	ReconcileRecord(ctx context.Context, rec *record.Record) (RecordResult, error)

	// Run drives a full sync: fetch pages from the source until
	// exhausted, reconcile every record under the batch commit policy,
	// and aggregate a run summary.
	//
	// The summary is returned even when the run fails part-way, so the
	// caller can report what was committed before the fault.
	//
	// Example:
	//   summary, err := eng.Run(ctx)
	Run(ctx context.Context) (*RunSummary, error)
}

// Source is one page-oriented upstream of records.
//
// Implementations retry transient faults internally; an error from
// FetchPage means the retry budget is exhausted and the run cannot
// proceed.
type Source interface {
	// FetchPage returns the window of records starting at startAt.
	// Total is the source's advisory count of all matching records; it
	// may change between pages and must not be trusted for termination
	// on its own.
	FetchPage(ctx context.Context, startAt, pageSize int) (*Page, error)
}

// Page is one fetched window of records.
type Page struct {
	Records []*record.Record
	Total   int
}

// Storage is the slice of the cell store the engine writes through.
// Any store.Store satisfies it; tests substitute an in-memory
// implementation.
type Storage interface {
	store.CellWriter

	// Begin opens a transaction boundary. Backends without transaction
	// support return store.ErrNoTransactions, degrading the engine to
	// direct writes.
	Begin(ctx context.Context) (store.Batch, error)
}

// FailurePolicy selects what a record-level failure does to the rest of
// the run.
type FailurePolicy string

const (
	// ContinueOnFailure reports the failed record and moves on.
	ContinueOnFailure FailurePolicy = "continue"

	// AbortOnFailure stops the run after the failed record, committing
	// the boundary work that preceded it.
	AbortOnFailure FailurePolicy = "abort"
)

// ParseFailurePolicy converts a config string into a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(ContinueOnFailure):
		return ContinueOnFailure, nil
	case string(AbortOnFailure):
		return AbortOnFailure, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want abort or continue)", s)
	}
}

// Options configures an engine. The zero value is usable; New fills in
// the defaults.
type Options struct {
	// Prefix is prepended to every derived field name. Default "fs_".
	Prefix string

	// PageSize is the fetch window requested from the source.
	// Default 100.
	PageSize int

	// BatchSize is the number of records per transaction boundary.
	// Default 100.
	BatchSize int

	// MaxPages caps the pagination loop so a source reporting stale
	// totals can never spin forever. Default 10000.
	MaxPages int

	// OnFailure selects the batch policy's reaction to a failed record.
	// Default ContinueOnFailure.
	OnFailure FailurePolicy

	// DryRun counts the decisions without applying any mutation.
	DryRun bool

	// Logger receives progress and warning lines. Defaults to stderr.
	Logger *log.Logger

	// Progress, when set, is called after each record with the number
	// of records processed and the source's advisory total.
	Progress func(done, total int)
}

// RecordResult carries the per-kind counts of one record's
// reconciliation.
type RecordResult struct {
	Inserted   int
	Updated    int
	Skipped    int
	Failed     int // cells skipped after a persistent write failure
	Collisions int // leaves skipped because their path was already seen
}

// RunSummary aggregates a whole run. No partial silent success: every
// processed record lands in exactly one of the counters, and every
// failed record key is listed.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Pages   int
	Records int

	Inserted    int
	Updated     int
	Skipped     int
	FailedCells int
	Collisions  int

	// CommittedRecords counts records whose boundary reached a commit.
	// Records in a boundary lost to a fault are not in it and will be
	// reprocessed on the next run.
	CommittedRecords int

	// FailedRecords lists the keys reported by the batch policy.
	FailedRecords []string
}

// Duration returns the wall-clock length of the run.
func (s *RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// merge folds one record's counts into the run totals.
func (s *RunSummary) merge(res RecordResult) {
	s.Inserted += res.Inserted
	s.Updated += res.Updated
	s.Skipped += res.Skipped
	s.FailedCells += res.Failed
	s.Collisions += res.Collisions
}

// finish stamps the end time and returns the summary for chaining.
func (s *RunSummary) finish() *RunSummary {
	s.FinishedAt = time.Now().UTC()
	return s
}

// String renders the one-line form used by logs and the CLI.
func (s *RunSummary) String() string {
	return fmt.Sprintf("records=%d inserted=%d updated=%d skipped=%d failed_cells=%d failed_records=%d committed=%d",
		s.Records, s.Inserted, s.Updated, s.Skipped, s.FailedCells, len(s.FailedRecords), s.CommittedRecords)
}

// RecordError is a record-level failure: the record itself could not be
// processed. The batch policy decides whether the run survives it.
type RecordError struct {
	Key string
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("failed to reconcile record %s: %v", e.Key, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
