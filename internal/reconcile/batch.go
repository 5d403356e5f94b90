package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/karstenwade/flatsync/internal/record"
	"github.com/karstenwade/flatsync/internal/store"
)

// batchRunner groups record reconciliations into transaction boundaries
// of Options.BatchSize records.
//
// A boundary's mutations become visible only on commit. When a record
// inside an open boundary fails, the boundary is rolled back and its
// earlier records are replayed into a fresh one, so a failed record
// contributes nothing while its boundary-mates lose nothing. Replayed
// decisions recompute identically because nothing of the boundary had
// committed; their counts are not merged a second time.
type batchRunner struct {
	e       *reconciler
	summary *RunSummary

	batch   store.Batch
	pending []*record.Record
	noTx    bool
	dry     bool
}

func newBatchRunner(e *reconciler, summary *RunSummary) *batchRunner {
	return &batchRunner{e: e, summary: summary, dry: e.opts.DryRun}
}

// writer returns the destination for the next record's mutations,
// opening a boundary lazily. Backends without transactions degrade to
// direct writes with a logged notice.
func (r *batchRunner) writer(ctx context.Context) (store.CellWriter, error) {
	if r.dry || r.noTx {
		return r.e.store, nil
	}
	if r.batch == nil {
		b, err := r.e.store.Begin(ctx)
		if err != nil {
			if errors.Is(err, store.ErrNoTransactions) {
				r.noTx = true
				r.e.logger.Printf("storage does not support transactions; writes apply immediately")
				return r.e.store, nil
			}
			return nil, err
		}
		r.batch = b
	}
	return r.batch, nil
}

// process reconciles one record under the commit policy. The returned
// error, when non-nil, ends the run.
func (r *batchRunner) process(ctx context.Context, rec *record.Record) error {
	w, err := r.writer(ctx)
	if err != nil {
		return err
	}

	res, err := r.e.reconcileRecord(ctx, w, rec)
	if err == nil {
		r.summary.merge(res)
		if r.dry {
			return nil
		}
		if r.noTx {
			r.summary.CommittedRecords++
			return nil
		}
		r.pending = append(r.pending, rec)
		if len(r.pending) >= r.e.opts.BatchSize {
			return r.commit()
		}
		return nil
	}

	var recErr *RecordError
	if !errors.As(err, &recErr) {
		// Connection-level fault: nothing to salvage.
		r.discard()
		return err
	}
	return r.recordFailed(ctx, recErr)
}

// recordFailed applies the configured policy to a record-level failure:
// roll the boundary back, replay its earlier records, then abort or
// continue.
func (r *batchRunner) recordFailed(ctx context.Context, recErr *RecordError) error {
	r.e.logger.Printf("WARNING: %v", recErr)
	r.summary.FailedRecords = append(r.summary.FailedRecords, recErr.Key)

	if r.batch != nil {
		if err := r.batch.Rollback(); err != nil {
			r.batch = nil
			r.pending = nil
			return err
		}
		r.batch = nil
	}
	if err := r.replay(ctx); err != nil {
		return err
	}

	if r.e.opts.OnFailure == AbortOnFailure {
		if err := r.flush(); err != nil {
			return err
		}
		return fmt.Errorf("aborting run: %w", recErr)
	}
	return nil
}

// replay re-applies the rolled-back boundary's surviving records
// through a fresh boundary.
func (r *batchRunner) replay(ctx context.Context) error {
	if len(r.pending) == 0 || r.dry {
		return nil
	}

	w, err := r.writer(ctx)
	if err != nil {
		return err
	}
	for _, rec := range r.pending {
		if _, err := r.e.reconcileRecord(ctx, w, rec); err != nil {
			r.discard()
			return fmt.Errorf("failed to replay record %s after rollback: %w", rec.Key, err)
		}
	}
	return nil
}

// commit closes the open boundary and counts its records as durable.
func (r *batchRunner) commit() error {
	if r.batch == nil {
		r.pending = nil
		return nil
	}
	if err := r.batch.Commit(); err != nil {
		r.batch = nil
		r.pending = nil
		return err
	}
	r.summary.CommittedRecords += len(r.pending)
	r.batch = nil
	r.pending = nil
	return nil
}

// flush commits whatever the open boundary holds; called at the end of
// input and before an abort.
func (r *batchRunner) flush() error {
	return r.commit()
}

// discard rolls back any open boundary. Safe to call repeatedly.
func (r *batchRunner) discard() {
	if r.batch != nil {
		_ = r.batch.Rollback()
		r.batch = nil
	}
	r.pending = nil
}
