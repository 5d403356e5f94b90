package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/karstenwade/flatsync/internal/record"
)

// batchFixture builds five one-leaf records with REC-4 unprocessable.
func batchFixture(t *testing.T) []*record.Record {
	t.Helper()
	var records []*record.Record
	for i := 1; i <= 5; i++ {
		if i == 4 {
			// No field tree: fails validation before any mutation.
			records = append(records, &record.Record{Key: "REC-4"})
			continue
		}
		records = append(records, mustRecord(t, fmt.Sprintf("REC-%d", i), fmt.Sprintf(`{"n": %d}`, i)))
	}
	return records
}

func TestRun_CommitsEveryN(t *testing.T) {
	st := newMemStore()
	var records []*record.Record
	for i := 1; i <= 5; i++ {
		records = append(records, mustRecord(t, fmt.Sprintf("REC-%d", i), fmt.Sprintf(`{"n": %d}`, i)))
	}
	eng := testEngine(st, &memSource{records: records}, Options{BatchSize: 2})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if summary.Records != 5 || summary.Inserted != 5 {
		t.Errorf("summary = %s, want 5 records inserted", summary)
	}
	if summary.CommittedRecords != 5 {
		t.Errorf("committed = %d, want 5", summary.CommittedRecords)
	}
	// Two full boundaries plus the final flush of the tail.
	if st.commits != 3 {
		t.Errorf("commits = %d, want 3", st.commits)
	}
}

func TestRun_BatchFailureAbort(t *testing.T) {
	st := newMemStore()
	eng := testEngine(st, &memSource{records: batchFixture(t)}, Options{
		BatchSize: 2,
		OnFailure: AbortOnFailure,
	})

	summary, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded, want abort after REC-4")
	}

	if summary.Records != 4 {
		t.Errorf("records seen = %d, want 4 (REC-5 never processed)", summary.Records)
	}
	// REC-1 and REC-2 committed at the boundary; REC-3's boundary was
	// rolled back with REC-4, replayed, and flushed on abort.
	if summary.CommittedRecords != 3 {
		t.Errorf("committed = %d, want 3", summary.CommittedRecords)
	}
	if len(summary.FailedRecords) != 1 || summary.FailedRecords[0] != "REC-4" {
		t.Errorf("failed records = %v, want [REC-4]", summary.FailedRecords)
	}
	if st.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", st.rollbacks)
	}

	for _, key := range []string{"REC-1", "REC-2", "REC-3"} {
		if !st.has(key, "n") {
			t.Errorf("cell for %s missing after abort", key)
		}
	}
	for _, key := range []string{"REC-4", "REC-5"} {
		if st.has(key, "n") {
			t.Errorf("cell for %s present, want absent", key)
		}
	}
}

func TestRun_BatchFailureContinue(t *testing.T) {
	st := newMemStore()
	eng := testEngine(st, &memSource{records: batchFixture(t)}, Options{
		BatchSize: 2,
		OnFailure: ContinueOnFailure,
	})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if summary.Records != 5 {
		t.Errorf("records seen = %d, want 5", summary.Records)
	}
	if summary.CommittedRecords != 4 {
		t.Errorf("committed = %d, want 4", summary.CommittedRecords)
	}
	if len(summary.FailedRecords) != 1 || summary.FailedRecords[0] != "REC-4" {
		t.Errorf("failed records = %v, want [REC-4]", summary.FailedRecords)
	}
	if summary.Inserted != 4 {
		t.Errorf("inserted = %d, want 4 (replay must not double-count)", summary.Inserted)
	}

	for _, key := range []string{"REC-1", "REC-2", "REC-3", "REC-5"} {
		if !st.has(key, "n") {
			t.Errorf("cell for %s missing", key)
		}
	}
	if st.has("REC-4", "n") {
		t.Error("failed record left a cell behind")
	}
}

func TestRun_Pagination(t *testing.T) {
	st := newMemStore()
	var records []*record.Record
	for i := 1; i <= 5; i++ {
		records = append(records, mustRecord(t, fmt.Sprintf("REC-%d", i), fmt.Sprintf(`{"n": %d}`, i)))
	}
	src := &memSource{records: records}
	eng := testEngine(st, src, Options{PageSize: 2})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if src.fetches != 3 {
		t.Errorf("fetches = %d, want 3 (2+2+1)", src.fetches)
	}
	if summary.Pages != 3 || summary.Records != 5 {
		t.Errorf("pages=%d records=%d, want 3 and 5", summary.Pages, summary.Records)
	}
}

func TestRun_StaleTotalTerminates(t *testing.T) {
	st := newMemStore()
	var records []*record.Record
	for i := 1; i <= 3; i++ {
		records = append(records, mustRecord(t, fmt.Sprintf("REC-%d", i), fmt.Sprintf(`{"n": %d}`, i)))
	}
	// The source claims far more records than it can produce.
	src := &memSource{records: records, total: 1000}
	eng := testEngine(st, src, Options{PageSize: 2})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if summary.Records != 3 {
		t.Errorf("records = %d, want 3", summary.Records)
	}
	// The empty page after the last window ends the loop.
	if src.fetches != 3 {
		t.Errorf("fetches = %d, want 3", src.fetches)
	}
}

func TestRun_MaxPagesGuard(t *testing.T) {
	st := newMemStore()
	src := &endlessSource{rec: mustRecord(t, "REC-1", `{"n": 1}`)}
	eng := testEngine(st, src, Options{PageSize: 1, MaxPages: 3})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if src.fetches != 3 {
		t.Errorf("fetches = %d, want the cap of 3", src.fetches)
	}
	if summary.Records != 3 {
		t.Errorf("records = %d, want 3", summary.Records)
	}
}

func TestRun_NoTransactionsDegrades(t *testing.T) {
	st := newMemStore()
	st.noTx = true
	var records []*record.Record
	for i := 1; i <= 3; i++ {
		records = append(records, mustRecord(t, fmt.Sprintf("REC-%d", i), fmt.Sprintf(`{"n": %d}`, i)))
	}
	eng := testEngine(st, &memSource{records: records}, Options{BatchSize: 2})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if st.begins != 1 {
		t.Errorf("begins = %d, want 1 (degrade after the first refusal)", st.begins)
	}
	if st.commits != 0 {
		t.Errorf("commits = %d, want 0", st.commits)
	}
	if summary.CommittedRecords != 3 {
		t.Errorf("committed = %d, want 3 (direct writes are durable)", summary.CommittedRecords)
	}
	for i := 1; i <= 3; i++ {
		if !st.has(fmt.Sprintf("REC-%d", i), "n") {
			t.Errorf("cell for REC-%d missing", i)
		}
	}
}

func TestRun_DryRun(t *testing.T) {
	st := newMemStore()
	records := []*record.Record{
		mustRecord(t, "REC-1", `{"n": 1}`),
		mustRecord(t, "REC-2", `{"n": 2}`),
	}
	eng := testEngine(st, &memSource{records: records}, Options{DryRun: true})

	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if summary.Inserted != 2 {
		t.Errorf("inserted = %d, want 2 counted decisions", summary.Inserted)
	}
	if st.inserts != 0 || len(st.cells) != 0 || st.begins != 0 {
		t.Errorf("dry run touched the store: inserts=%d cells=%d begins=%d", st.inserts, len(st.cells), st.begins)
	}
	if summary.CommittedRecords != 0 {
		t.Errorf("committed = %d, want 0", summary.CommittedRecords)
	}
}

func TestRun_FetchErrorIsFatal(t *testing.T) {
	st := newMemStore()
	src := &memSource{records: batchFixture(t), errAt: 1}
	eng := testEngine(st, src, Options{})

	summary, err := eng.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded with a failing source")
	}
	if summary == nil {
		t.Fatal("Run() returned no summary on failure")
	}
	if summary.Records != 0 || summary.Pages != 0 {
		t.Errorf("summary = %s, want nothing processed", summary)
	}
	if summary.FinishedAt.IsZero() {
		t.Error("summary end time not stamped on failure")
	}
}

func TestRun_ProgressCallback(t *testing.T) {
	st := newMemStore()
	var records []*record.Record
	for i := 1; i <= 3; i++ {
		records = append(records, mustRecord(t, fmt.Sprintf("REC-%d", i), fmt.Sprintf(`{"n": %d}`, i)))
	}

	var calls []int
	eng := testEngine(st, &memSource{records: records}, Options{
		Progress: func(done, total int) { calls = append(calls, done) },
	})

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if len(calls) != 3 || calls[2] != 3 {
		t.Errorf("progress calls = %v, want [1 2 3]", calls)
	}
}
