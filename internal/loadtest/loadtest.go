// Package loadtest generates synthetic record sets and measures
// reconciliation throughput against a real store.
//
// It exercises the one concurrency mode the engine supports: several
// workers running in parallel, each owning a disjoint slice of record
// keys, all writing through the same store. The (record_key, leaf_path)
// primary key is what keeps that safe, so the load test doubles as a
// check that concurrent disjoint-key reconciliation neither corrupts
// data nor trips constraint faults.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/karstenwade/flatsync/internal/fieldtree"
	"github.com/karstenwade/flatsync/internal/reconcile"
	"github.com/karstenwade/flatsync/internal/record"
)

// Options configures a load test.
type Options struct {
	// Records is the number of synthetic records to generate.
	Records int

	// Depth is the nesting depth of each record's field tree (>= 1).
	Depth int

	// Workers is the number of concurrent reconcilers. Records are
	// partitioned across workers so no two share a record key.
	Workers int

	// BatchSize is the commit boundary size per worker.
	BatchSize int

	// Seed makes the generated data reproducible.
	Seed int64

	// Logger receives engine warnings; defaults to a discard logger so
	// load output stays readable.
	Logger *log.Logger
}

// Result reports a completed load test.
type Result struct {
	Records  int
	Workers  int
	Inserted int
	Updated  int
	Skipped  int
	Failed   int

	// LoadDuration is the wall time of the initial parallel load.
	LoadDuration time.Duration

	// Stats holds per-record latencies from the re-reconcile pass,
	// where every leaf decides Skip.
	Stats *LatencyStats
}

// LatencyStats captures per-record reconcile latencies.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalRecords int
	Errors       int
}

// Format writes the stats in the CLI's report form.
func (s *LatencyStats) Format(w io.Writer) {
	fmt.Fprintf(w, "Per-record reconcile latency (idempotent pass):\n")
	fmt.Fprintf(w, "  Records: %d\n", s.TotalRecords)
	fmt.Fprintf(w, "  Errors:  %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:     %v\n", s.Min)
	fmt.Fprintf(w, "  P50:     %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:    %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:     %v\n", s.P95)
	fmt.Fprintf(w, "  P99:     %v\n", s.P99)
	fmt.Fprintf(w, "  Max:     %v\n", s.Max)
}

// GenerateRecords builds n synthetic records with nested field trees of
// the given depth. The same seed always yields the same records, so two
// load runs against one store reconcile to all-Skip.
func GenerateRecords(n, depth int, seed int64) []*record.Record {
	if depth < 1 {
		depth = 1
	}
	rng := rand.New(rand.NewSource(seed))

	statuses := []string{"open", "in_progress", "closed", "blocked"}
	records := make([]*record.Record, n)
	for i := 0; i < n; i++ {
		fields := map[string]any{
			"summary":  fmt.Sprintf("Synthetic record %d", i),
			"priority": rng.Intn(5),
			"status": map[string]any{
				"name": statuses[rng.Intn(len(statuses))],
				"id":   fmt.Sprintf("%d", 100+rng.Intn(10)),
			},
			"labels":   []any{"loadtest", fmt.Sprintf("batch-%d", i/100)},
			"resolved": nil,
		}
		if depth > 1 {
			fields["detail"] = nestedValue(rng, depth-1)
		}

		records[i] = &record.Record{
			Key:    fmt.Sprintf("LOAD-%05d", i),
			Fields: fieldtree.FromValue(fields),
		}
	}
	return records
}

// nestedValue builds one subtree of the given remaining depth,
// alternating objects and arrays with scalar leaves mixed in.
func nestedValue(rng *rand.Rand, depth int) any {
	if depth <= 0 {
		switch rng.Intn(4) {
		case 0:
			return rng.Intn(1000)
		case 1:
			return fmt.Sprintf("value-%d", rng.Intn(1000))
		case 2:
			return rng.Intn(2) == 0
		default:
			return nil
		}
	}

	if rng.Intn(2) == 0 {
		width := 2 + rng.Intn(2)
		obj := make(map[string]any, width)
		for i := 0; i < width; i++ {
			obj[fmt.Sprintf("field_%d", i)] = nestedValue(rng, depth-1)
		}
		return obj
	}

	width := 2 + rng.Intn(2)
	arr := make([]any, width)
	for i := range arr {
		arr[i] = nestedValue(rng, depth-1)
	}
	return arr
}

// sliceSource serves a fixed record slice through the paginated Source
// contract, so each worker's engine runs the same fetch loop as a real
// sync.
type sliceSource struct {
	records []*record.Record
}

func (s *sliceSource) FetchPage(ctx context.Context, startAt, pageSize int) (*reconcile.Page, error) {
	if startAt >= len(s.records) {
		return &reconcile.Page{Total: len(s.records)}, nil
	}
	end := startAt + pageSize
	if end > len(s.records) {
		end = len(s.records)
	}
	return &reconcile.Page{
		Records: s.records[startAt:end],
		Total:   len(s.records),
	}, nil
}

// Run executes the load test: a parallel initial load, then a parallel
// idempotent re-reconcile measuring per-record latency.
func Run(ctx context.Context, st reconcile.Storage, opts Options) (*Result, error) {
	if opts.Records <= 0 {
		opts.Records = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Workers > opts.Records {
		opts.Workers = opts.Records
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	records := GenerateRecords(opts.Records, opts.Depth, opts.Seed)
	shards := partition(records, opts.Workers)

	result := &Result{Records: opts.Records, Workers: opts.Workers}

	// Phase 1: parallel load, disjoint keys per worker.
	start := time.Now()
	summaries := make([]*reconcile.RunSummary, len(shards))
	errs := make([]error, len(shards))

	var wg sync.WaitGroup
	for i, shard := range shards {
		wg.Add(1)
		go func(i int, shard []*record.Record) {
			defer wg.Done()
			eng := reconcile.New(st, &sliceSource{records: shard}, reconcile.Options{
				BatchSize: opts.BatchSize,
				Logger:    logger,
			})
			summaries[i], errs[i] = eng.Run(ctx)
		}(i, shard)
	}
	wg.Wait()
	result.LoadDuration = time.Since(start)

	for i, err := range errs {
		if err != nil {
			return result, fmt.Errorf("worker %d failed: %w", i, err)
		}
	}
	for _, s := range summaries {
		result.Inserted += s.Inserted
		result.Updated += s.Updated
		result.Skipped += s.Skipped
		result.Failed += s.FailedCells
	}

	// Phase 2: idempotent pass, per-record latency.
	stats, err := measureIdempotentPass(ctx, st, shards, logger)
	if err != nil {
		return result, err
	}
	result.Stats = stats
	return result, nil
}

// measureIdempotentPass re-reconciles every record and times each one.
// All decisions should come out Skip; anything else counts as an error.
func measureIdempotentPass(ctx context.Context, st reconcile.Storage, shards [][]*record.Record, logger *log.Logger) (*LatencyStats, error) {
	var mu sync.Mutex
	var durations []time.Duration
	var errCount int

	var wg sync.WaitGroup
	for _, shard := range shards {
		wg.Add(1)
		go func(shard []*record.Record) {
			defer wg.Done()

			eng := reconcile.New(st, &sliceSource{records: shard}, reconcile.Options{Logger: logger})
			local := make([]time.Duration, 0, len(shard))
			localErrs := 0

			for _, rec := range shard {
				begin := time.Now()
				res, err := eng.ReconcileRecord(ctx, rec)
				local = append(local, time.Since(begin))

				if err != nil || res.Inserted > 0 || res.Updated > 0 || res.Failed > 0 {
					localErrs++
				}
			}

			mu.Lock()
			durations = append(durations, local...)
			errCount += localErrs
			mu.Unlock()
		}(shard)
	}
	wg.Wait()

	if len(durations) == 0 {
		return nil, fmt.Errorf("no records measured")
	}
	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	return stats, nil
}

// partition splits records into n contiguous shards with disjoint keys.
func partition(records []*record.Record, n int) [][]*record.Record {
	shards := make([][]*record.Record, 0, n)
	size := (len(records) + n - 1) / n
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		shards = append(shards, records[start:end])
	}
	return shards
}

// computeLatencyStats aggregates a duration sample.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalRecords: len(sorted),
	}
}
