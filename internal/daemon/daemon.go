// Package daemon runs flatsync unattended: it polls the tracker on a
// timer, reconciles record dumps dropped into a watch directory, and
// journals every run for the status command.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/karstenwade/flatsync/internal/reconcile"
	"github.com/karstenwade/flatsync/internal/record"
)

// metaWatermark is the store meta key holding the last successful poll
// start time. Polls after the first fetch only records updated since it.
const metaWatermark = "daemon_watermark"

// EngineFactory builds a reconcile engine for one poll. A zero since
// means a full sync; otherwise the engine's source query is narrowed to
// records updated at or after since.
type EngineFactory func(since time.Time) (reconcile.Reconciler, error)

// Meta is the slice of the store the daemon persists its watermark
// through.
type Meta interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Config holds daemon settings.
type Config struct {
	// PollInterval is the time between tracker polls.
	PollInterval time.Duration

	// DebounceInterval is how long a dropped dump must sit quiet before
	// it is processed; rapid rewrites of one file batch into one pass.
	DebounceInterval time.Duration

	// WatchDir is the drop directory scanned for *.jsonl record dumps.
	// Empty disables the watcher.
	WatchDir string

	// Journal records run history. Nil disables journaling.
	Journal *Journal

	// OnRun, when set, receives each completed run's journal entry.
	// The dashboard bridges through this.
	OnRun func(Entry)

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:     5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon owns the poll timer, the dump watcher, and the run journal.
type Daemon struct {
	factory EngineFactory
	meta    Meta
	config  *Config

	watcher       *DumpWatcher
	changeQueue   map[string]time.Time // dump path -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. The factory builds one engine per poll so each
// poll's source query carries the current watermark; meta persists the
// watermark across restarts.
func New(factory EngineFactory, meta Meta, config *Config) (*Daemon, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory cannot be nil")
	}
	if meta == nil {
		return nil, fmt.Errorf("meta store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Minute
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		factory:     factory,
		meta:        meta,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start runs the daemon: an immediate first poll, then the poll timer
// and (when configured) the dump watcher. Blocks until ctx is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (poll=%s, watch=%q)", d.config.PollInterval, d.config.WatchDir)

	if err := d.pollOnce(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	if d.config.WatchDir != "" {
		watcher, err := NewDumpWatcher()
		if err != nil {
			return err
		}
		if err := watcher.Start(d.config.WatchDir); err != nil {
			return err
		}
		d.watcher = watcher
		d.config.Logger.Printf("Watching: %s", d.config.WatchDir)

		d.wg.Add(2)
		go d.watchDumpEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go d.pollLoop(ctx)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down and waits for its goroutines.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// pollLoop runs pollOnce on the configured interval.
func (d *Daemon) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.pollOnce(ctx); err != nil {
				d.config.Logger.Printf("Poll failed: %v", err)
			}
		}
	}
}

// pollOnce runs one tracker sync from the current watermark and
// advances the watermark on success.
//
// The watermark is the poll's start time, not its end, so records
// updated while a poll was in flight are re-fetched next time rather
// than missed. Re-fetching is free: unchanged cells all decide Skip.
func (d *Daemon) pollOnce(ctx context.Context) error {
	since := d.readWatermark(ctx)
	started := time.Now().UTC()

	eng, err := d.factory(since)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	summary, runErr := eng.Run(ctx)
	if summary != nil {
		d.report(EntryFromSummary(summary, TriggerPoll, runErr))
	}
	if runErr != nil {
		return runErr
	}

	if err := d.meta.SetMeta(ctx, metaWatermark, started.Format(time.RFC3339)); err != nil {
		d.config.Logger.Printf("Warning: failed to persist watermark: %v", err)
	}
	return nil
}

// readWatermark loads the persisted watermark; zero means full sync.
func (d *Daemon) readWatermark(ctx context.Context) time.Time {
	value, err := d.meta.GetMeta(ctx, metaWatermark)
	if err != nil {
		d.config.Logger.Printf("Warning: failed to read watermark, doing a full sync: %v", err)
		return time.Time{}
	}
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		d.config.Logger.Printf("Warning: bad watermark %q, doing a full sync: %v", value, err)
		return time.Time{}
	}
	return t
}

// watchDumpEvents queues dump file events for debounced processing.
func (d *Daemon) watchDumpEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.config.Logger.Printf("Dump event: %s", event.Path)
			d.queueChange(event.Path)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange stamps a dump path with the current time for debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()
	d.changeQueue[path] = time.Now()
}

// processChangeQueue drains dump paths that have been quiet long enough.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingDumps()
		}
	}
}

// processPendingDumps reconciles every dump whose debounce window has
// passed.
func (d *Daemon) processPendingDumps() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.reconcileDump(path); err != nil {
			d.config.Logger.Printf("Error processing dump %s: %v", path, err)
		}
	}
}

// reconcileDump reads one record dump and reconciles its records
// directly, outside the poll cycle.
func (d *Daemon) reconcileDump(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Dropped and removed before the debounce fired.
		return nil
	}

	records, err := record.ReadDump(path)
	if err != nil {
		return err
	}
	d.config.Logger.Printf("Reconciling %d records from %s", len(records), path)

	eng, err := d.factory(time.Time{})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	entry := Entry{
		RunID:     uuid.NewString(),
		Trigger:   TriggerWatch,
		StartedAt: time.Now().UTC(),
	}
	for _, rec := range records {
		res, err := eng.ReconcileRecord(d.ctx, rec)
		entry.Records++
		entry.Inserted += res.Inserted
		entry.Updated += res.Updated
		entry.Skipped += res.Skipped
		entry.FailedCells += res.Failed
		entry.Collisions += res.Collisions
		if err != nil {
			d.config.Logger.Printf("Warning: failed to reconcile %s: %v", rec.Key, err)
			entry.FailedRecords = append(entry.FailedRecords, rec.Key)
			continue
		}
		entry.CommittedRecords++
	}
	entry.FinishedAt = time.Now().UTC()

	d.report(entry)
	return nil
}

// report journals a run entry and forwards it to the OnRun callback.
func (d *Daemon) report(entry Entry) {
	if d.config.Journal != nil {
		if err := d.config.Journal.Append(entry); err != nil {
			d.config.Logger.Printf("Warning: failed to journal run %s: %v", entry.RunID, err)
		}
	}
	if d.config.OnRun != nil {
		d.config.OnRun(entry)
	}
}
