package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/karstenwade/flatsync/internal/reconcile"
)

// Trigger names what started a run.
type Trigger string

const (
	// TriggerManual is a run started by a CLI invocation.
	TriggerManual Trigger = "manual"
	// TriggerPoll is a run started by the daemon's poll timer.
	TriggerPoll Trigger = "poll"
	// TriggerWatch is a reconciliation of a dropped record dump.
	TriggerWatch Trigger = "watch"
)

// Entry is one journaled run: the summary counts plus what started it
// and how it ended.
type Entry struct {
	RunID      string    `json:"run_id"`
	Trigger    Trigger   `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Pages   int `json:"pages,omitempty"`
	Records int `json:"records"`

	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Skipped     int `json:"skipped"`
	FailedCells int `json:"failed_cells,omitempty"`
	Collisions  int `json:"collisions,omitempty"`

	CommittedRecords int      `json:"committed_records"`
	FailedRecords    []string `json:"failed_records,omitempty"`

	// Error is the run-level failure message; empty for a clean run.
	Error string `json:"error,omitempty"`
}

// EntryFromSummary converts a run summary into a journal entry.
func EntryFromSummary(s *reconcile.RunSummary, trigger Trigger, runErr error) Entry {
	e := Entry{
		RunID:            s.RunID,
		Trigger:          trigger,
		StartedAt:        s.StartedAt,
		FinishedAt:       s.FinishedAt,
		Pages:            s.Pages,
		Records:          s.Records,
		Inserted:         s.Inserted,
		Updated:          s.Updated,
		Skipped:          s.Skipped,
		FailedCells:      s.FailedCells,
		Collisions:       s.Collisions,
		CommittedRecords: s.CommittedRecords,
		FailedRecords:    s.FailedRecords,
	}
	if runErr != nil {
		e.Error = runErr.Error()
	}
	return e
}

// Journal is an append-only JSONL history of runs. It backs the status
// command and survives daemon restarts.
type Journal struct {
	path string
	mu   sync.Mutex
}

// NewJournal returns a journal at path. The file is created on first
// append.
func NewJournal(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Append writes one entry to the end of the journal.
func (j *Journal) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(e); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

// Last returns up to n most recent entries, oldest first. A missing
// journal is an empty history, not an error. Unparseable lines are
// skipped so one corrupt entry cannot hide the rest.
func (j *Journal) Last(n int) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
