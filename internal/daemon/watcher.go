package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DumpEvent reports one record-dump file appearing or changing in the
// drop directory.
type DumpEvent struct {
	// Path is the absolute path of the dump file.
	Path string
}

// DumpWatcher watches the drop directory for *.jsonl record dumps using
// fsnotify. Deletions are ignored; a vanished dump has nothing left to
// reconcile.
type DumpWatcher struct {
	watcher *fsnotify.Watcher
	events  chan DumpEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewDumpWatcher creates a watcher. It emits nothing until Start.
func NewDumpWatcher() (*DumpWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &DumpWatcher{
		watcher: watcher,
		events:  make(chan DumpEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir for dump file events.
func (w *DumpWatcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	w.dir = dir
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch drop directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops the watcher and closes its channels. Blocks until the
// event loop has exited.
func (w *DumpWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the dump event channel. Closed on Stop.
func (w *DumpWatcher) Events() <-chan DumpEvent {
	return w.events
}

// Errors returns the watcher error channel. Closed on Stop.
func (w *DumpWatcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher has been started and not yet
// stopped.
func (w *DumpWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// processEvents converts fsnotify events into DumpEvents.
func (w *DumpWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if dumpEvent, ok := w.convertEvent(event); ok {
				select {
				case w.events <- dumpEvent:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent filters for create/write on *.jsonl files in the drop
// directory.
func (w *DumpWatcher) convertEvent(event fsnotify.Event) (DumpEvent, bool) {
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return DumpEvent{}, false
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return DumpEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return DumpEvent{}, false
	}
	return DumpEvent{Path: abs}, true
}
