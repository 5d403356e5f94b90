package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestDumpWatcherEmitsCreateEvents(t *testing.T) {
	dir := t.TempDir()

	w, err := NewDumpWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if !w.IsRunning() {
		t.Fatal("watcher not running after Start")
	}

	path := filepath.Join(dir, "records.jsonl")
	if err := os.WriteFile(path, []byte(`{"key":"MSS-1","fields":{}}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case event := <-w.Events():
		if filepath.Base(event.Path) != "records.jsonl" {
			t.Errorf("event path = %s", event.Path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event within 5s")
	}
}

func TestDumpWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := NewDumpWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(dir); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case event := <-w.Events():
		t.Fatalf("unexpected event for %s", event.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDumpWatcherStopIsIdempotent(t *testing.T) {
	w, err := NewDumpWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher still running after Stop")
	}
}

func TestConvertEventFiltering(t *testing.T) {
	w := &DumpWatcher{dir: "/drop"}

	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{"jsonl create", fsnotify.Event{Name: "/drop/a.jsonl", Op: fsnotify.Create}, true},
		{"jsonl write", fsnotify.Event{Name: "/drop/a.jsonl", Op: fsnotify.Write}, true},
		{"jsonl remove", fsnotify.Event{Name: "/drop/a.jsonl", Op: fsnotify.Remove}, false},
		{"jsonl chmod", fsnotify.Event{Name: "/drop/a.jsonl", Op: fsnotify.Chmod}, false},
		{"other extension", fsnotify.Event{Name: "/drop/a.json", Op: fsnotify.Create}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := w.convertEvent(tt.event); got != tt.want {
				t.Errorf("convertEvent(%v) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}
