package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, w *Watcher, path string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Path == path {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", path)
			return Event{}
		}
	}
}

func TestWatcher_ReportsDocuments(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Events"), 0o755); err != nil {
		t.Fatal(err)
	}

	accept := func(rel string) bool { return strings.HasSuffix(rel, ".md") }
	w, err := NewWatcher(root, 20, Filter{Ignore: []string{".obsidian"}}, accept)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(root, "Events", "a.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := waitFor(t, w, "Events/a.md")
	if ev.Op == OpRemove {
		t.Errorf("expected create or write, got %v", ev.Op)
	}

	if err := os.Remove(filepath.Join(root, "Events", "a.md")); err != nil {
		t.Fatal(err)
	}
	ev = waitFor(t, w, "Events/a.md")
	if ev.Op != OpRemove {
		t.Errorf("expected remove, got %v", ev.Op)
	}
}

func TestWatcher_NewFolderAnnouncesFiles(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	moved := filepath.Join(outside, "Trip")
	if err := os.MkdirAll(moved, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(moved, "flight.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(root, 20, Filter{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	if err := os.Rename(moved, filepath.Join(root, "Trip")); err != nil {
		t.Skipf("cannot move across temp dirs: %v", err)
	}
	waitFor(t, w, "Trip/flight.md")
}
