package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the vault for document changes. Folders are watched
// recursively; file events pass through the Filter and the accept function
// before being debounced.
type Watcher struct {
	root      string
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	filter    Filter
	accept    func(relPath string) bool
	stopOnce  sync.Once
	stopCh    chan struct{}
}

// NewWatcher creates a watcher for root. accept may be nil to take every file
// the filter allows.
func NewWatcher(root string, debounceMs int, filter Filter, accept func(string) bool) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if accept == nil {
		accept = func(string) bool { return true }
	}

	return &Watcher{
		root:      root,
		fs:        fsWatcher,
		debouncer: NewDebouncer(debounceMs),
		filter:    filter,
		accept:    accept,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start registers all folders and begins processing events
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root, false); err != nil {
		return err
	}

	go w.processEvents(ctx)

	slog.Info("watcher started",
		"path", w.root,
		"ignore_patterns", len(w.filter.Ignore))

	return nil
}

// Events returns the channel of debounced events
func (w *Watcher) Events() <-chan Event {
	return w.debouncer.Events()
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.debouncer.Stop()
		err = w.fs.Close()
	})
	return err
}

// Flush emits all pending debounced events immediately
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}

// addRecursive watches dir and its subfolders. With announce set, files found
// inside are reported as created; this covers folders moved into the vault.
func (w *Watcher) addRecursive(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking path", "path", path, "error", err)
			return nil
		}

		rel, ok := w.rel(path)
		if !ok {
			return nil
		}
		if rel != "." && w.filter.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := w.fs.Add(path); err != nil {
				slog.Warn("failed to watch directory", "path", path, "error", err)
			}
			return nil
		}

		if announce && w.wants(rel) {
			w.debouncer.Add(rel, OpCreate)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			rel, ok := w.rel(event.Name)
			if !ok || w.filter.Ignored(rel) {
				continue
			}
			w.handleEvent(event, rel)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, rel string) {
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			if err := w.addRecursive(event.Name, true); err != nil {
				slog.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
			return
		}
		if w.wants(rel) {
			w.debouncer.Add(rel, OpCreate)
		}

	case event.Has(fsnotify.Write):
		if !isDir && w.wants(rel) {
			w.debouncer.Add(rel, OpWrite)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// The old name is gone. It may have been a folder, so the path is
		// reported even when it does not look like a document; the new name
		// arrives as a separate create.
		w.debouncer.Add(rel, OpRemove)
	}
}

func (w *Watcher) wants(rel string) bool {
	return w.filter.Included(rel) && w.accept(rel)
}

func (w *Watcher) rel(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
