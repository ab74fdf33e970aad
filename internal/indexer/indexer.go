// Package indexer scans the vault, keeps an mtime cache of parsed documents
// and turns file changes into a stream of indexer events.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/watcher"
)

// DefaultConcurrency bounds parallel document reads
const DefaultConcurrency = 10

// EventKind distinguishes indexer events
type EventKind int

const (
	Changed EventKind = iota
	Deleted
	// Indexed follows the last document event of a scan. It carries no path.
	Indexed
)

func (k EventKind) String() string {
	switch k {
	case Deleted:
		return "deleted"
	case Indexed:
		return "indexed"
	}
	return "changed"
}

// Event reports the new state of one document
type Event struct {
	Kind   EventKind
	Path   string
	Parsed parser.ParsedEvent
}

// FileChanged builds a Changed event
func FileChanged(path string, parsed parser.ParsedEvent) Event {
	return Event{Kind: Changed, Path: path, Parsed: parsed}
}

// FileDeleted builds a Deleted event
func FileDeleted(path string) Event {
	return Event{Kind: Deleted, Path: path}
}

// Stats summarizes one scan
type Stats struct {
	Total     int
	Parsed    int
	Unchanged int
	Failed    int
	Removed   int
	Duration  time.Duration
}

// Indexer owns the document cache. Events are delivered on Events(), which
// the caller must drain (usually through store.Run).
type Indexer struct {
	root        string
	parser      *parser.Parser
	filter      watcher.Filter
	concurrency int
	debounceMs  int

	events chan Event

	mu    sync.Mutex
	mtime map[string]time.Time

	generation atomic.Uint64

	indexed     chan struct{}
	indexedOnce sync.Once

	progress func(done, total int)
	watcher  *watcher.Watcher
}

// New creates an indexer for the configured vault
func New(cfg *config.Config, p *parser.Parser) *Indexer {
	concurrency := cfg.Indexer.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Indexer{
		root:        cfg.VaultPath,
		parser:      p,
		filter:      watcher.Filter{Ignore: cfg.IgnorePatterns, Include: cfg.IncludePatterns},
		concurrency: concurrency,
		debounceMs:  cfg.Indexer.DebounceMs,
		events:      make(chan Event, 256),
		mtime:       make(map[string]time.Time),
		indexed:     make(chan struct{}),
	}
}

// Events returns the indexer event stream
func (ix *Indexer) Events() <-chan Event {
	return ix.events
}

// SetProgress registers a callback invoked as documents are processed
func (ix *Indexer) SetProgress(fn func(done, total int)) {
	ix.progress = fn
}

// IndexingComplete is closed after the first full scan finishes
func (ix *Indexer) IndexingComplete() <-chan struct{} {
	return ix.indexed
}

// WaitIndexed blocks until the first scan is done or ctx ends
func (ix *Indexer) WaitIndexed(ctx context.Context) error {
	select {
	case <-ix.indexed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scan runs the initial scan and signals indexing completion: an Indexed
// event on the stream after the scan's document events, then
// IndexingComplete. It does not start watching.
func (ix *Indexer) Scan(ctx context.Context) (Stats, error) {
	stats, err := ix.scan(ctx, false, ix.generation.Load())
	if err != nil {
		return stats, err
	}
	if err := ix.emit(ctx, Event{Kind: Indexed}); err != nil {
		return stats, err
	}
	ix.indexedOnce.Do(func() { close(ix.indexed) })
	slog.Info("indexing complete",
		"documents", stats.Total,
		"parsed", stats.Parsed,
		"failed", stats.Failed,
		"duration", stats.Duration)
	return stats, nil
}

// Start scans the vault and then keeps the index current from file system
// events until ctx is cancelled.
func (ix *Indexer) Start(ctx context.Context) error {
	if _, err := ix.Scan(ctx); err != nil {
		return err
	}

	w, err := watcher.NewWatcher(ix.root, ix.debounceMs, ix.filter, parser.IsEventDocument)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		w.Stop()
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	ix.watcher = w

	go ix.watch(ctx, w)
	return nil
}

// Stop stops watching
func (ix *Indexer) Stop() {
	if ix.watcher != nil {
		ix.watcher.Stop()
	}
}

// Resync rebuilds the index from scratch, ignoring cached mtimes. Results of
// a scan superseded by a newer Resync are dropped.
func (ix *Indexer) Resync(ctx context.Context) (Stats, error) {
	gen := ix.generation.Add(1)
	return ix.scan(ctx, true, gen)
}

// Known reports whether path is currently indexed
func (ix *Indexer) Known(path string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.mtime[path]
	return ok
}

func (ix *Indexer) scan(ctx context.Context, full bool, gen uint64) (Stats, error) {
	start := time.Now()
	var stats Stats

	files, err := ix.listDocuments()
	if err != nil {
		return stats, fmt.Errorf("failed to scan vault: %w", err)
	}
	stats.Total = len(files)

	var (
		parsed, unchanged, failed atomic.Int64
		done                      atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)

	for rel, mtime := range files {
		rel, mtime := rel, mtime
		g.Go(func() error {
			defer func() {
				n := done.Add(1)
				if ix.progress != nil {
					ix.progress(int(n), len(files))
				}
			}()

			if !full && ix.cached(rel, mtime) {
				unchanged.Add(1)
				return nil
			}
			ok, err := ix.index(gctx, rel, mtime, gen)
			if err != nil {
				return err
			}
			if ok {
				parsed.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	// documents that disappeared since the last scan
	ix.mu.Lock()
	var gone []string
	for rel := range ix.mtime {
		if _, ok := files[rel]; !ok {
			gone = append(gone, rel)
		}
	}
	ix.mu.Unlock()

	for _, rel := range gone {
		if ix.stale(gen) {
			break
		}
		if err := ix.remove(ctx, rel); err != nil {
			return stats, err
		}
		stats.Removed++
	}

	stats.Parsed = int(parsed.Load())
	stats.Unchanged = int(unchanged.Load())
	stats.Failed = int(failed.Load())
	stats.Duration = time.Since(start)
	return stats, nil
}

// listDocuments walks the vault and returns every eligible document with
// its modification time
func (ix *Indexer) listDocuments() (map[string]time.Time, error) {
	files := make(map[string]time.Time)
	err := filepath.WalkDir(ix.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("error walking path", "path", path, "error", err)
			return nil
		}

		rel, err := filepath.Rel(ix.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}

		if d.IsDir() {
			if ix.filter.Ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !parser.IsEventDocument(rel) || !ix.filter.Allows(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[rel] = info.ModTime()
		return nil
	})
	return files, err
}

// index parses one document and emits the result. A document that cannot be
// read or parsed is treated as absent.
func (ix *Indexer) index(ctx context.Context, rel string, mtime time.Time, gen uint64) (bool, error) {
	doc, err := ix.parser.ParseFile(ix.root, rel)
	if ix.stale(gen) {
		return true, nil
	}
	if err != nil {
		slog.Warn("failed to parse document", "path", rel, "error", err)
		if errors.Is(err, fs.ErrNotExist) || ix.Known(rel) {
			return false, ix.remove(ctx, rel)
		}
		return false, nil
	}

	ix.mu.Lock()
	ix.mtime[rel] = mtime
	ix.mu.Unlock()

	return true, ix.emit(ctx, FileChanged(rel, doc.Event))
}

func (ix *Indexer) remove(ctx context.Context, rel string) error {
	ix.mu.Lock()
	_, known := ix.mtime[rel]
	delete(ix.mtime, rel)
	ix.mu.Unlock()

	if !known {
		return nil
	}
	return ix.emit(ctx, FileDeleted(rel))
}

func (ix *Indexer) emit(ctx context.Context, ev Event) error {
	select {
	case ix.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Indexer) cached(rel string, mtime time.Time) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	prev, ok := ix.mtime[rel]
	return ok && prev.Equal(mtime)
}

func (ix *Indexer) stale(gen uint64) bool {
	return ix.generation.Load() != gen
}

func (ix *Indexer) watch(ctx context.Context, w *watcher.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.Events():
			if err := ix.handle(ctx, ev); err != nil && ctx.Err() == nil {
				slog.Error("failed to handle file event", "path", ev.Path, "error", err)
			}
		}
	}
}

// handle reindexes a single path after a debounced file event
func (ix *Indexer) handle(ctx context.Context, ev watcher.Event) error {
	slog.Debug("file event", "path", ev.Path, "op", ev.Op)

	abs := filepath.Join(ix.root, filepath.FromSlash(ev.Path))
	info, err := os.Stat(abs)
	if err != nil {
		// removed file or removed folder: drop everything under it
		return ix.removeTree(ctx, ev.Path)
	}
	if info.IsDir() {
		return nil
	}

	if !parser.IsEventDocument(ev.Path) || !ix.filter.Allows(ev.Path) {
		return nil
	}
	if ix.cached(ev.Path, info.ModTime()) {
		return nil
	}
	_, err = ix.index(ctx, ev.Path, info.ModTime(), ix.generation.Load())
	return err
}

func (ix *Indexer) removeTree(ctx context.Context, rel string) error {
	prefix := strings.TrimSuffix(rel, "/") + "/"

	ix.mu.Lock()
	var paths []string
	for p := range ix.mtime {
		if p == rel || strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	ix.mu.Unlock()

	for _, p := range paths {
		if err := ix.remove(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
