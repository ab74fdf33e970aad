package db

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/store"
)

// Writer is the part of DB the mirror writes through
type Writer interface {
	UpsertEvents(ctx context.Context, rows []*EventRow) error
	DeleteEvents(ctx context.Context, paths []string) error
	GetAllEventPaths(ctx context.Context) ([]string, error)
}

// Mirror replays store change sets into Postgres. Change sets are queued;
// store notification only waits once the queue is full, and never after Run
// has returned.
type Mirror struct {
	writer Writer
	queue  chan store.ChangeSet

	done     chan struct{}
	doneOnce sync.Once
}

// NewMirror creates a mirror writing through w
func NewMirror(w Writer) *Mirror {
	return &Mirror{
		writer: w,
		queue:  make(chan store.ChangeSet, 64),
		done:   make(chan struct{}),
	}
}

// Attach subscribes the mirror to a store
func (m *Mirror) Attach(s *store.Store) func() {
	return s.Subscribe(func(cs store.ChangeSet) {
		select {
		case m.queue <- cs:
		case <-m.done:
			slog.Debug("mirror stopped, dropping changes",
				"upserted", len(cs.Upserted), "removed", len(cs.Removed))
		}
	})
}

// Run writes queued change sets until ctx is done
func (m *Mirror) Run(ctx context.Context) error {
	defer m.doneOnce.Do(func() { close(m.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cs := <-m.queue:
			if err := m.Apply(ctx, cs); err != nil {
				slog.Error("failed to mirror changes", "error", err,
					"upserted", len(cs.Upserted), "removed", len(cs.Removed))
			}
		}
	}
}

// Apply writes one change set
func (m *Mirror) Apply(ctx context.Context, cs store.ChangeSet) error {
	rows := make([]*EventRow, 0, len(cs.Upserted))
	for _, ev := range cs.Upserted {
		row, err := NewEventRow(ev)
		if err != nil {
			slog.Warn("skipping event", "path", ev.Path, "error", err)
			continue
		}
		rows = append(rows, row)
	}

	if err := m.writer.UpsertEvents(ctx, rows); err != nil {
		return err
	}
	if err := m.writer.DeleteEvents(ctx, cs.Removed); err != nil {
		return err
	}
	slog.Debug("mirrored changes", "upserted", len(rows), "removed", len(cs.Removed))
	return nil
}

// Resync replaces the mirrored rows with events, removing rows of
// documents that no longer exist
func (m *Mirror) Resync(ctx context.Context, events []parser.ParsedEvent) error {
	known := make(map[string]bool, len(events))
	for _, ev := range events {
		known[ev.Path] = true
	}

	paths, err := m.writer.GetAllEventPaths(ctx)
	if err != nil {
		return err
	}
	var stale []string
	for _, p := range paths {
		if !known[p] {
			stale = append(stale, p)
		}
	}

	if err := m.Apply(ctx, store.ChangeSet{Upserted: events, Removed: stale}); err != nil {
		return err
	}
	slog.Info("mirror resynced", "events", len(events), "removed", len(stale))
	return nil
}
