// Package store holds the in-memory event set fed by the indexer and answers
// range queries over it.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vonshlovens/vaultcal/internal/indexer"
	"github.com/vonshlovens/vaultcal/internal/parser"
)

// ChangeSet lists what changed since the previous notification
type ChangeSet struct {
	Upserted []parser.ParsedEvent
	Removed  []string
}

// Empty reports whether the change set carries no changes
func (c ChangeSet) Empty() bool {
	return len(c.Upserted) == 0 && len(c.Removed) == 0
}

// Store is the set of parsed events keyed by document path. It is mutated
// only through Apply; everything else reads.
type Store struct {
	mu     sync.RWMutex
	events map[string]parser.ParsedEvent

	subMu  sync.Mutex
	subs   map[int]func(ChangeSet)
	nextID int

	// notification coalescing
	window    time.Duration
	pendingMu sync.Mutex
	pending   map[string]*parser.ParsedEvent
	timer     *time.Timer
	deliverMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an empty store. Notifications are coalesced over window; a
// zero window delivers synchronously from Apply.
func New(window time.Duration) *Store {
	return &Store{
		events:  make(map[string]parser.ParsedEvent),
		subs:    make(map[int]func(ChangeSet)),
		window:  window,
		pending: make(map[string]*parser.ParsedEvent),
		ready:   make(chan struct{}),
	}
}

// Apply ingests one indexer event. It returns true when the stored state
// changed; re-ingesting an identical document changes nothing and notifies
// nobody.
func (s *Store) Apply(ev indexer.Event) bool {
	s.mu.Lock()
	prev, exists := s.events[ev.Path]

	switch ev.Kind {
	case indexer.Indexed:
		s.mu.Unlock()
		s.Flush()
		s.readyOnce.Do(func() { close(s.ready) })
		return false

	case indexer.Deleted:
		if !exists {
			s.mu.Unlock()
			return false
		}
		delete(s.events, ev.Path)
		s.mu.Unlock()
		s.queue(ev.Path, nil)

	default:
		if exists && prev.Equal(ev.Parsed) {
			s.mu.Unlock()
			return false
		}
		s.events[ev.Path] = ev.Parsed
		s.mu.Unlock()
		parsed := ev.Parsed
		s.queue(ev.Path, &parsed)
	}
	return true
}

// Run applies events until the channel closes or ctx ends
func (s *Store) Run(ctx context.Context, events <-chan indexer.Event) error {
	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				s.Flush()
				return nil
			}
			s.Apply(ev)
		}
	}
}

// Ready is closed once the indexer's initial scan has been applied and
// delivered to subscribers
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// WaitReady blocks until Ready is closed or ctx ends
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of stored documents
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Get returns the event for a document path
func (s *Store) Get(path string) (parser.ParsedEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[path]
	return ev, ok
}

// AllEvents returns every stored event ordered by path
func (s *Store) AllEvents() []parser.ParsedEvent {
	s.mu.RLock()
	out := make([]parser.ParsedEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// NonSkippedEvents returns dated events overlapping r that are not skipped
func (s *Store) NonSkippedEvents(r parser.Range) []parser.ParsedEvent {
	return s.query(func(ev parser.ParsedEvent) bool {
		return !ev.Skipped && ev.Overlaps(r)
	})
}

// SkippedEvents returns dated events overlapping r that are marked skipped
func (s *Store) SkippedEvents(r parser.Range) []parser.ParsedEvent {
	return s.query(func(ev parser.ParsedEvent) bool {
		return ev.Skipped && ev.Overlaps(r)
	})
}

// Templates returns every recurrence template
func (s *Store) Templates() []parser.ParsedEvent {
	return s.query(func(ev parser.ParsedEvent) bool {
		return ev.IsTemplate()
	})
}

// InstancesOf returns the physical instances of a recurrence group
func (s *Store) InstancesOf(groupID string) []parser.ParsedEvent {
	return s.query(func(ev parser.ParsedEvent) bool {
		return ev.Instance != nil && ev.Instance.GroupID == groupID
	})
}

// FindBySyncUID returns the document linked to a remote calendar object
func (s *Store) FindBySyncUID(accountID, calendar, uid string) (parser.ParsedEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.Sync == nil {
			continue
		}
		if ev.Sync.AccountID == accountID && ev.Sync.Calendar == calendar && ev.Sync.UID == uid {
			return ev, true
		}
	}
	return parser.ParsedEvent{}, false
}

func (s *Store) query(match func(parser.ParsedEvent) bool) []parser.ParsedEvent {
	s.mu.RLock()
	var out []parser.ParsedEvent
	for _, ev := range s.events {
		if match(ev) {
			out = append(out, ev)
		}
	}
	s.mu.RUnlock()

	SortByStart(out)
	return out
}

// SortByStart orders events by start time, then path. Undated events sort last.
func SortByStart(events []parser.ParsedEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		si, _, oki := events[i].Span()
		sj, _, okj := events[j].Span()
		switch {
		case oki != okj:
			return oki
		case oki && !si.Equal(sj):
			return si.Before(sj)
		default:
			return events[i].Path < events[j].Path
		}
	})
}

// Subscribe registers fn for change notifications. The returned function
// removes the subscription.
func (s *Store) Subscribe(fn func(ChangeSet)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// queue records a change for the next notification. A nil event means the
// path was removed.
func (s *Store) queue(path string, ev *parser.ParsedEvent) {
	s.pendingMu.Lock()
	s.pending[path] = ev
	if s.window <= 0 {
		s.pendingMu.Unlock()
		s.Flush()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.window, s.Flush)
	}
	s.pendingMu.Unlock()
}

// Flush delivers pending changes immediately. Concurrent flushes deliver in
// the order they took their pending set.
func (s *Store) Flush() {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.pendingMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len(s.pending) == 0 {
		s.pendingMu.Unlock()
		return
	}
	pending := s.pending
	s.pending = make(map[string]*parser.ParsedEvent)
	s.pendingMu.Unlock()

	var cs ChangeSet
	for path, ev := range pending {
		if ev == nil {
			cs.Removed = append(cs.Removed, path)
		} else {
			cs.Upserted = append(cs.Upserted, *ev)
		}
	}
	sort.Strings(cs.Removed)
	sort.Slice(cs.Upserted, func(i, j int) bool { return cs.Upserted[i].Path < cs.Upserted[j].Path })

	s.deliver(cs)
}

// deliver runs with deliverMu held
func (s *Store) deliver(cs ChangeSet) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(ChangeSet), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(cs)
	}
}
