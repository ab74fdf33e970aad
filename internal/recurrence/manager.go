// Package recurrence expands recurrence templates into an occurrence timeline
// of physical and virtual instances.
package recurrence

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/store"
)

// ErrNotTemplate is returned when a path does not hold a recurrence template
var ErrNotTemplate = errors.New("document is not a recurrence template")

// Source is the read side of the event store used by the manager
type Source interface {
	Get(path string) (parser.ParsedEvent, bool)
	Templates() []parser.ParsedEvent
	InstancesOf(groupID string) []parser.ParsedEvent
	NonSkippedEvents(r parser.Range) []parser.ParsedEvent
}

// Notifier is implemented by stores that publish change sets
type Notifier interface {
	Subscribe(fn func(store.ChangeSet)) func()
}

// Series is the reconciled occurrence list of one recurrence group
type Series struct {
	Template parser.ParsedEvent
	// Occurrences are the future slots in date order; each is either the
	// physical instance at that date or a virtual one
	Occurrences []parser.ParsedEvent
}

// DeletionPlan lists what deleting a template would affect. Physical
// instances are only removed when the caller confirms a cascade.
type DeletionPlan struct {
	Template          parser.ParsedEvent
	PhysicalInstances []parser.ParsedEvent
}

// Manager recomputes the occurrence timeline from the store. It keeps no
// persisted state and may be rebuilt at any time.
type Manager struct {
	source  Source
	clock   Clock
	horizon int

	mu     sync.RWMutex
	series map[string]Series

	subMu  sync.Mutex
	subs   map[int]func()
	nextID int
}

// NewManager creates a manager with a global future-instance horizon
func NewManager(source Source, horizon int, clock Clock) *Manager {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Manager{
		source:  source,
		clock:   clock,
		horizon: ClampHorizon(horizon),
		series:  make(map[string]Series),
		subs:    make(map[int]func()),
	}
}

// Attach rebuilds the timeline whenever the store changes. The returned
// function detaches.
func (m *Manager) Attach(n Notifier) func() {
	m.Rebuild(m.clock.Now())
	return n.Subscribe(func(store.ChangeSet) {
		m.Rebuild(m.clock.Now())
	})
}

// Rebuild recomputes all series relative to now. Subscribers are notified
// only when the resulting timeline differs from the previous one.
func (m *Manager) Rebuild(now time.Time) bool {
	next := make(map[string]Series)

	templates := m.source.Templates()
	sort.Slice(templates, func(i, j int) bool { return templates[i].Path < templates[j].Path })

	for _, tmpl := range templates {
		group := tmpl.Recurrence.GroupID
		if existing, dup := next[group]; dup {
			slog.Warn("duplicate recurrence group id",
				"group", group,
				"path", tmpl.Path,
				"kept", existing.Template.Path)
			continue
		}

		series, err := m.expand(tmpl, now)
		if err != nil {
			slog.Warn("failed to expand recurrence", "path", tmpl.Path, "error", err)
			continue
		}
		next[group] = series
	}

	m.mu.Lock()
	changed := !sameTimeline(m.series, next)
	m.series = next
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return changed
}

func (m *Manager) expand(tmpl parser.ParsedEvent, now time.Time) (Series, error) {
	series := Series{Template: tmpl}
	def := *tmpl.Recurrence

	anchor, ok := tmpl.Date()
	if !ok {
		return series, fmt.Errorf("template %s has no date", tmpl.Path)
	}

	physical := make(map[time.Time]parser.ParsedEvent)
	for _, inst := range m.source.InstancesOf(def.GroupID) {
		physical[parser.DateOf(inst.Instance.Date)] = inst
	}

	horizon := m.horizon
	if def.FutureInstances > 0 {
		horizon = ClampHorizon(def.FutureInstances)
	}

	dates, err := FutureDates(def, anchor, now, horizon)
	if err != nil {
		return series, err
	}

	for _, d := range dates {
		if inst, ok := physical[d]; ok {
			series.Occurrences = append(series.Occurrences, inst)
			continue
		}
		if def.Disabled {
			continue
		}
		series.Occurrences = append(series.Occurrences, Virtual(tmpl, d))
	}
	return series, nil
}

// Virtual synthesizes the read-only instance of tmpl on date
func Virtual(tmpl parser.ParsedEvent, date time.Time) parser.ParsedEvent {
	date = parser.DateOf(date)

	var timing parser.Timing
	if start, timed := SlotStart(tmpl, date); timed {
		t := tmpl.Timing.(parser.Timed)
		timing = parser.Timed{Start: start, End: start.Add(t.End.Sub(t.Start))}
	} else {
		timing = parser.AllDay{Start: start}
	}

	return parser.ParsedEvent{
		ID:       parser.EventID(tmpl.Path + "#" + parser.FormatDate(date)),
		Path:     tmpl.Path,
		Title:    tmpl.Title,
		Timing:   timing,
		Virtual:  true,
		Metadata: tmpl.Metadata.Clone(),
		Instance: &parser.InstanceRef{GroupID: tmpl.Recurrence.GroupID, Date: date},
		Source:   tmpl.Source,
	}
}

// SlotStart returns where the occurrence of tmpl on date starts. Timed
// series keep the template's time of day; other series occupy the whole
// date and report timed as false.
func SlotStart(tmpl parser.ParsedEvent, date time.Time) (start time.Time, timed bool) {
	date = parser.DateOf(date)
	t, ok := tmpl.Timing.(parser.Timed)
	if !ok {
		return date, false
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		t.Start.Hour(), t.Start.Minute(), t.Start.Second(), 0, time.Local), true
}

// Series returns the reconciled series of a group
func (m *Manager) Series(groupID string) (Series, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.series[groupID]
	return s, ok
}

// Virtuals returns every virtual instance across all groups
func (m *Manager) Virtuals() []parser.ParsedEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []parser.ParsedEvent
	for _, s := range m.series {
		for _, occ := range s.Occurrences {
			if occ.Virtual {
				out = append(out, occ)
			}
		}
	}
	store.SortByStart(out)
	return out
}

// FindVirtual returns the virtual instance of a group on date
func (m *Manager) FindVirtual(groupID string, date time.Time) (parser.ParsedEvent, bool) {
	date = parser.DateOf(date)
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, occ := range m.series[groupID].Occurrences {
		if occ.Virtual && occ.Instance.Date.Equal(date) {
			return occ, true
		}
	}
	return parser.ParsedEvent{}, false
}

// Timeline returns stored events overlapping r merged with the virtual
// instances that fall inside it. Physical instances already suppress their
// virtual counterpart, so each (group, date) appears once.
func (m *Manager) Timeline(r parser.Range) []parser.ParsedEvent {
	out := m.source.NonSkippedEvents(r)
	for _, v := range m.Virtuals() {
		if v.Overlaps(r) {
			out = append(out, v)
		}
	}
	store.SortByStart(out)
	return out
}

// PlanTemplateDeletion describes the effect of deleting the template at path
func (m *Manager) PlanTemplateDeletion(path string) (DeletionPlan, error) {
	tmpl, ok := m.source.Get(path)
	if !ok || !tmpl.IsTemplate() {
		return DeletionPlan{}, fmt.Errorf("%s: %w", path, ErrNotTemplate)
	}
	return DeletionPlan{
		Template:          tmpl,
		PhysicalInstances: m.source.InstancesOf(tmpl.Recurrence.GroupID),
	}, nil
}

// Subscribe registers fn to run after the timeline changes
func (m *Manager) Subscribe(fn func()) func() {
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify() {
	m.subMu.Lock()
	fns := make([]func(), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func sameTimeline(a, b map[string]Series) bool {
	if len(a) != len(b) {
		return false
	}
	for group, sa := range a {
		sb, ok := b[group]
		if !ok || !sa.Template.Equal(sb.Template) || len(sa.Occurrences) != len(sb.Occurrences) {
			return false
		}
		for i := range sa.Occurrences {
			if !sa.Occurrences[i].Equal(sb.Occurrences[i]) {
				return false
			}
		}
	}
	return true
}
