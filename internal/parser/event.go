package parser

import (
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/vaultcal/internal/config"
)

// Kind identifies which Timing variant an event carries
type Kind int

const (
	KindUntracked Kind = iota
	KindTimed
	KindAllDay
)

func (k Kind) String() string {
	switch k {
	case KindTimed:
		return "timed"
	case KindAllDay:
		return "all-day"
	case KindUntracked:
		return "untracked"
	default:
		return "unknown"
	}
}

// Timing is the temporal part of an event. It is implemented only by Timed,
// AllDay and Untracked.
type Timing interface {
	Kind() Kind
	sealed()
}

// Timed is an event with a start and end time
type Timed struct {
	Start time.Time
	End   time.Time
}

// AllDay is an event covering a whole calendar day
type AllDay struct {
	Start time.Time
}

// Untracked is a document without temporal fields
type Untracked struct{}

func (Timed) Kind() Kind     { return KindTimed }
func (AllDay) Kind() Kind    { return KindAllDay }
func (Untracked) Kind() Kind { return KindUntracked }

func (Timed) sealed()     {}
func (AllDay) sealed()    {}
func (Untracked) sealed() {}

// RecurrenceType is the step function of a recurrence template
type RecurrenceType string

const (
	Daily     RecurrenceType = "daily"
	Weekly    RecurrenceType = "weekly"
	BiWeekly  RecurrenceType = "bi-weekly"
	Monthly   RecurrenceType = "monthly"
	BiMonthly RecurrenceType = "bi-monthly"
	Yearly    RecurrenceType = "yearly"
)

// ParseRecurrenceType accepts the canonical names and a few spellings
func ParseRecurrenceType(s string) (RecurrenceType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily":
		return Daily, true
	case "weekly":
		return Weekly, true
	case "bi-weekly", "biweekly", "bi_weekly":
		return BiWeekly, true
	case "monthly":
		return Monthly, true
	case "bi-monthly", "bimonthly", "bi_monthly":
		return BiMonthly, true
	case "yearly", "annually":
		return Yearly, true
	}
	return "", false
}

// UsesWeekdays reports whether the weekday set is meaningful for t
func (t RecurrenceType) UsesWeekdays() bool {
	return t == Weekly || t == BiWeekly
}

// RecurrenceDefinition describes a recurrence template
type RecurrenceDefinition struct {
	Type     RecurrenceType
	Weekdays []time.Weekday
	GroupID  string
	// FutureInstances overrides the global horizon when > 0
	FutureInstances int
	Disabled        bool
}

// InstanceRef identifies a physical instance of a recurrence group
type InstanceRef struct {
	GroupID string
	Date    time.Time
}

// SyncMetadata links a document to a remote calendar object
type SyncMetadata struct {
	AccountID  string
	Calendar   string
	ObjectHref string
	UID        string
	ETag       string
	LastSynced time.Time
	// Detached marks a document whose remote object was deleted while the
	// document was kept. It is never uploaded again under this link.
	Detached bool
}

// Keys of the calendar sync block inside the configured sync field
const (
	SyncKeyAccount    = "accountId"
	SyncKeyCalendar   = "calendarHref"
	SyncKeyObjectHref = "objectHref"
	SyncKeyUID        = "uid"
	SyncKeyETag       = "etag"
	SyncKeyLastSynced = "lastSyncedAt"
	SyncKeyDetached   = "detached"
)

// ToMap renders the sync block as written into frontmatter
func (s SyncMetadata) ToMap() map[string]any {
	m := map[string]any{
		SyncKeyAccount:    s.AccountID,
		SyncKeyCalendar:   s.Calendar,
		SyncKeyObjectHref: s.ObjectHref,
		SyncKeyUID:        s.UID,
		SyncKeyETag:       s.ETag,
	}
	if !s.LastSynced.IsZero() {
		m[SyncKeyLastSynced] = s.LastSynced.UTC().Format(time.RFC3339)
	}
	if s.Detached {
		m[SyncKeyDetached] = true
	}
	return m
}

// ParsedEvent is the typed view of one document. Exactly one is produced per
// document.
type ParsedEvent struct {
	ID         string
	Path       string
	Title      string
	Timing     Timing
	Virtual    bool
	Skipped    bool
	Metadata   Metadata
	Recurrence *RecurrenceDefinition
	Instance   *InstanceRef
	Sync       *SyncMetadata
	Source     string
}

// Range is a half-open time interval [Start, End). A zero bound is unbounded.
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside r
func (r Range) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !t.Before(r.End) {
		return false
	}
	return true
}

// Kind returns the variant of e's timing
func (e ParsedEvent) Kind() Kind {
	if e.Timing == nil {
		return KindUntracked
	}
	return e.Timing.Kind()
}

// Span returns the occupied interval of e. ok is false for untracked events.
func (e ParsedEvent) Span() (start, end time.Time, ok bool) {
	switch t := e.Timing.(type) {
	case Timed:
		return t.Start, t.End, true
	case AllDay:
		return t.Start, t.Start.AddDate(0, 0, 1), true
	case Untracked, nil:
		return time.Time{}, time.Time{}, false
	}
	return time.Time{}, time.Time{}, false
}

// Date returns the calendar day the event starts on
func (e ParsedEvent) Date() (time.Time, bool) {
	start, _, ok := e.Span()
	if !ok {
		return time.Time{}, false
	}
	return DateOf(start), true
}

// Overlaps reports whether e intersects r. Untracked events never overlap.
func (e ParsedEvent) Overlaps(r Range) bool {
	start, end, ok := e.Span()
	if !ok {
		return false
	}
	if !r.End.IsZero() && !start.Before(r.End) {
		return false
	}
	if !r.Start.IsZero() && !end.After(r.Start) {
		return false
	}
	return true
}

// IsTemplate reports whether e is a recurrence template
func (e ParsedEvent) IsTemplate() bool {
	return e.Recurrence != nil
}

// Equal compares two events structurally
func (e ParsedEvent) Equal(o ParsedEvent) bool {
	if e.ID != o.ID || e.Path != o.Path || e.Title != o.Title ||
		e.Virtual != o.Virtual || e.Skipped != o.Skipped || e.Source != o.Source {
		return false
	}
	if !timingEqual(e.Timing, o.Timing) {
		return false
	}
	return reflect.DeepEqual(e.Recurrence, o.Recurrence) &&
		instanceEqual(e.Instance, o.Instance) &&
		syncEqual(e.Sync, o.Sync) &&
		reflect.DeepEqual(e.Metadata, o.Metadata)
}

func timingEqual(a, b Timing) bool {
	switch ta := a.(type) {
	case Timed:
		tb, ok := b.(Timed)
		return ok && ta.Start.Equal(tb.Start) && ta.End.Equal(tb.End)
	case AllDay:
		tb, ok := b.(AllDay)
		return ok && ta.Start.Equal(tb.Start)
	case Untracked, nil:
		return b == nil || b.Kind() == KindUntracked
	}
	return false
}

func instanceEqual(a, b *InstanceRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.GroupID == b.GroupID && a.Date.Equal(b.Date)
}

func syncEqual(a, b *SyncMetadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.AccountID == b.AccountID && a.Calendar == b.Calendar &&
		a.ObjectHref == b.ObjectHref && a.UID == b.UID && a.ETag == b.ETag &&
		a.LastSynced.Equal(b.LastSynced) && a.Detached == b.Detached
}

// EventID derives the stable id of the document at path
func EventID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("vaultcal:"+filepath.ToSlash(path))).String()
}

// Parse classifies a document into a ParsedEvent. It never fails: documents
// without temporal fields are Untracked.
func Parse(path string, meta Metadata, fields config.FieldsConfig) ParsedEvent {
	if meta == nil {
		meta = Metadata{}
	}

	ev := ParsedEvent{
		ID:       EventID(path),
		Path:     path,
		Title:    stringValue(meta[fields.Title]),
		Timing:   classify(meta, fields),
		Skipped:  parseBool(meta[fields.Skip]),
		Metadata: meta,
		Source:   stringValue(meta[fields.Source]),
	}

	if ev.Title == "" {
		filename := filepath.Base(path)
		ev.Title = strings.TrimSuffix(filename, filepath.Ext(filename))
	}

	ev.Recurrence = parseRecurrence(path, meta, fields)
	if ev.Recurrence == nil {
		ev.Instance = parseInstance(meta, fields)
	}
	ev.Sync = parseSync(meta[fields.CalendarSync])

	return ev
}

func classify(meta Metadata, fields config.FieldsConfig) Timing {
	start, startDateOnly, hasStart := ParseDateTime(meta[fields.Start])
	date, hasDate := ParseDate(meta[fields.Date])

	if parseBool(meta[fields.AllDay]) {
		switch {
		case hasDate:
			return AllDay{Start: date}
		case hasStart:
			return AllDay{Start: DateOf(start)}
		}
	}

	if hasStart && !startDateOnly {
		end, _, hasEnd := ParseDateTime(meta[fields.End])
		if !hasEnd || end.Before(start) {
			end = start.Add(time.Hour)
		}
		return Timed{Start: start, End: end}
	}

	if hasDate {
		return AllDay{Start: date}
	}
	if hasStart {
		return AllDay{Start: start}
	}
	return Untracked{}
}

func parseRecurrence(path string, meta Metadata, fields config.FieldsConfig) *RecurrenceDefinition {
	rtype, ok := ParseRecurrenceType(stringValue(meta[fields.RecurrenceType]))
	if !ok {
		return nil
	}

	def := &RecurrenceDefinition{
		Type:     rtype,
		GroupID:  stringValue(meta[fields.RecurrenceGroupID]),
		Disabled: parseBool(meta[fields.RecurrenceOff]),
	}
	if def.GroupID == "" {
		def.GroupID = EventID(path)
	}
	if n, ok := parseInt(meta[fields.FutureInstances]); ok && n > 0 {
		def.FutureInstances = n
	}
	if rtype.UsesWeekdays() {
		def.Weekdays = ParseWeekdays(meta[fields.RecurrenceSpec])
	}
	return def
}

func parseInstance(meta Metadata, fields config.FieldsConfig) *InstanceRef {
	group := stringValue(meta[fields.RecurrenceGroupID])
	if group == "" {
		return nil
	}
	date, ok := ParseDate(meta[fields.InstanceDate])
	if !ok {
		return nil
	}
	return &InstanceRef{GroupID: group, Date: date}
}

func parseSync(v any) *SyncMetadata {
	block, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	s := &SyncMetadata{
		AccountID:  stringValue(block[SyncKeyAccount]),
		Calendar:   stringValue(block[SyncKeyCalendar]),
		ObjectHref: stringValue(block[SyncKeyObjectHref]),
		UID:        stringValue(block[SyncKeyUID]),
		ETag:       stringValue(block[SyncKeyETag]),
		Detached:   parseBool(block[SyncKeyDetached]),
	}
	if s.UID == "" {
		return nil
	}
	if raw := stringValue(block[SyncKeyLastSynced]); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.LastSynced = t
		}
	}
	return s
}

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekdays converts a weekday list (comma separated or YAML sequence)
// into a sorted, de-duplicated weekday set. Unknown names are ignored.
func ParseWeekdays(v any) []time.Weekday {
	var seen [7]bool
	for _, name := range normalizeStringArray(v) {
		if wd, ok := weekdayNames[strings.ToLower(name)]; ok {
			seen[wd] = true
		}
	}
	var out []time.Weekday
	for i, ok := range seen {
		if ok {
			out = append(out, time.Weekday(i))
		}
	}
	return out
}

// FormatWeekdays renders a weekday set as a comma separated list
func FormatWeekdays(days []time.Weekday) string {
	names := make([]string, 0, len(days))
	for _, d := range days {
		names = append(names, strings.ToLower(d.String()))
	}
	return strings.Join(names, ", ")
}

// TimingPatch returns the frontmatter patch that gives a document timing t.
// Keys of the other timing shapes are listed for removal.
func TimingPatch(fields config.FieldsConfig, t Timing) (Metadata, []string) {
	set := Metadata{}
	var remove []string

	switch t := t.(type) {
	case Timed:
		set[fields.Start] = FormatDateTime(t.Start)
		set[fields.End] = FormatDateTime(t.End)
		remove = append(remove, fields.Date, fields.AllDay)
	case AllDay:
		set[fields.Date] = FormatDate(t.Start)
		set[fields.AllDay] = true
		remove = append(remove, fields.Start, fields.End)
	default:
		remove = append(remove, fields.Start, fields.End, fields.Date, fields.AllDay)
	}
	return set, remove
}
