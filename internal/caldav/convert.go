package caldav

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-ical"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/recurrence"
)

const productID = "-//vaultcal//vaultcal//EN"

var (
	// ErrNoEvent is returned for calendar objects without a VEVENT
	ErrNoEvent = errors.New("calendar object has no VEVENT")
	// ErrUntracked is returned when exporting an event without dates
	ErrUntracked = errors.New("event has no dates")
)

// RemoteEvent is the part of a VEVENT that maps onto document fields
type RemoteEvent struct {
	UID         string
	Title       string
	Description string
	Timing      parser.Timing
	Recurrence  *parser.RecurrenceDefinition
}

// EventFromObject extracts the master VEVENT of a calendar object. Times
// carrying a zone are converted to the local wall clock; floating times are
// taken as they are.
func EventFromObject(cal *ical.Calendar) (RemoteEvent, error) {
	if cal == nil {
		return RemoteEvent{}, ErrNoEvent
	}

	var master *ical.Event
	for _, ev := range cal.Events() {
		// overrides of single occurrences carry RECURRENCE-ID
		if ev.Props.Get(ical.PropRecurrenceID) != nil {
			continue
		}
		master = &ev
		break
	}
	if master == nil {
		return RemoteEvent{}, ErrNoEvent
	}

	uid, err := master.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return RemoteEvent{}, fmt.Errorf("VEVENT without UID")
	}

	out := RemoteEvent{UID: uid}
	out.Title, _ = master.Props.Text(ical.PropSummary)
	out.Description, _ = master.Props.Text(ical.PropDescription)

	startProp := master.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return RemoteEvent{}, fmt.Errorf("VEVENT %s has no DTSTART", uid)
	}
	start, err := master.DateTimeStart(time.Local)
	if err != nil {
		return RemoteEvent{}, fmt.Errorf("VEVENT %s: invalid DTSTART: %w", uid, err)
	}

	if startProp.ValueType() == ical.ValueDate {
		out.Timing = parser.AllDay{Start: parser.DateOf(start)}
	} else {
		start = parser.Naive(start.In(time.Local))
		end, err := master.DateTimeEnd(time.Local)
		if err != nil {
			return RemoteEvent{}, fmt.Errorf("VEVENT %s: invalid DTEND: %w", uid, err)
		}
		if end.IsZero() || end.Before(start) {
			end = start.Add(time.Hour)
		} else {
			end = parser.Naive(end.In(time.Local))
		}
		out.Timing = parser.Timed{Start: start, End: end}
	}

	rule, err := master.Props.RecurrenceRule()
	if err != nil {
		return RemoteEvent{}, fmt.Errorf("VEVENT %s: invalid RRULE: %w", uid, err)
	}
	if rule != nil {
		out.Recurrence = recurrence.Definition(rule)
	}
	return out, nil
}

// Metadata returns the frontmatter patch that makes a document mirror the
// remote event. Keys that no longer apply are listed for removal.
func (r RemoteEvent) Metadata(fields config.FieldsConfig) (parser.Metadata, []string) {
	set, remove := parser.TimingPatch(fields, r.Timing)
	set[fields.Title] = r.Title

	if r.Recurrence != nil {
		set[fields.RecurrenceType] = string(r.Recurrence.Type)
		if len(r.Recurrence.Weekdays) > 0 {
			set[fields.RecurrenceSpec] = parser.FormatWeekdays(r.Recurrence.Weekdays)
		} else {
			remove = append(remove, fields.RecurrenceSpec)
		}
	} else {
		remove = append(remove, fields.RecurrenceType, fields.RecurrenceSpec)
	}
	return set, remove
}

// ObjectFromEvent renders a document event as a calendar object with the
// given UID. Times are written in UTC.
func ObjectFromEvent(ev parser.ParsedEvent, uid, description string, now time.Time) (*ical.Calendar, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, uid)
	event.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	event.Props.SetText(ical.PropSummary, ev.Title)
	if description != "" {
		event.Props.SetText(ical.PropDescription, description)
	}

	switch t := ev.Timing.(type) {
	case parser.Timed:
		event.Props.SetDateTime(ical.PropDateTimeStart, t.Start.UTC())
		event.Props.SetDateTime(ical.PropDateTimeEnd, t.End.UTC())
	case parser.AllDay:
		event.Props.SetDate(ical.PropDateTimeStart, t.Start)
		event.Props.SetDate(ical.PropDateTimeEnd, t.Start.AddDate(0, 0, 1))
	default:
		return nil, ErrUntracked
	}

	if ev.Recurrence != nil && !ev.Recurrence.Disabled {
		anchor, _ := ev.Date()
		opt, err := recurrence.Option(*ev.Recurrence, anchor)
		if err != nil {
			return nil, err
		}
		opt.Dtstart = time.Time{}
		event.Props.SetRecurrenceRule(&opt)
	}

	cal.Children = append(cal.Children, event.Component)
	return cal, nil
}

// ObjectFromSeries renders a recurrence template together with the physical
// instances of its group. Skipped instances become EXDATEs of the master
// event; the others become RECURRENCE-ID overrides sharing uid.
func ObjectFromSeries(tmpl parser.ParsedEvent, instances []parser.ParsedEvent, uid, description string, now time.Time) (*ical.Calendar, error) {
	cal, err := ObjectFromEvent(tmpl, uid, description, now)
	if err != nil {
		return nil, err
	}
	master := cal.Children[0]

	sorted := append([]parser.ParsedEvent(nil), instances...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Instance.Date.Before(sorted[j].Instance.Date)
	})

	for _, inst := range sorted {
		if inst.Skipped {
			master.Props.Add(slotProp(ical.PropExceptionDates, tmpl, inst.Instance.Date))
			continue
		}

		override := ical.NewEvent()
		override.Props.SetText(ical.PropUID, uid)
		override.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
		override.Props.SetText(ical.PropSummary, inst.Title)
		switch t := inst.Timing.(type) {
		case parser.Timed:
			override.Props.SetDateTime(ical.PropDateTimeStart, t.Start.UTC())
			override.Props.SetDateTime(ical.PropDateTimeEnd, t.End.UTC())
		case parser.AllDay:
			override.Props.SetDate(ical.PropDateTimeStart, t.Start)
			override.Props.SetDate(ical.PropDateTimeEnd, t.Start.AddDate(0, 0, 1))
		default:
			continue
		}
		override.Props.Set(slotProp(ical.PropRecurrenceID, tmpl, inst.Instance.Date))
		cal.Children = append(cal.Children, override.Component)
	}
	return cal, nil
}

func slotProp(name string, tmpl parser.ParsedEvent, date time.Time) *ical.Prop {
	prop := ical.NewProp(name)
	start, timed := recurrence.SlotStart(tmpl, date)
	if timed {
		prop.SetDateTime(start.UTC())
	} else {
		prop.SetDate(start)
	}
	return prop
}
