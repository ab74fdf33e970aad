// Package ics exports vault events as iCalendar feeds and turns external
// feeds into event drafts.
package ics

import (
	"fmt"
	"log/slog"
	"time"

	ical "github.com/arran4/golang-ical"

	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/recurrence"
)

const (
	productID     = "-//vaultcal//vaultcal//EN"
	utcLayout     = "20060102T150405Z"
	dateLayout    = "20060102"
	propRecurrent = ical.ComponentProperty("RECURRENCE-ID")
)

// Export renders events as one VCALENDAR. Templates carry their RRULE,
// physical instances become overrides of their series and skipped instances
// become EXDATEs. Virtual and undated events are left out.
func Export(events []parser.ParsedEvent, name string, now time.Time) ([]byte, error) {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if name != "" {
		cal.SetXWRCalName(name)
	}

	templates := make(map[string]*ical.VEvent)
	templateEvents := make(map[string]parser.ParsedEvent)

	// templates first so instances can refer to them
	for _, ev := range events {
		if ev.Virtual || ev.Kind() == parser.KindUntracked || !ev.IsTemplate() {
			continue
		}
		vev, err := addEvent(cal, ev, uidOf(ev), now)
		if err != nil {
			return nil, err
		}
		if !ev.Recurrence.Disabled {
			anchor, _ := ev.Date()
			opt, err := recurrence.Option(*ev.Recurrence, anchor)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", ev.Path, err)
			}
			opt.Dtstart = time.Time{}
			vev.AddRrule(opt.RRuleString())
		}
		templates[ev.Recurrence.GroupID] = vev
		templateEvents[ev.Recurrence.GroupID] = ev
	}

	exported := len(templates)
	for _, ev := range events {
		if ev.Virtual || ev.Kind() == parser.KindUntracked || ev.IsTemplate() {
			continue
		}

		if ev.Instance != nil {
			tmplVEvent, ok := templates[ev.Instance.GroupID]
			if ok {
				tmpl := templateEvents[ev.Instance.GroupID]
				slot := occurrenceValue(tmpl, ev.Instance.Date)
				if ev.Skipped {
					tmplVEvent.AddProperty(ical.ComponentPropertyExdate, slot.value, slot.params...)
					continue
				}
				vev, err := addEvent(cal, ev, uidOf(tmpl), now)
				if err != nil {
					return nil, err
				}
				vev.SetProperty(propRecurrent, slot.value, slot.params...)
				exported++
				continue
			}
		}
		if ev.Skipped {
			continue
		}
		if _, err := addEvent(cal, ev, uidOf(ev), now); err != nil {
			return nil, err
		}
		exported++
	}

	slog.Debug("exported events", "count", exported)
	return []byte(cal.Serialize()), nil
}

func uidOf(ev parser.ParsedEvent) string {
	if ev.Sync != nil && ev.Sync.UID != "" {
		return ev.Sync.UID
	}
	return ev.ID
}

func addEvent(cal *ical.Calendar, ev parser.ParsedEvent, uid string, now time.Time) (*ical.VEvent, error) {
	vev := cal.AddEvent(uid)
	vev.SetDtStampTime(now.UTC())
	vev.SetSummary(ev.Title)

	switch t := ev.Timing.(type) {
	case parser.Timed:
		vev.SetStartAt(t.Start)
		vev.SetEndAt(t.End)
	case parser.AllDay:
		vev.SetAllDayStartAt(t.Start)
		vev.SetAllDayEndAt(t.Start.AddDate(0, 0, 1))
	default:
		return nil, fmt.Errorf("%s: event has no dates", ev.Path)
	}
	return vev, nil
}

type occurrence struct {
	value  string
	params []ical.PropertyParameter
}

// occurrenceValue names the slot of a series on date: the template's time of
// day for timed series, the bare date otherwise
func occurrenceValue(tmpl parser.ParsedEvent, date time.Time) occurrence {
	start, timed := recurrence.SlotStart(tmpl, date)
	if timed {
		return occurrence{value: start.UTC().Format(utcLayout)}
	}
	return occurrence{
		value:  start.Format(dateLayout),
		params: []ical.PropertyParameter{ical.WithValue(string(ical.ValueDataTypeDate))},
	}
}
