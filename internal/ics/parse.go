package ics

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/recurrence"
)

// ErrEmptyFeed is returned for an empty payload
var ErrEmptyFeed = errors.New("empty ICS body")

// Draft is an event read from a feed, ready to become a document
type Draft struct {
	UID         string
	Title       string
	Description string
	Location    string
	Timing      parser.Timing
	RawRRule    string
	Recurrence  *parser.RecurrenceDefinition
}

// Metadata returns the frontmatter of a document for the draft
func (d Draft) Metadata(fields config.FieldsConfig, source string) parser.Metadata {
	meta, _ := parser.TimingPatch(fields, d.Timing)
	meta[fields.Title] = d.Title
	if source != "" {
		meta[fields.Source] = source
	}
	if d.Location != "" {
		meta["location"] = d.Location
	}
	if d.Recurrence != nil {
		meta[fields.RecurrenceType] = string(d.Recurrence.Type)
		if len(d.Recurrence.Weekdays) > 0 {
			meta[fields.RecurrenceSpec] = parser.FormatWeekdays(d.Recurrence.Weekdays)
		}
	}
	return meta
}

// Parse reads every master VEVENT of a feed. Occurrence overrides are
// ignored and malformed events are skipped with a warning.
func Parse(body []byte) ([]Draft, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmptyFeed
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var drafts []Draft
	for _, vev := range cal.Events() {
		if vev.GetProperty(propRecurrent) != nil {
			continue
		}
		d, err := parseEvent(vev)
		if err != nil {
			slog.Warn("skipping malformed VEVENT", "error", err)
			continue
		}
		drafts = append(drafts, d)
	}

	slog.Debug("parsed feed", "events", len(drafts))
	return drafts, nil
}

func parseEvent(vev *ical.VEvent) (Draft, error) {
	var d Draft

	uid := vev.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return d, errors.New("missing UID")
	}
	d.UID = uid.Value

	if p := vev.GetProperty(ical.ComponentPropertySummary); p != nil {
		d.Title = p.Value
	}
	if p := vev.GetProperty(ical.ComponentPropertyDescription); p != nil {
		d.Description = p.Value
	}
	if p := vev.GetProperty(ical.ComponentPropertyLocation); p != nil {
		d.Location = p.Value
	}

	dtstart := vev.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return d, fmt.Errorf("VEVENT %s has no DTSTART", d.UID)
	}

	if isDateValue(dtstart) {
		start, err := vev.GetAllDayStartAt()
		if err != nil {
			return d, fmt.Errorf("VEVENT %s: invalid DTSTART: %w", d.UID, err)
		}
		d.Timing = parser.AllDay{Start: parser.DateOf(start)}
	} else {
		start, err := vev.GetStartAt()
		if err != nil {
			return d, fmt.Errorf("VEVENT %s: invalid DTSTART: %w", d.UID, err)
		}
		start = parser.Naive(start.In(time.Local))
		end, err := vev.GetEndAt()
		if err != nil || end.IsZero() {
			end = start.Add(time.Hour)
		} else {
			end = parser.Naive(end.In(time.Local))
		}
		if end.Before(start) {
			end = start.Add(time.Hour)
		}
		d.Timing = parser.Timed{Start: start, End: end}
	}

	if p := vev.GetProperty(ical.ComponentPropertyRrule); p != nil && p.Value != "" {
		d.RawRRule = p.Value
		opt, err := rrule.StrToROption(p.Value)
		if err != nil {
			slog.Warn("ignoring invalid RRULE", "uid", d.UID, "rrule", p.Value, "error", err)
		} else {
			d.Recurrence = recurrence.Definition(opt)
		}
	}
	return d, nil
}

// isDateValue reports an all-day DTSTART: VALUE=DATE or a value without time
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}
