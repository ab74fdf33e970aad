package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/vonshlovens/vaultcal/internal/parser"
)

const (
	MinHorizon = 1
	MaxHorizon = 52

	// maxSteps bounds enumeration for anchors far in the past
	maxSteps = 200000
)

var rruleWeekdays = [7]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

// ClampHorizon bounds a future-instance count to 1..52
func ClampHorizon(n int) int {
	if n < MinHorizon {
		return MinHorizon
	}
	if n > MaxHorizon {
		return MaxHorizon
	}
	return n
}

// Option converts a recurrence definition anchored on a date into an rrule
// option set. Weekly rules without weekdays repeat on the anchor's weekday.
func Option(def parser.RecurrenceDefinition, anchor time.Time) (rrule.ROption, error) {
	opt := rrule.ROption{
		Dtstart:  parser.DateOf(anchor),
		Interval: 1,
		Wkst:     rrule.MO,
	}

	switch def.Type {
	case parser.Daily:
		opt.Freq = rrule.DAILY
	case parser.Weekly, parser.BiWeekly:
		opt.Freq = rrule.WEEKLY
		if def.Type == parser.BiWeekly {
			opt.Interval = 2
		}
		days := def.Weekdays
		if len(days) == 0 {
			days = []time.Weekday{anchor.Weekday()}
		}
		for _, d := range days {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case parser.Monthly:
		opt.Freq = rrule.MONTHLY
	case parser.BiMonthly:
		opt.Freq = rrule.MONTHLY
		opt.Interval = 2
	case parser.Yearly:
		opt.Freq = rrule.YEARLY
	default:
		return rrule.ROption{}, fmt.Errorf("unsupported recurrence type %q", def.Type)
	}
	return opt, nil
}

// Definition maps the rule shapes vaultcal understands back onto a
// recurrence definition. Anything else yields nil and is kept as a plain
// event.
func Definition(opt *rrule.ROption) *parser.RecurrenceDefinition {
	interval := opt.Interval
	if interval == 0 {
		interval = 1
	}

	def := &parser.RecurrenceDefinition{}
	switch {
	case opt.Freq == rrule.DAILY && interval == 1:
		def.Type = parser.Daily
	case opt.Freq == rrule.WEEKLY && interval == 1:
		def.Type = parser.Weekly
	case opt.Freq == rrule.WEEKLY && interval == 2:
		def.Type = parser.BiWeekly
	case opt.Freq == rrule.MONTHLY && interval == 1:
		def.Type = parser.Monthly
	case opt.Freq == rrule.MONTHLY && interval == 2:
		def.Type = parser.BiMonthly
	case opt.Freq == rrule.YEARLY && interval == 1:
		def.Type = parser.Yearly
	default:
		return nil
	}

	if def.Type.UsesWeekdays() {
		for _, wd := range opt.Byweekday {
			// rrule counts from Monday
			def.Weekdays = append(def.Weekdays, time.Weekday((wd.Day()+1)%7))
		}
	}
	return def
}

// FutureDates enumerates occurrence dates of a rule anchored at anchor and
// returns the first count dates strictly after today. The anchor date itself
// belongs to the template and is never returned.
func FutureDates(def parser.RecurrenceDefinition, anchor, today time.Time, count int) ([]time.Time, error) {
	opt, err := Option(def, anchor)
	if err != nil {
		return nil, err
	}
	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence rule: %w", err)
	}

	anchorDay := parser.DateOf(anchor)
	today = parser.DateOf(today)

	next := rule.Iterator()
	out := make([]time.Time, 0, count)
	for steps := 0; len(out) < count && steps < maxSteps; steps++ {
		t, ok := next()
		if !ok {
			break
		}
		d := parser.DateOf(t)
		if !d.After(today) || d.Equal(anchorDay) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
