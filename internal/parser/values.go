package parser

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DateTimeLayout is the naive local layout written back to documents
	DateTimeLayout = "2006-01-02T15:04:05"
	// DateLayout is the layout for all-day dates
	DateLayout = "2006-01-02"
)

var (
	// Common date formats found in frontmatter. Zone offsets are parsed so the
	// value is accepted, but only the wall clock is kept.
	dateTimeFormats = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
	}

	dateFormats = []string{
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}
)

// Naive returns t's wall clock as a time in time.Local without any zone
// conversion.
func Naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.Local)
}

// DateOf truncates t to midnight local time
func DateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}

// ParseDateTime parses a frontmatter value as naive local time. The returned
// dateOnly flag is true when the value carried no time component.
func ParseDateTime(v any) (t time.Time, dateOnly bool, ok bool) {
	switch val := v.(type) {
	case time.Time:
		if val.IsZero() {
			return time.Time{}, false, false
		}
		return Naive(val), false, true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return time.Time{}, false, false
		}
		for _, format := range dateTimeFormats {
			if parsed, err := time.Parse(format, s); err == nil {
				return Naive(parsed), false, true
			}
		}
		for _, format := range dateFormats {
			if parsed, err := time.Parse(format, s); err == nil {
				return DateOf(parsed), true, true
			}
		}
	}
	return time.Time{}, false, false
}

// ParseDate parses a frontmatter value as a calendar date
func ParseDate(v any) (time.Time, bool) {
	t, _, ok := ParseDateTime(v)
	if !ok {
		return time.Time{}, false
	}
	return DateOf(t), true
}

// FormatDateTime renders t in the naive layout used for documents
func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeLayout)
}

// FormatDate renders the date part of t
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// parseBool accepts YAML booleans and common string spellings
func parseBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes", "y", "1", "on":
			return true
		}
	case int:
		return val != 0
	}
	return false
}

// parseInt accepts YAML ints and numeric strings
func parseInt(v any) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// stringValue renders scalar values as strings
func stringValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// normalizeStringArray converts string or []string or []interface{} to []string.
// Comma separated strings are split.
func normalizeStringArray(v any) []string {
	if v == nil {
		return nil
	}

	switch val := v.(type) {
	case string:
		var result []string
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
		return result
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				result = append(result, strings.TrimSpace(s))
			}
		}
		return result
	default:
		return nil
	}
}
