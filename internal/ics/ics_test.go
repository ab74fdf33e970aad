package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
)

func local(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.Local)
}

func TestExportParseRoundTrip(t *testing.T) {
	fields := config.DefaultFields()
	events := []parser.ParsedEvent{
		parser.Parse("Gym.md", parser.Metadata{
			"title": "Gym", "start": "2025-01-06T18:00:00", "end": "2025-01-06T19:00:00",
			"rrule": "weekly", "rruleSpec": "monday, wednesday", "rruleId": "gym",
		}, fields),
		parser.Parse("Gym moved.md", parser.Metadata{
			"title": "Gym (late)", "start": "2025-01-08T20:00:00", "end": "2025-01-08T21:00:00",
			"rruleId": "gym", "instanceDate": "2025-01-08",
		}, fields),
		parser.Parse("Gym skipped.md", parser.Metadata{
			"title": "Gym", "start": "2025-01-13T18:00:00", "end": "2025-01-13T19:00:00",
			"rruleId": "gym", "instanceDate": "2025-01-13", "skip": true,
		}, fields),
		parser.Parse("Holiday.md", parser.Metadata{"title": "Holiday", "date": "2025-01-20"}, fields),
		parser.Parse("Notes.md", parser.Metadata{"title": "Just notes"}, fields),
	}

	body, err := Export(events, "Vault", time.Now())
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, "X-WR-CALNAME:Vault")
	assert.Contains(t, text, "RRULE:FREQ=WEEKLY")
	assert.Contains(t, text, "EXDATE:")
	assert.Contains(t, text, "RECURRENCE-ID:")
	assert.NotContains(t, text, "Just notes")

	drafts, err := Parse(body)
	require.NoError(t, err)
	require.Len(t, drafts, 2, "overrides are folded into their series")

	byTitle := map[string]Draft{}
	for _, d := range drafts {
		byTitle[d.Title] = d
	}

	gym := byTitle["Gym"]
	assert.Equal(t, parser.Timed{Start: local(2025, 1, 6, 18, 0), End: local(2025, 1, 6, 19, 0)}, gym.Timing)
	require.NotNil(t, gym.Recurrence)
	assert.Equal(t, parser.Weekly, gym.Recurrence.Type)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, gym.Recurrence.Weekdays)
	assert.Equal(t, events[0].ID, gym.UID)

	holiday := byTitle["Holiday"]
	assert.Equal(t, parser.AllDay{Start: local(2025, 1, 20, 0, 0)}, holiday.Timing)
	assert.Nil(t, holiday.Recurrence)
}

const feed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:standup
DTSTAMP:20250101T000000Z
SUMMARY:Standup
DESCRIPTION:Daily sync
LOCATION:Room 4
DTSTART:20250106T090000
DTEND:20250106T091500
RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH
END:VEVENT
BEGIN:VEVENT
UID:standup
DTSTAMP:20250101T000000Z
RECURRENCE-ID:20250107T090000
SUMMARY:Standup moved
DTSTART:20250107T100000
END:VEVENT
BEGIN:VEVENT
DTSTAMP:20250101T000000Z
SUMMARY:No uid
DTSTART:20250106T090000
END:VEVENT
BEGIN:VEVENT
UID:offsite
DTSTAMP:20250101T000000Z
SUMMARY:Offsite
DTSTART;VALUE=DATE:20250210
END:VEVENT
END:VCALENDAR
`

func TestParse_Feed(t *testing.T) {
	drafts, err := Parse([]byte(strings.ReplaceAll(feed, "\n", "\r\n")))
	require.NoError(t, err)
	require.Len(t, drafts, 2)

	standup := drafts[0]
	assert.Equal(t, "standup", standup.UID)
	assert.Equal(t, "Daily sync", standup.Description)
	assert.Equal(t, parser.Timed{Start: local(2025, 1, 6, 9, 0), End: local(2025, 1, 6, 9, 15)}, standup.Timing)
	require.NotNil(t, standup.Recurrence)
	assert.Equal(t, parser.BiWeekly, standup.Recurrence.Type)
	assert.Equal(t, "FREQ=WEEKLY;INTERVAL=2;BYDAY=TU,TH", standup.RawRRule)

	meta := standup.Metadata(config.DefaultFields(), "ics")
	assert.Equal(t, "Standup", meta["title"])
	assert.Equal(t, "2025-01-06T09:00:00", meta["start"])
	assert.Equal(t, "bi-weekly", meta["rrule"])
	assert.Equal(t, "tuesday, thursday", meta["rruleSpec"])
	assert.Equal(t, "ics", meta["source"])
	assert.Equal(t, "Room 4", meta["location"])

	offsite := drafts[1]
	assert.Equal(t, parser.AllDay{Start: local(2025, 2, 10, 0, 0)}, offsite.Timing)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("  \n"))
	assert.ErrorIs(t, err, ErrEmptyFeed)
}

func TestFetcher_ConditionalRequests(t *testing.T) {
	var (
		requests atomic.Int32
		fail     atomic.Bool
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte(feed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	ctx := context.Background()

	first, err := f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Equal(t, feed, string(first.Body))

	second, err := f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, feed, string(second.Body))

	fail.Store(true)
	third, err := f.Fetch(ctx, srv.URL+"/cal.ics?token=secret")
	require.NoError(t, err)
	assert.True(t, third.FromCache)

	_, err = f.Fetch(ctx, srv.URL+"/other.ics")
	assert.Error(t, err)
	assert.Equal(t, int32(4), requests.Load())
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "https://example.com/...(redacted)", redactURL("https://example.com/private/cal.ics?token=abc"))
	assert.Equal(t, "(redacted)", redactURL("not a url"))
}
