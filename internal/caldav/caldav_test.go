package caldav

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
)

func decode(t *testing.T, data string) *ical.Calendar {
	t.Helper()
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	require.NoError(t, err)
	return cal
}

func TestEventFromObject_Timed(t *testing.T) {
	cal := decode(t, strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:abc
DTSTAMP:20250101T000000Z
SUMMARY:Planning
DESCRIPTION:Bring notes
DTSTART:20250106T090000
DTEND:20250106T103000
RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n"))

	ev, err := EventFromObject(cal)
	require.NoError(t, err)

	assert.Equal(t, "abc", ev.UID)
	assert.Equal(t, "Planning", ev.Title)
	assert.Equal(t, "Bring notes", ev.Description)

	timed, ok := ev.Timing.(parser.Timed)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 6, 9, 0, 0, 0, time.Local), timed.Start)
	assert.Equal(t, time.Date(2025, 1, 6, 10, 30, 0, 0, time.Local), timed.End)

	require.NotNil(t, ev.Recurrence)
	assert.Equal(t, parser.BiWeekly, ev.Recurrence.Type)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday}, ev.Recurrence.Weekdays)
}

func TestEventFromObject_AllDayAndErrors(t *testing.T) {
	cal := decode(t, strings.ReplaceAll(`BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:day
DTSTAMP:20250101T000000Z
SUMMARY:Holiday
DTSTART;VALUE=DATE:20250120
END:VEVENT
END:VCALENDAR
`, "\n", "\r\n"))

	ev, err := EventFromObject(cal)
	require.NoError(t, err)
	allDay, ok := ev.Timing.(parser.AllDay)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 1, 20, 0, 0, 0, 0, time.Local), allDay.Start)
	assert.Nil(t, ev.Recurrence)

	_, err = EventFromObject(nil)
	assert.ErrorIs(t, err, ErrNoEvent)

	empty := ical.NewCalendar()
	_, err = EventFromObject(empty)
	assert.ErrorIs(t, err, ErrNoEvent)
}

func TestObjectFromEvent_RoundTrip(t *testing.T) {
	fields := config.DefaultFields()
	ev := parser.Parse("Gym.md", parser.Metadata{
		"title":     "Gym",
		"start":     "2025-01-06T18:00:00",
		"end":       "2025-01-06T19:00:00",
		"rrule":     "weekly",
		"rruleSpec": "monday, thursday",
	}, fields)

	cal, err := ObjectFromEvent(ev, "gym-uid", "", time.Now())
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))

	back, err := EventFromObject(decode(t, buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "gym-uid", back.UID)
	assert.Equal(t, "Gym", back.Title)
	assert.Equal(t, ev.Timing, back.Timing)
	require.NotNil(t, back.Recurrence)
	assert.Equal(t, parser.Weekly, back.Recurrence.Type)
	assert.Equal(t, []time.Weekday{time.Monday, time.Thursday}, back.Recurrence.Weekdays)

	_, err = ObjectFromEvent(parser.Parse("x.md", nil, fields), "u", "", time.Now())
	assert.ErrorIs(t, err, ErrUntracked)
}

func TestObjectFromSeries_AllDay(t *testing.T) {
	fields := config.DefaultFields()
	tmpl := parser.Parse("Standup.md", parser.Metadata{
		"title": "Standup", "date": "2025-01-06", "rrule": "daily", "rruleId": "standup",
	}, fields)
	skipped := parser.Parse("Standup 2025-01-07.md", parser.Metadata{
		"date": "2025-01-07", "rruleId": "standup", "instanceDate": "2025-01-07", "skip": true,
	}, fields)
	moved := parser.Parse("Standup 2025-01-08.md", parser.Metadata{
		"title": "Standup (remote)", "date": "2025-01-09", "rruleId": "standup", "instanceDate": "2025-01-08",
	}, fields)

	cal, err := ObjectFromSeries(tmpl, []parser.ParsedEvent{moved, skipped}, "standup-uid", "", time.Now())
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, ical.NewEncoder(&buf).Encode(cal))
	back := decode(t, buf.String())

	events := back.Events()
	require.Len(t, events, 2)
	master := events[0]
	exdate := master.Props.Get(ical.PropExceptionDates)
	require.NotNil(t, exdate)
	assert.Equal(t, "20250107", exdate.Value)
	assert.Equal(t, ical.ValueDate, exdate.ValueType())

	override := events[1]
	rid := override.Props.Get(ical.PropRecurrenceID)
	require.NotNil(t, rid)
	assert.Equal(t, "20250108", rid.Value)
	start, err := override.DateTimeStart(time.Local)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 9, 0, 0, 0, 0, time.Local), start)

	// the master still reads back as the series
	ev, err := EventFromObject(back)
	require.NoError(t, err)
	assert.Equal(t, "Standup", ev.Title)
	require.NotNil(t, ev.Recurrence)
	assert.Equal(t, parser.Daily, ev.Recurrence.Type)
}

func TestRemoteEvent_Metadata(t *testing.T) {
	fields := config.DefaultFields()

	timed := RemoteEvent{
		Title:  "Call",
		Timing: parser.Timed{Start: time.Date(2025, 1, 6, 9, 0, 0, 0, time.Local), End: time.Date(2025, 1, 6, 9, 30, 0, 0, time.Local)},
	}
	set, remove := timed.Metadata(fields)
	assert.Equal(t, "2025-01-06T09:00:00", set["start"])
	assert.Equal(t, "2025-01-06T09:30:00", set["end"])
	assert.Contains(t, remove, "date")
	assert.Contains(t, remove, "rrule")

	allDay := RemoteEvent{Title: "Off", Timing: parser.AllDay{Start: time.Date(2025, 1, 6, 0, 0, 0, 0, time.Local)}}
	set, remove = allDay.Metadata(fields)
	assert.Equal(t, "2025-01-06", set["date"])
	assert.Equal(t, true, set["allDay"])
	assert.Contains(t, remove, "start")
}

func TestPropfindState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "PROPFIND", r.Method)
		assert.Equal(t, "0", r.Header.Get("Depth"))
		assert.Equal(t, "/cal/work/", r.URL.Path)
		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <d:response>
    <d:href>/cal/work/</d:href>
    <d:propstat>
      <d:prop><cs:getctag>ctag-7</cs:getctag><d:sync-token>http://example.com/sync/7</d:sync-token></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`))
	}))
	defer srv.Close()

	state, err := propfindState(context.Background(), srv.Client(), srv.URL+"/dav/", "/cal/work/")
	require.NoError(t, err)
	assert.Equal(t, "ctag-7", state.CTag)
	assert.Equal(t, "http://example.com/sync/7", state.SyncToken)
	assert.False(t, state.Empty())
}

func TestPropfindState_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := propfindState(context.Background(), srv.Client(), srv.URL, "/cal/")
	assert.Error(t, err)
}

const planningObject = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:r1
DTSTAMP:20250101T000000Z
SUMMARY:Planning
DTSTART:20250106T090000
DTEND:20250106T100000
END:VEVENT
END:VCALENDAR
`

const brokenObject = "this is not a calendar\n"

// collectionServer serves one calendar collection holding a valid and a
// malformed object
func collectionServer(t *testing.T, gets *[]string) *httptest.Server {
	t.Helper()
	bodies := map[string]string{
		"/cal/work/r1.ics":     planningObject,
		"/cal/work/broken.ics": brokenObject,
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "PROPFIND":
			assert.Equal(t, "1", r.Header.Get("Depth"))
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:">
  <d:response>
    <d:href>/cal/work/</d:href>
    <d:propstat>
      <d:prop><d:resourcetype><d:collection/></d:resourcetype></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/work/r1.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e1"</d:getetag><d:resourcetype/></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/work/broken.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e2"</d:getetag><d:resourcetype/></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`))
		case "REPORT":
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusMultiStatus)
			w.Write([]byte(`<?xml version="1.0"?>
<d:multistatus xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:response>
    <d:href>/cal/work/r1.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e1"</d:getetag><c:calendar-data>` + planningObject + `</c:calendar-data></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
  <d:response>
    <d:href>/cal/work/broken.ics</d:href>
    <d:propstat>
      <d:prop><d:getetag>"e2"</d:getetag><c:calendar-data>` + brokenObject + `</c:calendar-data></d:prop>
      <d:status>HTTP/1.1 200 OK</d:status>
    </d:propstat>
  </d:response>
</d:multistatus>`))
		case http.MethodGet:
			*gets = append(*gets, r.URL.Path)
			body, ok := bodies[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", ical.MIMEType)
			w.Header().Set("ETag", `"`+strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/cal/work/"), ".ics")+`"`)
			w.Write([]byte(body))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func newTestSession(t *testing.T, srv *httptest.Server) *WebDAVSession {
	t.Helper()
	client, err := caldav.NewClient(srv.Client(), srv.URL+"/")
	require.NoError(t, err)
	return &WebDAVSession{client: client, http: srv.Client(), endpoint: srv.URL + "/", calendar: "/cal/work/"}
}

func TestWebDAVSession_ListObjectsReadsETagsOnly(t *testing.T) {
	var gets []string
	srv := collectionServer(t, &gets)
	defer srv.Close()

	refs, err := newTestSession(t, srv).ListObjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ObjectRef{
		{Href: "/cal/work/r1.ics", ETag: "e1"},
		{Href: "/cal/work/broken.ics", ETag: "e2"},
	}, refs)
	assert.Empty(t, gets)
}

func TestWebDAVSession_FetchObjectsIsolatesMalformedObject(t *testing.T) {
	var gets []string
	srv := collectionServer(t, &gets)
	defer srv.Close()

	objs, err := newTestSession(t, srv).FetchObjects(context.Background(),
		[]string{"/cal/work/r1.ics", "/cal/work/broken.ics", "/cal/work/gone.ics"})
	require.NoError(t, err)
	require.Len(t, objs, 2)

	byHref := make(map[string]Object, len(objs))
	for _, o := range objs {
		byHref[o.Href] = o
	}

	good := byHref["/cal/work/r1.ics"]
	require.NoError(t, good.Err)
	assert.Equal(t, "r1", good.Event.UID)
	assert.Equal(t, "Planning", good.Event.Title)
	assert.Equal(t, "r1", good.ETag)

	bad, ok := byHref["/cal/work/broken.ics"]
	require.True(t, ok)
	assert.Error(t, bad.Err)

	assert.ElementsMatch(t, []string{"/cal/work/r1.ics", "/cal/work/broken.ics", "/cal/work/gone.ics"}, gets)
}

func TestWebDAVSession_FetchObjectsFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestSession(t, srv).FetchObjects(context.Background(), []string{"/cal/work/r1.ics"})
	assert.Error(t, err)
}

func TestHTTPClient_BasicAuthFromKeyring(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, StoreSecret("vaultcal-test", "alice", "s3cret"))

	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
	}))
	defer srv.Close()

	client, err := HTTPClient(context.Background(), config.AccountConfig{
		ID:  "work",
		URL: srv.URL,
		Auth: config.AuthConfig{
			Type:           "basic",
			Username:       "alice",
			KeyringService: "vaultcal-test",
		},
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "alice", gotUser)
	assert.Equal(t, "s3cret", gotPass)
}

func TestHTTPClient_MissingSecret(t *testing.T) {
	keyring.MockInit()

	_, err := HTTPClient(context.Background(), config.AccountConfig{
		ID:   "work",
		Auth: config.AuthConfig{Type: "basic", Username: "bob", KeyringService: "vaultcal-test"},
	})
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = HTTPClient(context.Background(), config.AccountConfig{
		ID:   "work",
		Auth: config.AuthConfig{Type: "basic", Username: "bob"},
	})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestHTTPClient_OAuth2RefreshesToken(t *testing.T) {
	var authHeader string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/dav/", func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := HTTPClient(context.Background(), config.AccountConfig{
		ID:  "google",
		URL: srv.URL + "/dav/",
		Auth: config.AuthConfig{
			Type:         "oauth2",
			ClientID:     "client",
			TokenURL:     srv.URL + "/token",
			RefreshToken: "rt-1",
		},
	})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/dav/", nil)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer at-1", authHeader)
}

type stubSession struct {
	Session
	calendar string
}

func (s *stubSession) Calendar() string { return s.calendar }

func TestPool_CachesPerCalendar(t *testing.T) {
	dials := 0
	pool := NewPool(func(ctx context.Context, acct config.AccountConfig, calendar string) (Session, error) {
		dials++
		if calendar == "/broken/" {
			return nil, errors.New("boom")
		}
		return &stubSession{calendar: calendar}, nil
	})

	acct := config.AccountConfig{ID: "work"}
	a, err := pool.Get(context.Background(), acct, "/a/")
	require.NoError(t, err)
	again, err := pool.Get(context.Background(), acct, "/a/")
	require.NoError(t, err)
	assert.Same(t, a, again)

	_, err = pool.Get(context.Background(), acct, "/b/")
	require.NoError(t, err)
	assert.Equal(t, 2, dials)

	_, err = pool.Get(context.Background(), acct, "/broken/")
	assert.Error(t, err)

	pool.Invalidate("work", "/a/")
	_, err = pool.Get(context.Background(), acct, "/a/")
	require.NoError(t, err)
	assert.Equal(t, 4, dials)
}
