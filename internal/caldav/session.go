// Package caldav talks to remote CalDAV collections and converts calendar
// objects to and from document fields.
package caldav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"golang.org/x/sync/errgroup"

	"github.com/vonshlovens/vaultcal/internal/config"
)

const (
	multigetBatch = 50
	fetchWidth    = 10
)

// CalendarInfo describes a discovered calendar collection
type CalendarInfo struct {
	Path        string
	Name        string
	Description string
}

// CollectionState is the change marker of a collection. Either field may be
// empty when the server does not support it.
type CollectionState struct {
	CTag      string
	SyncToken string
}

// Empty reports whether the server returned no change marker
func (s CollectionState) Empty() bool {
	return s.CTag == "" && s.SyncToken == ""
}

// ObjectRef is the href and etag of a remote calendar object
type ObjectRef struct {
	Href string
	ETag string
}

// Object is a fetched calendar object. Err is set when the object could not
// be converted; other objects of the same fetch are unaffected.
type Object struct {
	Href  string
	ETag  string
	Event RemoteEvent
	Err   error
}

// Session is bound to one calendar collection of one account
type Session interface {
	Calendar() string
	Discover(ctx context.Context) ([]CalendarInfo, error)
	CollectionState(ctx context.Context) (CollectionState, error)
	ListObjects(ctx context.Context) ([]ObjectRef, error)
	FetchObjects(ctx context.Context, hrefs []string) ([]Object, error)
	PutObject(ctx context.Context, href string, cal *ical.Calendar) (ObjectRef, error)
	DeleteObject(ctx context.Context, href string) error
}

// WebDAVSession implements Session over go-webdav
type WebDAVSession struct {
	client   *caldav.Client
	http     webdav.HTTPClient
	endpoint string
	calendar string
}

// Dial opens a session for one calendar of an account
func Dial(ctx context.Context, acct config.AccountConfig, calendar string) (Session, error) {
	httpClient, err := HTTPClient(ctx, acct)
	if err != nil {
		return nil, err
	}
	client, err := caldav.NewClient(httpClient, acct.URL)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", acct.ID, err)
	}
	return &WebDAVSession{
		client:   client,
		http:     httpClient,
		endpoint: acct.URL,
		calendar: calendar,
	}, nil
}

func (s *WebDAVSession) Calendar() string {
	return s.calendar
}

// Discover lists the calendars in the account's home set
func (s *WebDAVSession) Discover(ctx context.Context) ([]CalendarInfo, error) {
	principal, err := s.client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}
	home, err := s.client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("failed to find calendar home set: %w", err)
	}
	cals, err := s.client.FindCalendars(ctx, home)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	out := make([]CalendarInfo, 0, len(cals))
	for _, c := range cals {
		out = append(out, CalendarInfo{Path: c.Path, Name: c.Name, Description: c.Description})
	}
	return out, nil
}

func (s *WebDAVSession) CollectionState(ctx context.Context) (CollectionState, error) {
	return propfindState(ctx, s.http, s.endpoint, s.calendar)
}

// ListObjects returns href and etag of every object in the collection. Only
// etags are requested so one unparsable object cannot fail the listing.
func (s *WebDAVSession) ListObjects(ctx context.Context) ([]ObjectRef, error) {
	refs, err := propfindETags(ctx, s.http, s.endpoint, s.calendar)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.calendar, err)
	}
	return refs, nil
}

// FetchObjects downloads objects with calendar-multiget in bounded batches.
// A batch the client cannot decode is fetched again href by href, so a
// malformed object only marks itself with Err.
func (s *WebDAVSession) FetchObjects(ctx context.Context, hrefs []string) ([]Object, error) {
	var (
		mu  sync.Mutex
		out = make([]Object, 0, len(hrefs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchWidth)

	for start := 0; start < len(hrefs); start += multigetBatch {
		end := min(start+multigetBatch, len(hrefs))
		batch := hrefs[start:end]

		g.Go(func() error {
			converted, err := s.multiget(gctx, batch)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				converted, err = s.fetchEach(gctx, batch)
				if err != nil {
					return err
				}
			}

			mu.Lock()
			out = append(out, converted...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *WebDAVSession) multiget(ctx context.Context, batch []string) ([]Object, error) {
	objs, err := s.client.MultiGetCalendar(ctx, s.calendar, &caldav.CalendarMultiGet{
		Paths:       batch,
		CompRequest: caldav.CalendarCompRequest{Name: "VCALENDAR", AllProps: true, AllComps: true},
	})
	if err != nil {
		return nil, fmt.Errorf("multiget %s: %w", s.calendar, err)
	}

	converted := make([]Object, 0, len(objs))
	for _, o := range objs {
		obj := Object{Href: o.Path, ETag: o.ETag}
		obj.Event, obj.Err = EventFromObject(o.Data)
		converted = append(converted, obj)
	}
	return converted, nil
}

func (s *WebDAVSession) fetchEach(ctx context.Context, batch []string) ([]Object, error) {
	converted := make([]Object, 0, len(batch))
	for _, href := range batch {
		obj, found, err := s.fetchOne(ctx, href)
		if err != nil {
			return nil, err
		}
		if found {
			converted = append(converted, obj)
		}
	}
	return converted, nil
}

// fetchOne GETs a single object. Transport and status failures are returned
// as errors; a body that does not decode is recorded on the object. Objects
// deleted since the listing report found as false.
func (s *WebDAVSession) fetchOne(ctx context.Context, href string) (Object, bool, error) {
	target, err := resolve(s.endpoint, href)
	if err != nil {
		return Object{}, false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Object{}, false, err
	}
	req.Header.Set("Accept", ical.MIMEType)

	resp, err := s.http.Do(req)
	if err != nil {
		return Object{}, false, fmt.Errorf("GET %s: %w", href, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return Object{}, false, nil
	case resp.StatusCode/100 != 2:
		io.Copy(io.Discard, resp.Body)
		return Object{}, false, fmt.Errorf("GET %s: unexpected status %s", href, resp.Status)
	}

	obj := Object{Href: href, ETag: unquoteETag(resp.Header.Get("ETag"))}
	cal, err := ical.NewDecoder(resp.Body).Decode()
	if err != nil {
		obj.Err = fmt.Errorf("decode %s: %w", href, err)
		return obj, true, nil
	}
	obj.Event, obj.Err = EventFromObject(cal)
	return obj, true, nil
}

// PutObject uploads a calendar object and returns its new etag
func (s *WebDAVSession) PutObject(ctx context.Context, href string, cal *ical.Calendar) (ObjectRef, error) {
	obj, err := s.client.PutCalendarObject(ctx, href, cal)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("failed to upload %s: %w", href, err)
	}

	ref := ObjectRef{Href: obj.Path, ETag: obj.ETag}
	if ref.Href == "" {
		ref.Href = href
	}
	if ref.ETag == "" {
		// some servers omit the etag on PUT
		got, err := s.client.GetCalendarObject(ctx, ref.Href)
		if err == nil {
			ref.ETag = got.ETag
		}
	}
	return ref, nil
}

func (s *WebDAVSession) DeleteObject(ctx context.Context, href string) error {
	if err := s.client.RemoveAll(ctx, href); err != nil {
		return fmt.Errorf("failed to delete %s: %w", href, err)
	}
	return nil
}
