package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vonshlovens/vaultcal/internal/caldav"
	"github.com/vonshlovens/vaultcal/internal/config"
	"github.com/vonshlovens/vaultcal/internal/parser"
	"github.com/vonshlovens/vaultcal/internal/vault"
)

var (
	// ErrClosed is returned once the engine has been closed
	ErrClosed = errors.New("sync engine closed")
	// ErrUnknownCalendar is returned for calendars missing from the config
	ErrUnknownCalendar = errors.New("unknown calendar")
)

// SyncError describes a failure scoped to one calendar
type SyncError struct {
	Account  string
	Calendar string
	Op       string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %s: %s: %v", e.Account, e.Calendar, e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Result summarizes the sync of one calendar
type Result struct {
	Account  string
	Calendar string
	Success  bool
	Full     bool
	Created  int
	Updated  int
	Deleted  int
	Kept     int
	Pushed   int
	Removed  int
	Skipped  int
	Errors   []error
	Duration time.Duration
}

// Changes returns the number of local documents the sync touched
func (r Result) Changes() int {
	return r.Created + r.Updated + r.Deleted + r.Kept
}

// Lookup finds documents by their sync identity. The event store satisfies it.
type Lookup interface {
	FindBySyncUID(accountID, calendar, uid string) (parser.ParsedEvent, bool)
	AllEvents() []parser.ParsedEvent
}

// Sessions hands out CalDAV sessions. caldav.Pool satisfies it.
type Sessions interface {
	Get(ctx context.Context, acct config.AccountConfig, calendar string) (caldav.Session, error)
	Invalidate(accountID, calendar string)
}

// Engine reconciles vault documents with remote calendars. It owns the
// in-flight state: overlapping requests for the same account or calendar
// share one run.
type Engine struct {
	config   *config.Config
	vault    *vault.Vault
	parser   *parser.Parser
	state    *StateTracker
	sessions Sessions
	lookup   Lookup
	confirm  Confirmer
	now      func() time.Time

	group  singleflight.Group
	closed atomic.Bool
}

// NewEngine creates a sync engine
func NewEngine(cfg *config.Config, v *vault.Vault, p *parser.Parser, state *StateTracker, sessions Sessions, lookup Lookup, confirm Confirmer) *Engine {
	if confirm == nil {
		confirm = PolicyConfirmer{Policy: cfg.Sync.DeletePolicy}
	}
	return &Engine{
		config:   cfg,
		vault:    v,
		parser:   p,
		state:    state,
		sessions: sessions,
		lookup:   lookup,
		confirm:  confirm,
		now:      time.Now,
	}
}

// Close ends the engine lifecycle and persists state
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.state.Save()
}

// SyncAll syncs every configured account
func (e *Engine) SyncAll(ctx context.Context) []Result {
	var (
		mu      sync.Mutex
		results []Result
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, acct := range e.config.Accounts {
		acct := acct
		g.Go(func() error {
			r := e.SyncAccount(gctx, acct.ID)
			mu.Lock()
			results = append(results, r...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	sortResults(results)
	return results
}

// SyncAccount syncs every calendar of an account
func (e *Engine) SyncAccount(ctx context.Context, accountID string) []Result {
	v, _, _ := e.group.Do("account:"+accountID, func() (any, error) {
		return e.syncAccount(ctx, accountID), nil
	})
	return v.([]Result)
}

func (e *Engine) syncAccount(ctx context.Context, accountID string) []Result {
	acct, ok := e.config.Account(accountID)
	if !ok {
		return []Result{failed(accountID, "", "config", fmt.Errorf("unknown account %q", accountID))}
	}

	limit := e.config.Sync.Concurrency
	if limit <= 0 {
		limit = 10
	}

	results := make([]Result, len(acct.Calendars))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, cal := range acct.Calendars {
		i, cal := i, cal
		g.Go(func() error {
			results[i] = e.SyncCalendar(gctx, accountID, cal.Handle)
			return nil
		})
	}
	g.Wait()
	return results
}

// SyncCalendar syncs one calendar. Concurrent calls for the same calendar
// join the run already in flight.
func (e *Engine) SyncCalendar(ctx context.Context, accountID, calendar string) Result {
	v, _, _ := e.group.Do("calendar:"+accountID+"/"+calendar, func() (any, error) {
		return e.syncCalendar(ctx, accountID, calendar), nil
	})
	return v.(Result)
}

// Discover lists the calendars an account exposes
func (e *Engine) Discover(ctx context.Context, accountID string) ([]caldav.CalendarInfo, error) {
	acct, ok := e.config.Account(accountID)
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	session, err := e.sessions.Get(ctx, *acct, "")
	if err != nil {
		return nil, err
	}
	return session.Discover(ctx)
}

func failed(account, calendar, op string, err error) Result {
	return Result{
		Account:  account,
		Calendar: calendar,
		Errors:   []error{&SyncError{Account: account, Calendar: calendar, Op: op, Err: err}},
	}
}

// run carries the working set of one calendar sync
type run struct {
	acct     config.AccountConfig
	calendar string
	folder   string
	session  caldav.Session
	prior    CalendarState
	result   *Result
	// uids written during this run; they are not pushed back
	touched map[string]bool
	// physical instances by group, read once per run
	instances map[string][]localDoc
}

// localDoc is a document as read from disk during a run
type localDoc struct {
	doc  *parser.Document
	data []byte
}

func (e *Engine) syncCalendar(ctx context.Context, accountID, calendar string) Result {
	start := time.Now()

	if e.closed.Load() {
		return failed(accountID, calendar, "start", ErrClosed)
	}

	acct, ok := e.config.Account(accountID)
	if !ok {
		return failed(accountID, calendar, "config", fmt.Errorf("unknown account %q", accountID))
	}
	folder, ok := calendarFolder(acct, calendar)
	if !ok {
		return failed(accountID, calendar, "config", ErrUnknownCalendar)
	}

	session, err := e.sessions.Get(ctx, *acct, calendar)
	if err != nil {
		return failed(accountID, calendar, "connect", err)
	}

	remote, err := session.CollectionState(ctx)
	if err != nil {
		e.sessions.Invalidate(accountID, calendar)
		return failed(accountID, calendar, "collection state", err)
	}

	prior, hasPrior := e.state.Calendar(accountID, calendar)
	result := Result{Account: accountID, Calendar: calendar, Full: !hasPrior}
	r := &run{
		acct:     *acct,
		calendar: calendar,
		folder:   folder,
		session:  session,
		prior:    prior,
		result:   &result,
		touched:  make(map[string]bool),
	}

	// skipped objects are retried even when the collection did not move
	unchanged := hasPrior && !remote.Empty() && len(prior.Skipped) == 0 &&
		remote.CTag == prior.CTag && remote.SyncToken == prior.SyncToken

	if unchanged {
		slog.Debug("remote calendar unchanged", "account", accountID, "calendar", calendar)
	} else if err := e.pull(ctx, r); err != nil {
		e.sessions.Invalidate(accountID, calendar)
		result.Errors = append(result.Errors, &SyncError{Account: accountID, Calendar: calendar, Op: "pull", Err: err})
		result.Duration = time.Since(start)
		return result
	}

	if err := e.push(ctx, r); err != nil {
		result.Errors = append(result.Errors, &SyncError{Account: accountID, Calendar: calendar, Op: "push", Err: err})
	}

	// our own uploads moved the collection markers
	if result.Pushed > 0 || result.Removed > 0 {
		if after, err := session.CollectionState(ctx); err == nil {
			remote = after
		}
	}
	if len(result.Errors) == 0 {
		e.state.SetCollection(accountID, calendar, remote.CTag, remote.SyncToken, e.now())
	}
	if err := e.state.Save(); err != nil {
		slog.Warn("failed to save sync state", "error", err)
	}

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(start)

	slog.Info("calendar synced",
		"account", accountID,
		"calendar", calendar,
		"full", result.Full,
		"created", result.Created,
		"updated", result.Updated,
		"deleted", result.Deleted,
		"pushed", result.Pushed,
		"errors", len(result.Errors))

	return result
}

// pull applies remote changes to the vault
func (e *Engine) pull(ctx context.Context, r *run) error {
	refs, err := r.session.ListObjects(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]string, len(r.prior.Objects)) // href -> uid
	for uid, obj := range r.prior.Objects {
		known[obj.Href] = uid
	}

	var fetch []string
	listed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		listed[ref.Href] = true
		uid, ok := known[ref.Href]
		if !ok || r.prior.Objects[uid].ETag != ref.ETag {
			fetch = append(fetch, ref.Href)
		}
	}

	var skipped []string
	if len(fetch) > 0 {
		objs, err := r.session.FetchObjects(ctx, fetch)
		if err != nil {
			return err
		}
		for _, obj := range objs {
			if obj.Err != nil {
				slog.Warn("skipping malformed calendar object", "href", obj.Href, "error", obj.Err)
				r.result.Skipped++
				skipped = append(skipped, obj.Href)
				continue
			}
			if err := e.applyRemote(r, obj); err != nil {
				r.result.Errors = append(r.result.Errors, &SyncError{
					Account: r.acct.ID, Calendar: r.calendar, Op: "apply " + obj.Href, Err: err,
				})
			}
		}
	}

	for href, uid := range known {
		if listed[href] {
			continue
		}
		if err := e.applyRemoteDelete(ctx, r, uid); err != nil {
			r.result.Errors = append(r.result.Errors, &SyncError{
				Account: r.acct.ID, Calendar: r.calendar, Op: "delete " + href, Err: err,
			})
		}
	}
	e.state.SetSkipped(r.acct.ID, r.calendar, skipped)
	return nil
}

func (e *Engine) applyRemote(r *run, obj caldav.Object) error {
	uid := obj.Event.UID
	fields := e.parser.Fields()
	meta := syncMeta{account: r.acct.ID, calendar: r.calendar, href: obj.Href, uid: uid, etag: obj.ETag, at: e.now()}

	docPath, exists := e.findDocument(r, uid)
	set, remove := obj.Event.Metadata(fields)
	set[fields.CalendarSync] = meta.block().ToMap()

	var content []byte
	if exists {
		if _, err := e.vault.Patch(docPath, set, remove); err != nil {
			return err
		}
		data, err := e.vault.Read(docPath)
		if err != nil {
			return err
		}
		content = data
		r.result.Updated++
		slog.Debug("updated document from remote", "path", docPath, "uid", uid)
	} else {
		docPath = e.vault.UniquePath(r.folder, obj.Event.Title)
		doc, err := parser.NewDocument(set, descriptionBody(obj.Event.Description))
		if err != nil {
			return err
		}
		if err := e.vault.Create(docPath, []byte(doc)); err != nil {
			return err
		}
		content = []byte(doc)
		r.result.Created++
		slog.Debug("created document from remote", "path", docPath, "uid", uid)
	}

	hash := HashDocument(content, fields.CalendarSync)
	if obj.Event.Recurrence != nil {
		if doc, err := e.parser.ParseContent(docPath, string(content)); err == nil && doc.Event.IsTemplate() {
			hash = e.seriesHash(hash, e.instancesOf(r, doc.Event.Recurrence.GroupID))
		}
	}

	e.state.SetObject(r.acct.ID, r.calendar, uid, ObjectState{
		Href: obj.Href,
		ETag: obj.ETag,
		Hash: hash,
		Path: docPath,
	})
	r.touched[uid] = true
	return nil
}

// applyRemoteDelete removes the document of a vanished remote object. A
// document carrying user data is only deleted when the confirmer agrees;
// otherwise it is kept and its sync block is marked detached, which keeps
// push from uploading it again. Removing the block makes it a new event.
func (e *Engine) applyRemoteDelete(ctx context.Context, r *run, uid string) error {
	defer e.state.RemoveObject(r.acct.ID, r.calendar, uid)

	docPath, exists := e.findDocument(r, uid)
	if !exists {
		return nil
	}

	data, err := e.vault.Read(docPath)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			return nil
		}
		return err
	}
	doc, err := e.parser.ParseContent(docPath, string(data))

	if err == nil && e.parser.HasUserContent(doc) {
		ok, err := e.confirm.ConfirmDelete(ctx, docPath, doc.Event)
		if err != nil {
			return err
		}
		if !ok {
			tombstone := parser.SyncMetadata{AccountID: r.acct.ID, Calendar: r.calendar, UID: uid}
			if doc.Event.Sync != nil {
				tombstone = *doc.Event.Sync
			}
			tombstone.Detached = true
			tombstone.LastSynced = e.now()
			if _, err := e.vault.Patch(docPath, parser.Metadata{e.parser.Fields().CalendarSync: tombstone.ToMap()}, nil); err != nil {
				return err
			}
			r.result.Kept++
			slog.Info("kept document of deleted remote event", "path", docPath, "uid", uid)
			return nil
		}
	}

	if err := e.vault.Delete(docPath); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	r.result.Deleted++
	slog.Debug("deleted document of removed remote event", "path", docPath, "uid", uid)
	return nil
}

// findDocument locates the document linked to uid: the store first, the
// recorded path as fallback.
func (e *Engine) findDocument(r *run, uid string) (string, bool) {
	if ev, ok := e.lookup.FindBySyncUID(r.acct.ID, r.calendar, uid); ok && e.vault.Exists(ev.Path) {
		return ev.Path, true
	}
	if obj, ok := r.prior.Objects[uid]; ok && obj.Path != "" && e.vault.Exists(obj.Path) {
		return obj.Path, true
	}
	if obj, ok := e.state.Calendar(r.acct.ID, r.calendar); ok {
		if o, ok := obj.Objects[uid]; ok && o.Path != "" && e.vault.Exists(o.Path) {
			return o.Path, true
		}
	}
	return "", false
}

// push uploads local changes: new dated documents in the calendar folder,
// edited linked documents, and linked documents deleted locally. Physical
// instances travel inside the object of their template.
func (e *Engine) push(ctx context.Context, r *run) error {
	fields := e.parser.Fields()
	current, _ := e.state.Calendar(r.acct.ID, r.calendar)
	seen := make(map[string]bool)

	for _, candidate := range e.lookup.AllEvents() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if candidate.Virtual || !inFolder(candidate.Path, r.folder) {
			continue
		}

		// the store may lag behind writes made by this run; the file decides
		data, err := e.vault.Read(candidate.Path)
		if err != nil {
			continue
		}
		doc, err := e.parser.ParseContent(candidate.Path, string(data))
		if err != nil || doc.Event.Kind() == parser.KindUntracked {
			continue
		}
		ev := doc.Event
		if ev.Instance != nil || (ev.Skipped && !ev.IsTemplate()) {
			continue
		}

		var instances []localDoc
		if ev.IsTemplate() {
			instances = e.instancesOf(r, ev.Recurrence.GroupID)
		}

		switch {
		case ev.Sync == nil:
			if err := e.upload(ctx, r, doc, instances, uuid.NewString(), ""); err != nil {
				return err
			}
		case ev.Sync.Detached:
			continue
		case ev.Sync.AccountID == r.acct.ID && ev.Sync.Calendar == r.calendar:
			uid := ev.Sync.UID
			seen[uid] = true
			if r.touched[uid] {
				continue
			}
			obj, tracked := current.Objects[uid]
			if tracked && obj.Hash == e.seriesHash(HashDocument(data, fields.CalendarSync), instances) {
				continue
			}
			href := ev.Sync.ObjectHref
			if tracked {
				href = obj.Href
			}
			if err := e.upload(ctx, r, doc, instances, uid, href); err != nil {
				return err
			}
		}
	}

	for uid, obj := range current.Objects {
		if seen[uid] || r.touched[uid] || e.vault.Exists(obj.Path) {
			continue
		}
		if err := r.session.DeleteObject(ctx, obj.Href); err != nil {
			return err
		}
		e.state.RemoveObject(r.acct.ID, r.calendar, uid)
		r.result.Removed++
		slog.Info("deleted remote event of removed document", "path", obj.Path, "uid", uid)
	}
	return nil
}

func (e *Engine) upload(ctx context.Context, r *run, doc *parser.Document, instances []localDoc, uid, href string) error {
	fields := e.parser.Fields()
	if href == "" {
		href = strings.TrimSuffix(r.calendar, "/") + "/" + uid + ".ics"
	}

	var (
		cal *ical.Calendar
		err error
	)
	description := strings.TrimSpace(doc.Body)
	if doc.Event.IsTemplate() {
		events := make([]parser.ParsedEvent, 0, len(instances))
		for _, inst := range instances {
			events = append(events, inst.doc.Event)
		}
		cal, err = caldav.ObjectFromSeries(doc.Event, events, uid, description, e.now())
	} else {
		cal, err = caldav.ObjectFromEvent(doc.Event, uid, description, e.now())
	}
	if err != nil {
		return fmt.Errorf("%s: %w", doc.Event.Path, err)
	}
	ref, err := r.session.PutObject(ctx, href, cal)
	if err != nil {
		return err
	}

	meta := syncMeta{account: r.acct.ID, calendar: r.calendar, href: ref.Href, uid: uid, etag: ref.ETag, at: e.now()}
	if _, err := e.vault.Patch(doc.Event.Path, parser.Metadata{fields.CalendarSync: meta.block().ToMap()}, nil); err != nil {
		return err
	}
	data, err := e.vault.Read(doc.Event.Path)
	if err != nil {
		return err
	}

	e.state.SetObject(r.acct.ID, r.calendar, uid, ObjectState{
		Href: ref.Href,
		ETag: ref.ETag,
		Hash: e.seriesHash(HashDocument(data, fields.CalendarSync), instances),
		Path: doc.Event.Path,
	})
	r.touched[uid] = true
	r.result.Pushed++
	slog.Debug("pushed document", "path", doc.Event.Path, "uid", uid, "instances", len(instances))
	return nil
}

// instancesOf returns the physical instances of a group as currently on disk
func (e *Engine) instancesOf(r *run, groupID string) []localDoc {
	if r.instances == nil {
		r.instances = make(map[string][]localDoc)
		for _, ev := range e.lookup.AllEvents() {
			if ev.Virtual || ev.Instance == nil {
				continue
			}
			data, err := e.vault.Read(ev.Path)
			if err != nil {
				continue
			}
			doc, err := e.parser.ParseContent(ev.Path, string(data))
			if err != nil || doc.Event.Instance == nil {
				continue
			}
			group := doc.Event.Instance.GroupID
			r.instances[group] = append(r.instances[group], localDoc{doc: doc, data: data})
		}
	}
	return r.instances[groupID]
}

func (e *Engine) seriesHash(templateHash string, instances []localDoc) string {
	hashes := make([]string, 0, len(instances))
	for _, inst := range instances {
		hashes = append(hashes, HashDocument(inst.data, e.parser.Fields().CalendarSync))
	}
	return HashSeries(templateHash, hashes)
}

type syncMeta struct {
	account, calendar, href, uid, etag string
	at                                 time.Time
}

func (m syncMeta) block() parser.SyncMetadata {
	return parser.SyncMetadata{
		AccountID:  m.account,
		Calendar:   m.calendar,
		ObjectHref: m.href,
		UID:        m.uid,
		ETag:       m.etag,
		LastSynced: m.at,
	}
}

func calendarFolder(acct *config.AccountConfig, calendar string) (string, bool) {
	for _, c := range acct.Calendars {
		if c.Handle == calendar {
			return c.Folder, true
		}
	}
	return "", false
}

func inFolder(docPath, folder string) bool {
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return true
	}
	return path.Dir(docPath) == folder || strings.HasPrefix(docPath, folder+"/")
}

func descriptionBody(description string) string {
	description = strings.TrimSpace(description)
	if description == "" {
		return ""
	}
	return description + "\n"
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Account != results[j].Account {
			return results[i].Account < results[j].Account
		}
		return results[i].Calendar < results[j].Calendar
	})
}
