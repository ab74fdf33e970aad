package sync

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/vonshlovens/vaultcal/internal/config"
)

// ObjectState is the last synced state of one remote object
type ObjectState struct {
	Href string `json:"href"`
	ETag string `json:"etag"`
	// Hash of the local document right after the last sync
	Hash string `json:"hash"`
	Path string `json:"path"`
}

// CalendarState is the sync state of one (account, calendar) pair
type CalendarState struct {
	CTag      string                  `json:"ctag,omitempty"`
	SyncToken string                  `json:"sync_token,omitempty"`
	LastSync  time.Time               `json:"last_sync"`
	Objects   map[string]*ObjectState `json:"objects"` // by uid
	// Skipped lists hrefs that could not be converted on the last pull.
	// While any are recorded the collection is listed again.
	Skipped []string `json:"skipped,omitempty"`
}

// SyncState represents the persisted sync state
type SyncState struct {
	VaultPath string                    `json:"vault_path"`
	Calendars map[string]*CalendarState `json:"calendars"`
}

// StateTracker manages the persisted sync state
type StateTracker struct {
	state    *SyncState
	filePath string
	mu       sync.RWMutex
	dirty    bool
}

// NewStateTracker loads the state for a vault. An empty stateFile places the
// file in the state directory, named after the vault path.
func NewStateTracker(vaultPath, stateFile string) (*StateTracker, error) {
	if stateFile == "" {
		stateDir, err := config.GetStateDir()
		if err != nil {
			return nil, err
		}
		vaultHash := HashString(vaultPath)[:12]
		stateFile = filepath.Join(stateDir, "sync-"+vaultHash+".json")
	}

	st := &StateTracker{
		filePath: stateFile,
		state:    emptyState(vaultPath),
	}

	if err := st.load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load sync state, starting fresh", "path", stateFile, "error", err)
	}

	if st.state.VaultPath != vaultPath {
		st.state = emptyState(vaultPath)
	}

	return st, nil
}

func emptyState(vaultPath string) *SyncState {
	return &SyncState{
		VaultPath: vaultPath,
		Calendars: make(map[string]*CalendarState),
	}
}

func calendarKey(account, calendar string) string {
	return account + "|" + calendar
}

// Path returns the state file location
func (st *StateTracker) Path() string {
	return st.filePath
}

func (st *StateTracker) load() error {
	data, err := os.ReadFile(st.filePath)
	if err != nil {
		return err
	}

	state := &SyncState{}
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}
	if state.Calendars == nil {
		state.Calendars = make(map[string]*CalendarState)
	}
	for _, cal := range state.Calendars {
		if cal.Objects == nil {
			cal.Objects = make(map[string]*ObjectState)
		}
	}

	st.state = state
	return nil
}

// Save persists state to disk if it changed
func (st *StateTracker) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.dirty {
		return nil
	}

	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(st.filePath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(st.filePath, data, 0o644); err != nil {
		return err
	}

	st.dirty = false
	return nil
}

// Calendar returns a copy of the state of one calendar
func (st *StateTracker) Calendar(account, calendar string) (CalendarState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	cal, ok := st.state.Calendars[calendarKey(account, calendar)]
	if !ok {
		return CalendarState{}, false
	}
	out := *cal
	out.Objects = make(map[string]*ObjectState, len(cal.Objects))
	for uid, obj := range cal.Objects {
		o := *obj
		out.Objects[uid] = &o
	}
	out.Skipped = append([]string(nil), cal.Skipped...)
	return out, true
}

func (st *StateTracker) calendarLocked(account, calendar string) *CalendarState {
	key := calendarKey(account, calendar)
	cal, ok := st.state.Calendars[key]
	if !ok {
		cal = &CalendarState{Objects: make(map[string]*ObjectState)}
		st.state.Calendars[key] = cal
	}
	return cal
}

// SetCollection records the collection markers after a sync. Empty values
// never replace stored ones.
func (st *StateTracker) SetCollection(account, calendar, ctag, syncToken string, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	cal := st.calendarLocked(account, calendar)
	if ctag != "" {
		cal.CTag = ctag
	}
	if syncToken != "" {
		cal.SyncToken = syncToken
	}
	cal.LastSync = at
	st.dirty = true
}

// SetObject records the state of one remote object
func (st *StateTracker) SetObject(account, calendar, uid string, obj ObjectState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.calendarLocked(account, calendar).Objects[uid] = &obj
	st.dirty = true
}

// SetSkipped replaces the hrefs skipped by the last pull
func (st *StateTracker) SetSkipped(account, calendar string, hrefs []string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	cal := st.calendarLocked(account, calendar)
	if len(hrefs) == 0 && len(cal.Skipped) == 0 {
		return
	}
	cal.Skipped = append([]string(nil), hrefs...)
	sort.Strings(cal.Skipped)
	st.dirty = true
}

// RemoveObject forgets a remote object
func (st *StateTracker) RemoveObject(account, calendar, uid string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if cal, ok := st.state.Calendars[calendarKey(account, calendar)]; ok {
		delete(cal.Objects, uid)
		st.dirty = true
	}
}

// ResetCalendar drops all state of one calendar, forcing a full sync
func (st *StateTracker) ResetCalendar(account, calendar string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.state.Calendars, calendarKey(account, calendar))
	st.dirty = true
}

// Clear removes all state
func (st *StateTracker) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.Calendars = make(map[string]*CalendarState)
	st.dirty = true
}

// ObjectCount returns the number of tracked remote objects
func (st *StateTracker) ObjectCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	n := 0
	for _, cal := range st.state.Calendars {
		n += len(cal.Objects)
	}
	return n
}
