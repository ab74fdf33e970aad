package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vonshlovens/vaultcal/internal/parser"
)

// EventRow is one document event as stored in vault_events
type EventRow struct {
	ID             uuid.UUID      `db:"id"`
	Path           string         `db:"path"`
	Title          string         `db:"title"`
	Kind           string         `db:"kind"`
	StartsAt       *time.Time     `db:"starts_at"`
	EndsAt         *time.Time     `db:"ends_at"`
	AllDay         bool           `db:"all_day"`
	Skipped        bool           `db:"skipped"`
	RecurrenceType *string        `db:"recurrence_type"`
	GroupID        *string        `db:"group_id"`
	InstanceDate   *time.Time     `db:"instance_date"`
	Source         *string        `db:"source"`
	SyncAccount    *string        `db:"sync_account"`
	SyncCalendar   *string        `db:"sync_calendar"`
	SyncUID        *string        `db:"sync_uid"`
	Metadata       map[string]any `db:"metadata"`
	SyncedAt       time.Time      `db:"synced_at"`
}

// MirrorStatus represents the state of the mirrored index
type MirrorStatus struct {
	Connected   bool
	TotalEvents int
	Templates   int
	Linked      int
	LastWrite   *time.Time
}

// NewEventRow converts a stored event. Virtual occurrences are never
// mirrored.
func NewEventRow(ev parser.ParsedEvent) (*EventRow, error) {
	if ev.Virtual {
		return nil, fmt.Errorf("%s: virtual events are not mirrored", ev.Path)
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid event id: %w", ev.Path, err)
	}

	row := &EventRow{
		ID:       id,
		Path:     ev.Path,
		Title:    ev.Title,
		Kind:     ev.Kind().String(),
		Skipped:  ev.Skipped,
		Metadata: map[string]any(ev.Metadata),
	}

	switch t := ev.Timing.(type) {
	case parser.Timed:
		row.StartsAt, row.EndsAt = &t.Start, &t.End
	case parser.AllDay:
		end := t.Start.AddDate(0, 0, 1)
		row.StartsAt, row.EndsAt = &t.Start, &end
		row.AllDay = true
	}

	if ev.Recurrence != nil {
		rtype := string(ev.Recurrence.Type)
		row.RecurrenceType = &rtype
		row.GroupID = &ev.Recurrence.GroupID
	}
	if ev.Instance != nil {
		row.GroupID = &ev.Instance.GroupID
		row.InstanceDate = &ev.Instance.Date
	}
	if ev.Source != "" {
		row.Source = &ev.Source
	}
	if ev.Sync != nil {
		row.SyncAccount = &ev.Sync.AccountID
		row.SyncCalendar = &ev.Sync.Calendar
		row.SyncUID = &ev.Sync.UID
	}
	if row.Metadata == nil {
		row.Metadata = map[string]any{}
	}
	return row, nil
}
