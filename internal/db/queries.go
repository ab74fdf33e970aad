package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const upsertEvent = `
	INSERT INTO vault_events (
		id, path, title, kind, starts_at, ends_at, all_day, skipped,
		recurrence_type, group_id, instance_date, source,
		sync_account, sync_calendar, sync_uid, metadata
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
	)
	ON CONFLICT (path) DO UPDATE SET
		title = EXCLUDED.title,
		kind = EXCLUDED.kind,
		starts_at = EXCLUDED.starts_at,
		ends_at = EXCLUDED.ends_at,
		all_day = EXCLUDED.all_day,
		skipped = EXCLUDED.skipped,
		recurrence_type = EXCLUDED.recurrence_type,
		group_id = EXCLUDED.group_id,
		instance_date = EXCLUDED.instance_date,
		source = EXCLUDED.source,
		sync_account = EXCLUDED.sync_account,
		sync_calendar = EXCLUDED.sync_calendar,
		sync_uid = EXCLUDED.sync_uid,
		metadata = EXCLUDED.metadata,
		synced_at = NOW()
`

const selectEvent = `
	SELECT id, path, title, kind, starts_at, ends_at, all_day, skipped,
		recurrence_type, group_id, instance_date, source,
		sync_account, sync_calendar, sync_uid, metadata, synced_at
	FROM vault_events
`

func upsertArgs(row *EventRow) ([]any, error) {
	metadataJSON, err := json.Marshal(row.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata of %s: %w", row.Path, err)
	}
	return []any{
		row.ID, row.Path, row.Title, row.Kind, row.StartsAt, row.EndsAt,
		row.AllDay, row.Skipped, row.RecurrenceType, row.GroupID,
		row.InstanceDate, row.Source, row.SyncAccount, row.SyncCalendar,
		row.SyncUID, metadataJSON,
	}, nil
}

// UpsertEvent inserts or updates an event row
func (db *DB) UpsertEvent(ctx context.Context, row *EventRow) error {
	args, err := upsertArgs(row)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, upsertEvent, args...)
	return err
}

// UpsertEvents writes rows in one batch
func (db *DB) UpsertEvents(ctx context.Context, rows []*EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range rows {
		args, err := upsertArgs(row)
		if err != nil {
			return err
		}
		batch.Queue(upsertEvent, args...)
	}
	return db.Pool.SendBatch(ctx, batch).Close()
}

// DeleteEvents removes rows by document path
func (db *DB) DeleteEvents(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx, "DELETE FROM vault_events WHERE path = ANY($1)", paths)
	return err
}

// GetEventByPath retrieves one row, nil when absent
func (db *DB) GetEventByPath(ctx context.Context, path string) (*EventRow, error) {
	rows, err := db.Pool.Query(ctx, selectEvent+" WHERE path = $1", path)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// ListEvents returns rows overlapping [from, to)
func (db *DB) ListEvents(ctx context.Context, from, to time.Time) ([]*EventRow, error) {
	rows, err := db.Pool.Query(ctx,
		selectEvent+" WHERE starts_at < $2 AND ends_at > $1 ORDER BY starts_at, path",
		from, to)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// GetAllEventPaths returns every mirrored document path
func (db *DB) GetAllEventPaths(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx, "SELECT path FROM vault_events")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func scanEvents(rows pgx.Rows) ([]*EventRow, error) {
	defer rows.Close()

	var out []*EventRow
	for rows.Next() {
		row := &EventRow{}
		var metadataJSON []byte
		if err := rows.Scan(
			&row.ID, &row.Path, &row.Title, &row.Kind, &row.StartsAt, &row.EndsAt,
			&row.AllDay, &row.Skipped, &row.RecurrenceType, &row.GroupID,
			&row.InstanceDate, &row.Source, &row.SyncAccount, &row.SyncCalendar,
			&row.SyncUID, &metadataJSON, &row.SyncedAt,
		); err != nil {
			return nil, err
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &row.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return out, nil
}
