package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quantumlife/labcal/internal/core"
)

// EventStore is the local mirror of remote calendar events. Only the sync
// engine writes to it; everything else reads.
type EventStore struct {
	db *DB
}

// NewEventStore creates a new event store
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

const eventColumns = `connection_id, external_id, calendar_id, title, description, location,
	start_at, end_at, all_day, organizer, visibility, attendees, reminders, read_only,
	sync_status, last_synced_at, external_link, remote_updated_at`

// Upsert creates or replaces an event keyed by (connection, calendar, external id)
func (s *EventStore) Upsert(ctx context.Context, e *core.MirroredEvent) error {
	return upsertEvent(ctx, s.db.conn, e)
}

// ApplyPage applies one page of a calendar's upserts and deletions atomically
func (s *EventStore) ApplyPage(ctx context.Context, connectionID, calendarID string, upserts []*core.MirroredEvent, deletes []string) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, e := range upserts {
			if err := upsertEvent(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, id := range deletes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM mirrored_events WHERE connection_id = ? AND calendar_id = ? AND external_id = ?`,
				connectionID, calendarID, id); err != nil {
				return fmt.Errorf("delete event %s: %w", id, err)
			}
		}
		return nil
	})
}

func upsertEvent(ctx context.Context, x execer, e *core.MirroredEvent) error {
	attendees, err := json.Marshal(e.Attendees)
	if err != nil {
		return fmt.Errorf("marshal attendees: %w", err)
	}
	reminders, err := json.Marshal(e.Reminders)
	if err != nil {
		return fmt.Errorf("marshal reminders: %w", err)
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO mirrored_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, calendar_id, external_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			organizer = excluded.organizer,
			visibility = excluded.visibility,
			attendees = excluded.attendees,
			reminders = excluded.reminders,
			read_only = excluded.read_only,
			sync_status = excluded.sync_status,
			last_synced_at = excluded.last_synced_at,
			external_link = excluded.external_link,
			remote_updated_at = excluded.remote_updated_at
	`,
		e.ConnectionID, e.ExternalID, e.CalendarID, e.Title, e.Description, e.Location,
		nullTime(&e.Start), nullTime(&e.End), e.AllDay, e.Organizer, e.Visibility,
		string(attendees), string(reminders), e.ReadOnly,
		e.SyncStatus, e.LastSyncedAt.UTC(), e.ExternalLink, nullTime(&e.RemoteUpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert event %s: %w", e.ExternalID, err)
	}
	return nil
}

// PruneCalendar removes events of a calendar that were not synced since the given instant.
func (s *EventStore) PruneCalendar(ctx context.Context, connectionID, calendarID string, before time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		DELETE FROM mirrored_events
		WHERE connection_id = ? AND calendar_id = ? AND last_synced_at < ?
	`, connectionID, calendarID, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// MarkStale flags every synced event of a connection as stale
func (s *EventStore) MarkStale(ctx context.Context, connectionID string) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE mirrored_events SET sync_status = 'stale'
		WHERE connection_id = ? AND sync_status = 'synced'
	`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("mark events stale: %w", err)
	}
	return res.RowsAffected()
}

// MarkFresh clears the stale flag after a successful pass
func (s *EventStore) MarkFresh(ctx context.Context, connectionID string) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx, `
		UPDATE mirrored_events SET sync_status = 'synced'
		WHERE connection_id = ? AND sync_status = 'stale'
	`, connectionID)
	if err != nil {
		return 0, fmt.Errorf("mark events fresh: %w", err)
	}
	return res.RowsAffected()
}

// DeleteForConnection removes the whole mirror of a connection
func (s *EventStore) DeleteForConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM mirrored_events WHERE connection_id = ?`, connectionID)
	return err
}

// Get returns one event, or core.ErrNotFound
func (s *EventStore) Get(ctx context.Context, connectionID, calendarID, externalID string) (*core.MirroredEvent, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM mirrored_events
		WHERE connection_id = ? AND calendar_id = ? AND external_id = ?`, connectionID, calendarID, externalID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", externalID, core.ErrNotFound)
	}
	return e, err
}

// EventQuery filters List
type EventQuery struct {
	ConnectionID string
	CalendarID   string
	From         time.Time // events ending after From
	To           time.Time // events starting before To
	Limit        int
}

// List returns mirrored events ordered by start time
func (s *EventStore) List(ctx context.Context, q EventQuery) ([]*core.MirroredEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM mirrored_events WHERE connection_id = ?`
	args := []interface{}{q.ConnectionID}

	if q.CalendarID != "" {
		query += " AND calendar_id = ?"
		args = append(args, q.CalendarID)
	}
	if !q.From.IsZero() {
		query += " AND end_at >= ?"
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += " AND start_at < ?"
		args = append(args, q.To.UTC())
	}
	query += " ORDER BY start_at, external_id, calendar_id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*core.MirroredEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of mirrored events of a connection
func (s *EventStore) Count(ctx context.Context, connectionID string) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mirrored_events WHERE connection_id = ?`, connectionID).Scan(&n)
	return n, err
}

func scanEvent(row rowScanner) (*core.MirroredEvent, error) {
	var e core.MirroredEvent
	var start, end, remoteUpdated sql.NullTime
	var attendees, reminders string

	err := row.Scan(
		&e.ConnectionID, &e.ExternalID, &e.CalendarID, &e.Title, &e.Description, &e.Location,
		&start, &end, &e.AllDay, &e.Organizer, &e.Visibility, &attendees, &reminders, &e.ReadOnly,
		&e.SyncStatus, &e.LastSyncedAt, &e.ExternalLink, &remoteUpdated,
	)
	if err != nil {
		return nil, err
	}
	if start.Valid {
		e.Start = start.Time.UTC()
	}
	if end.Valid {
		e.End = end.Time.UTC()
	}
	if remoteUpdated.Valid {
		e.RemoteUpdatedAt = remoteUpdated.Time.UTC()
	}
	e.LastSyncedAt = e.LastSyncedAt.UTC()
	if err := json.Unmarshal([]byte(attendees), &e.Attendees); err != nil {
		return nil, fmt.Errorf("decode attendees: %w", err)
	}
	if err := json.Unmarshal([]byte(reminders), &e.Reminders); err != nil {
		return nil, fmt.Errorf("decode reminders: %w", err)
	}
	return &e, nil
}
