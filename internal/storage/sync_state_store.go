package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quantumlife/labcal/internal/core"
)

// SyncStateStore persists incremental sync cursors
type SyncStateStore struct {
	db *DB
}

// NewSyncStateStore creates a new sync state store
func NewSyncStateStore(db *DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

// Get returns the cursor of one calendar, or core.ErrNotFound
func (s *SyncStateStore) Get(ctx context.Context, connectionID, calendarID string) (*core.SyncState, error) {
	var st core.SyncState
	err := s.db.conn.QueryRowContext(ctx, `
		SELECT connection_id, calendar_id, sync_token, window_start, window_end, updated_at
		FROM sync_states WHERE connection_id = ? AND calendar_id = ?
	`, connectionID, calendarID).Scan(
		&st.ConnectionID, &st.CalendarID, &st.SyncToken, &st.WindowStart, &st.WindowEnd, &st.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state %s/%s: %w", connectionID, calendarID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sync state: %w", err)
	}
	return &st, nil
}

// Put replaces the cursor of one calendar
func (s *SyncStateStore) Put(ctx context.Context, st *core.SyncState) error {
	st.UpdatedAt = now()
	_, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO sync_states (connection_id, calendar_id, sync_token, window_start, window_end, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, calendar_id) DO UPDATE SET
			sync_token = excluded.sync_token,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			updated_at = excluded.updated_at
	`, st.ConnectionID, st.CalendarID, st.SyncToken, st.WindowStart.UTC(), st.WindowEnd.UTC(), st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store sync state: %w", err)
	}
	return nil
}

// Delete discards the cursor of one calendar
func (s *SyncStateStore) Delete(ctx context.Context, connectionID, calendarID string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM sync_states WHERE connection_id = ? AND calendar_id = ?`, connectionID, calendarID)
	return err
}

// DeleteForConnection discards every cursor of a connection
func (s *SyncStateStore) DeleteForConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.conn.ExecContext(ctx, `DELETE FROM sync_states WHERE connection_id = ?`, connectionID)
	return err
}
