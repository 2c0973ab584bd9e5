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

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ConnectionStore persists calendar connections
type ConnectionStore struct {
	db *DB
}

// NewConnectionStore creates a new connection store
func NewConnectionStore(db *DB) *ConnectionStore {
	return &ConnectionStore{db: db}
}

const connectionColumns = `id, user_id, provider, account_email, calendar_ids, status,
	last_sync_at, last_error, degraded, created_at, updated_at, revoked_at`

// Create inserts a new connection
func (s *ConnectionStore) Create(ctx context.Context, c *core.Connection) error {
	calendars, err := json.Marshal(c.CalendarIDs)
	if err != nil {
		return fmt.Errorf("marshal calendar ids: %w", err)
	}

	ts := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts

	_, err = s.db.conn.ExecContext(ctx, `
		INSERT INTO connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.UserID, c.Provider, c.AccountEmail, string(calendars), c.Status,
		nullTime(c.LastSyncAt), c.LastError, c.Degraded, c.CreatedAt, c.UpdatedAt, nullTime(c.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

// Get returns a connection by ID, or core.ErrNotFound
func (s *ConnectionStore) Get(ctx context.Context, id string) (*core.Connection, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, core.ErrNotFound)
	}
	return c, err
}

// ListByUser returns all connections of a user, newest first
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]*core.Connection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// ListByStatus returns connections with the given status
func (s *ConnectionStore) ListByStatus(ctx context.Context, status core.ConnectionStatus) ([]*core.Connection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM connections
		WHERE status = ? ORDER BY created_at`, status)
}

// ListAll returns every connection
func (s *ConnectionStore) ListAll(ctx context.Context) ([]*core.Connection, error) {
	return s.list(ctx, `SELECT `+connectionColumns+` FROM connections ORDER BY created_at`)
}

func (s *ConnectionStore) list(ctx context.Context, query string, args ...interface{}) ([]*core.Connection, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var out []*core.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetStatus moves a connection to a new status, recording a reason if given
func (s *ConnectionStore) SetStatus(ctx context.Context, id string, status core.ConnectionStatus, reason string) error {
	var revokedAt sql.NullTime
	if status == core.StatusRevoked {
		revokedAt = sql.NullTime{Time: now(), Valid: true}
	}
	return s.update(ctx, id, `
		UPDATE connections SET status = ?, last_error = ?, revoked_at = COALESCE(revoked_at, ?), updated_at = ?
		WHERE id = ?
	`, status, reason, revokedAt, now(), id)
}

// SetCalendars replaces the linked calendar list
func (s *ConnectionStore) SetCalendars(ctx context.Context, id string, calendarIDs []string) error {
	data, err := json.Marshal(calendarIDs)
	if err != nil {
		return err
	}
	return s.update(ctx, id, `UPDATE connections SET calendar_ids = ?, updated_at = ? WHERE id = ?`,
		string(data), now(), id)
}

// RecordSyncSuccess stamps a completed sync pass and clears any degradation
func (s *ConnectionStore) RecordSyncSuccess(ctx context.Context, id string, at time.Time) error {
	return s.update(ctx, id, `
		UPDATE connections SET last_sync_at = ?, last_error = '', degraded = 0, updated_at = ?
		WHERE id = ? AND status = 'active'
	`, at.UTC(), now(), id)
}

// RecordSyncFailure keeps the connection active but flags it degraded
func (s *ConnectionStore) RecordSyncFailure(ctx context.Context, id string, summary string) error {
	return s.update(ctx, id, `
		UPDATE connections SET last_error = ?, degraded = 1, updated_at = ?
		WHERE id = ?
	`, summary, now(), id)
}

func (s *ConnectionStore) update(ctx context.Context, id, query string, args ...interface{}) error {
	res, err := s.db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update connection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a guarded no-op.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnection(row rowScanner) (*core.Connection, error) {
	var c core.Connection
	var calendars string
	var lastSync, revoked sql.NullTime

	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccountEmail, &calendars, &c.Status,
		&lastSync, &c.LastError, &c.Degraded, &c.CreatedAt, &c.UpdatedAt, &revoked,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(calendars), &c.CalendarIDs); err != nil {
		return nil, fmt.Errorf("decode calendar ids: %w", err)
	}
	c.LastSyncAt = timePtr(lastSync)
	c.RevokedAt = timePtr(revoked)
	return &c, nil
}
