package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantumlife/labcal/internal/core"
)

// ChannelStore persists webhook channels
type ChannelStore struct {
	db *DB
}

// NewChannelStore creates a new channel store
func NewChannelStore(db *DB) *ChannelStore {
	return &ChannelStore{db: db}
}

const channelColumns = `channel_id, connection_id, calendar_id, resource_id, resource_uri,
	token_hash, expires_at, created_at, stopped_at`

// Insert records a newly registered channel
func (s *ChannelStore) Insert(ctx context.Context, ch *core.WebhookChannel) error {
	return insertChannel(ctx, s.db.conn, ch)
}

func insertChannel(ctx context.Context, x execer, ch *core.WebhookChannel) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = now()
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO webhook_channels (`+channelColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ch.ChannelID, ch.ConnectionID, ch.CalendarID, ch.ResourceID, ch.ResourceURI,
		ch.TokenHash, ch.Expiry.UTC(), ch.CreatedAt.UTC(), nullTime(ch.StoppedAt))
	if err != nil {
		return fmt.Errorf("insert channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

// Replace atomically stops the old channel and records its successor, so a
// calendar never has zero or two active channels locally.
func (s *ChannelStore) Replace(ctx context.Context, oldChannelID string, next *core.WebhookChannel) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_channels SET stopped_at = ? WHERE channel_id = ? AND stopped_at IS NULL`,
			now(), oldChannelID); err != nil {
			return fmt.Errorf("stop channel %s: %w", oldChannelID, err)
		}
		return insertChannel(ctx, tx, next)
	})
}

// Get returns a channel by id, active or not, or core.ErrNotFound
func (s *ChannelStore) Get(ctx context.Context, channelID string) (*core.WebhookChannel, error) {
	row := s.db.conn.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM webhook_channels WHERE channel_id = ?`, channelID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %s: %w", channelID, core.ErrNotFound)
	}
	return ch, err
}

// GetActive returns the active channel of a calendar, or core.ErrNotFound
func (s *ChannelStore) GetActive(ctx context.Context, connectionID, calendarID string) (*core.WebhookChannel, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM webhook_channels
		WHERE connection_id = ? AND calendar_id = ? AND stopped_at IS NULL`, connectionID, calendarID)
	ch, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active channel %s/%s: %w", connectionID, calendarID, core.ErrNotFound)
	}
	return ch, err
}

// ListActiveByConnection returns all active channels of a connection
func (s *ChannelStore) ListActiveByConnection(ctx context.Context, connectionID string) ([]*core.WebhookChannel, error) {
	return s.list(ctx, `SELECT `+channelColumns+` FROM webhook_channels
		WHERE connection_id = ? AND stopped_at IS NULL ORDER BY calendar_id`, connectionID)
}

// ListExpiring returns active channels expiring before the given instant
func (s *ChannelStore) ListExpiring(ctx context.Context, before time.Time) ([]*core.WebhookChannel, error) {
	return s.list(ctx, `SELECT `+channelColumns+` FROM webhook_channels
		WHERE stopped_at IS NULL AND expires_at < ? ORDER BY expires_at`, before.UTC())
}

// MarkStopped records that a channel no longer delivers notifications
func (s *ChannelStore) MarkStopped(ctx context.Context, channelID string) error {
	_, err := s.db.conn.ExecContext(ctx,
		`UPDATE webhook_channels SET stopped_at = ? WHERE channel_id = ? AND stopped_at IS NULL`,
		now(), channelID)
	return err
}

func (s *ChannelStore) list(ctx context.Context, query string, args ...interface{}) ([]*core.WebhookChannel, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	var out []*core.WebhookChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func scanChannel(row rowScanner) (*core.WebhookChannel, error) {
	var ch core.WebhookChannel
	var stopped sql.NullTime
	err := row.Scan(&ch.ChannelID, &ch.ConnectionID, &ch.CalendarID, &ch.ResourceID, &ch.ResourceURI,
		&ch.TokenHash, &ch.Expiry, &ch.CreatedAt, &stopped)
	if err != nil {
		return nil, err
	}
	ch.Expiry = ch.Expiry.UTC()
	ch.CreatedAt = ch.CreatedAt.UTC()
	ch.StoppedAt = timePtr(stopped)
	return &ch, nil
}
