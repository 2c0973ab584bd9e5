// Package pgstore reads legacy credentials from the PostgreSQL
// calendar_connections table.
package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/legacy"
	"github.com/quantumlife/labcal/internal/logging"
)

// Store is a legacy.Store over the calendar_connections table.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
}

// Open connects to dsn.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn: %w", core.ErrMissingRequired)
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: connect postgres: %v", core.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return New(db), nil
}

// New wraps an open handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, log: logging.Component("legacy-postgres")}
}

func (s *Store) List(ctx context.Context) ([]*legacy.Credential, error) {
	query := `
		SELECT id::text AS id, user_id::text AS user_id, provider,
		       COALESCE(access_token, '') AS access_token,
		       COALESCE(refresh_token, '') AS refresh_token,
		       COALESCE(token_expires_at, to_timestamp(0)) AS token_expires_at,
		       COALESCE(calendar_email, '') AS calendar_email,
		       is_active, created_at
		FROM calendar_connections
		ORDER BY id
	`
	var out []*legacy.Credential
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("%w: list legacy credentials: %v", core.ErrStoreUnavailable, err)
	}
	for _, c := range out {
		c.TokenExpiresAt = c.TokenExpiresAt.UTC()
		c.CreatedAt = c.CreatedAt.UTC()
	}
	return out, nil
}

func (s *Store) DeleteAll(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM calendar_connections WHERE id::text IN (?)`, ids)
	if err != nil {
		return 0, err
	}
	query = s.db.Rebind(query)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: delete legacy credentials: %v", core.ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.log.WithContext(ctx).WithField("deleted", n).Info("legacy credentials deleted")
	return int(n), nil
}

// Close closes the handle.
func (s *Store) Close() error {
	return s.db.Close()
}
