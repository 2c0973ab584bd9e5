package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/storage"
)

const (
	metaSalt     = "kdf_salt"
	metaKeyCheck = "key_check"
)

// SQLiteStore keeps sealed, versioned records in the local database.
type SQLiteStore struct {
	db     *storage.DB
	sealer *Sealer
	keep   int
}

// SQLiteOption configures a SQLiteStore
type SQLiteOption func(*SQLiteStore)

// WithRetainedVersions destroys versions older than the newest n on every put.
// Zero keeps every version.
func WithRetainedVersions(n int) SQLiteOption {
	return func(s *SQLiteStore) { s.keep = n }
}

// NewSQLiteStore opens the store, creating the key material on first use.
// A passphrase that does not match the stored key check is rejected.
func NewSQLiteStore(ctx context.Context, db *storage.DB, passphrase string, opts ...SQLiteOption) (*SQLiteStore, error) {
	salt, check, err := loadMeta(ctx, db.Conn())
	if err != nil {
		return nil, err
	}

	if salt == nil {
		if salt, err = NewSalt(); err != nil {
			return nil, err
		}
	}

	sealer, err := NewSealer(passphrase, salt)
	if err != nil {
		return nil, err
	}

	if check == nil {
		if check, err = sealer.KeyCheck(); err != nil {
			return nil, err
		}
		err = db.Transaction(ctx, func(tx *sql.Tx) error {
			for k, v := range map[string][]byte{metaSalt: salt, metaKeyCheck: check} {
				if _, err := tx.ExecContext(ctx, `INSERT INTO secret_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("store key material: %w", classify(err))
		}
	} else if err := sealer.Verify(check); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db, sealer: sealer, keep: 5}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func loadMeta(ctx context.Context, conn *sql.DB) (salt, check []byte, err error) {
	rows, err := conn.QueryContext(ctx, `SELECT key, value FROM secret_meta WHERE key IN (?, ?)`, metaSalt, metaKeyCheck)
	if err != nil {
		return nil, nil, fmt.Errorf("load key material: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, nil, err
		}
		switch k {
		case metaSalt:
			salt = v
		case metaKeyCheck:
			check = v
		}
	}
	return salt, check, rows.Err()
}

// Put seals rec and stores it as the next version.
func (s *SQLiteStore) Put(ctx context.Context, connectionID string, rec *core.TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("token record: %w", core.ErrMissingRequired)
	}
	if err := validate(connectionID, rec); err != nil {
		return err
	}

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	sealed, err := s.sealer.Seal(plaintext, []byte(connectionID))
	if err != nil {
		return err
	}

	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) FROM secret_versions WHERE connection_id = ?`,
			connectionID).Scan(&current); err != nil {
			return err
		}

		next := current + 1
		ts := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO secret_versions (connection_id, version, ciphertext, created_at)
			VALUES (?, ?, ?, ?)
		`, connectionID, next, sealed, ts); err != nil {
			return err
		}

		if s.keep > 0 && next > s.keep {
			if _, err := tx.ExecContext(ctx, `
				UPDATE secret_versions SET ciphertext = NULL, destroyed_at = ?
				WHERE connection_id = ? AND version <= ? AND destroyed_at IS NULL
			`, ts, connectionID, next-s.keep); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put secret %s: %w", connectionID, classify(err))
	}
	return nil
}

// Get returns the current version.
func (s *SQLiteStore) Get(ctx context.Context, connectionID string) (*core.TokenRecord, error) {
	var sealed []byte
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT ciphertext FROM secret_versions
		WHERE connection_id = ? AND destroyed_at IS NULL
		ORDER BY version DESC LIMIT 1
	`, connectionID).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("secret %s: %w", connectionID, core.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", connectionID, classify(err))
	}

	plaintext, err := s.sealer.Open(sealed, []byte(connectionID))
	if err != nil {
		return nil, fmt.Errorf("secret %s: %w", connectionID, err)
	}

	var rec core.TokenRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("secret %s: %w: %v", connectionID, core.ErrDecryptionFailed, err)
	}
	return &rec, nil
}

// Exists reports whether a current version exists without unsealing it.
func (s *SQLiteStore) Exists(ctx context.Context, connectionID string) (bool, error) {
	var exists bool
	err := s.db.Conn().QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM secret_versions WHERE connection_id = ? AND destroyed_at IS NULL)
	`, connectionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists secret %s: %w", connectionID, classify(err))
	}
	return exists, nil
}

// Delete destroys every version. Deleting a missing record is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.db.Conn().ExecContext(ctx, `
		UPDATE secret_versions SET ciphertext = NULL, destroyed_at = ?
		WHERE connection_id = ? AND destroyed_at IS NULL
	`, time.Now().UTC(), connectionID)
	if err != nil {
		return fmt.Errorf("delete secret %s: %w", connectionID, classify(err))
	}
	return nil
}

// Version returns the highest version ever written, destroyed or not.
func (s *SQLiteStore) Version(ctx context.Context, connectionID string) (int, error) {
	var v int
	err := s.db.Conn().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM secret_versions WHERE connection_id = ?`,
		connectionID).Scan(&v)
	if err != nil {
		return 0, classify(err)
	}
	return v, nil
}

// classify maps lock contention and deadlines to core.ErrStoreUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR:
			return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
		}
	}
	return err
}
