// Package secrets holds OAuth credentials for calendar connections.
//
// Every backend behaves the same way: a put replaces the whole record
// atomically and becomes the new current version, a get of a missing or
// deleted record returns core.ErrNotFound, and a backend outage surfaces as
// core.ErrStoreUnavailable so callers can retry it instead of treating the
// connection as unlinked.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantumlife/labcal/internal/core"
)

// Store is the credential store contract.
type Store interface {
	Put(ctx context.Context, connectionID string, rec *core.TokenRecord) error
	Get(ctx context.Context, connectionID string) (*core.TokenRecord, error)
	Exists(ctx context.Context, connectionID string) (bool, error)
	Delete(ctx context.Context, connectionID string) error
}

func validate(connectionID string, rec *core.TokenRecord) error {
	if connectionID == "" {
		return fmt.Errorf("connection id: %w", core.ErrMissingRequired)
	}
	if rec != nil && rec.RefreshToken == "" && rec.AccessToken == "" {
		return fmt.Errorf("token record has no tokens: %w", core.ErrInvalidInput)
	}
	return nil
}

// MemoryStore keeps records in process memory. Used by tests and by the
// daemon when no persistent backend is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]core.TokenRecord
	versions map[string]int
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]core.TokenRecord),
		versions: make(map[string]int),
	}
}

func (m *MemoryStore) Put(ctx context.Context, connectionID string, rec *core.TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("token record: %w", core.ErrMissingRequired)
	}
	if err := validate(connectionID, rec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[connectionID] = *rec
	m.versions[connectionID]++
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, connectionID string) (*core.TokenRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[connectionID]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", connectionID, core.ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryStore) Exists(ctx context.Context, connectionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[connectionID]
	return ok, nil
}

func (m *MemoryStore) Delete(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, connectionID)
	return nil
}

// Version returns how many puts the record has seen.
func (m *MemoryStore) Version(connectionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versions[connectionID]
}

// Len returns the number of live records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
