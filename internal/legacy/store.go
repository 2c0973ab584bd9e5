// Package legacy reads OAuth credentials from the store they lived in
// before the secret store existed. Records there hold plaintext tokens and
// are only ever listed, migrated and finally deleted.
package legacy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Credential is one legacy connection record.
type Credential struct {
	ConnectionID   string    `json:"connection_id" db:"id" bson:"_id"`
	UserID         string    `json:"user_id" db:"user_id" bson:"user_id"`
	Provider       string    `json:"provider" db:"provider" bson:"provider"`
	AccessToken    string    `json:"-" db:"access_token" bson:"access_token"`
	RefreshToken   string    `json:"-" db:"refresh_token" bson:"refresh_token"`
	TokenExpiresAt time.Time `json:"token_expires_at" db:"token_expires_at" bson:"token_expires_at"`
	CalendarEmail  string    `json:"calendar_email" db:"calendar_email" bson:"calendar_email"`
	IsActive       bool      `json:"is_active" db:"is_active" bson:"is_active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at" bson:"created_at"`
}

// Store is the legacy credential source.
type Store interface {
	// List returns every legacy record ordered by connection id.
	List(ctx context.Context) ([]*Credential, error)
	// DeleteAll removes the given records and returns how many existed.
	DeleteAll(ctx context.Context, ids []string) (int, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Credential
}

// NewMemoryStore creates a store holding creds.
func NewMemoryStore(creds ...*Credential) *MemoryStore {
	m := &MemoryStore{records: make(map[string]Credential)}
	for _, c := range creds {
		m.Add(c)
	}
	return m
}

// Add inserts or replaces a record.
func (m *MemoryStore) Add(c *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[c.ConnectionID] = *c
}

func (m *MemoryStore) List(ctx context.Context) ([]*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Credential, 0, len(m.records))
	for _, c := range m.records {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

func (m *MemoryStore) DeleteAll(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, ok := m.records[id]; ok {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
