package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/redis/go-redis/v9"

	"github.com/quantumlife/labcal/internal/core"
)

// AuthState binds a pending authorization to the user who started it.
type AuthState struct {
	UserID      string    `json:"user_id"`
	RedirectURI string    `json:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// StateStore holds pending authorization states. Consume is atomic: a
// state can be consumed at most once.
type StateStore interface {
	Save(ctx context.Context, state string, st AuthState) error
	Consume(ctx context.Context, state string) (*AuthState, error)
	DeleteExpired(ctx context.Context) (int, error)
}

func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// MemoryStateStore keeps states in process memory.
type MemoryStateStore struct {
	cache *ttlcache.Cache[string, AuthState]
	now   func() time.Time
}

// NewMemoryStateStore creates a store whose entries expire after ttl.
func NewMemoryStateStore(ttl time.Duration) *MemoryStateStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, AuthState](ttl),
		ttlcache.WithDisableTouchOnHit[string, AuthState](),
	)
	return &MemoryStateStore{cache: cache, now: time.Now}
}

// Start runs the background expiry loop until Stop is called.
func (s *MemoryStateStore) Start() { go s.cache.Start() }

// Stop ends the expiry loop.
func (s *MemoryStateStore) Stop() { s.cache.Stop() }

func (s *MemoryStateStore) Save(_ context.Context, state string, st AuthState) error {
	ttl := st.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("state already expired: %w", core.ErrInvalidInput)
	}
	s.cache.Set(state, st, ttl)
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (*AuthState, error) {
	item, ok := s.cache.GetAndDelete(state)
	if !ok || item == nil {
		return nil, core.ErrInvalidState
	}
	st := item.Value()
	if !st.ExpiresAt.After(s.now()) {
		return nil, fmt.Errorf("%w: expired", core.ErrInvalidState)
	}
	return &st, nil
}

func (s *MemoryStateStore) DeleteExpired(context.Context) (int, error) {
	before := s.cache.Len()
	s.cache.DeleteExpired()
	return before - s.cache.Len(), nil
}

// Len returns the number of pending states.
func (s *MemoryStateStore) Len() int { return s.cache.Len() }

// RedisStateStore shares states between instances.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a Redis-backed store.
func NewRedisStateStore(client *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "labcal:oauth:state:"
	}
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) Save(ctx context.Context, state string, st AuthState) error {
	ttl := time.Until(st.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("state already expired: %w", core.ErrInvalidInput)
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: save state: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (*AuthState, error) {
	data, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrInvalidState
	}
	if err != nil {
		return nil, fmt.Errorf("%w: consume state: %v", core.ErrStoreUnavailable, err)
	}

	var st AuthState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: corrupt state", core.ErrInvalidState)
	}
	if !st.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: expired", core.ErrInvalidState)
	}
	return &st, nil
}

// DeleteExpired is a no-op; Redis expires keys itself.
func (s *RedisStateStore) DeleteExpired(context.Context) (int, error) { return 0, nil }
