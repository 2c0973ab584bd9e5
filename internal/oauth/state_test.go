package oauth

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/testutil"
)

func TestNewState(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := newState()
		require.NoError(t, err)
		assert.False(t, seen[s], "duplicate state")
		seen[s] = true
	}
}

func testStateStore(t *testing.T, store StateStore) {
	ctx := context.Background()
	st := AuthState{
		UserID:      "user-1",
		RedirectURI: "http://localhost/callback",
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}

	require.NoError(t, store.Save(ctx, "state-a", st))

	got, err := store.Consume(ctx, "state-a")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, st.RedirectURI, got.RedirectURI)

	_, err = store.Consume(ctx, "state-a")
	assert.ErrorIs(t, err, core.ErrInvalidState, "state is single-use")

	_, err = store.Consume(ctx, "state-unknown")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	st.ExpiresAt = time.Now().Add(-time.Second)
	assert.ErrorIs(t, store.Save(ctx, "state-b", st), core.ErrInvalidInput)
}

func TestMemoryStateStore(t *testing.T) {
	testStateStore(t, NewMemoryStateStore(time.Minute))
}

func TestMemoryStateStore_Expiry(t *testing.T) {
	store := NewMemoryStateStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "short", AuthState{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(20 * time.Millisecond),
	}))
	require.NoError(t, store.Save(ctx, "long", AuthState{
		UserID:    "user-1",
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	time.Sleep(50 * time.Millisecond)

	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	_, err = store.Consume(ctx, "short")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestRedisStateStore(t *testing.T) {
	addr := testutil.RequireEnv(t, "TEST_REDIS_ADDR")

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	prefix := "labcal:test:" + testutil.RandomID() + ":"
	testStateStore(t, NewRedisStateStore(client, prefix))
}
