package calsync

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/storage"
	"github.com/quantumlife/labcal/internal/testutil"
)

// gatedSyncer blocks every pass until release is closed.
type gatedSyncer struct {
	release chan struct{}

	mu        sync.Mutex
	calls     map[string]int
	active    int32
	maxActive int32
}

func newGatedSyncer() *gatedSyncer {
	return &gatedSyncer{release: make(chan struct{}), calls: make(map[string]int)}
}

func (g *gatedSyncer) Sync(_ context.Context, connectionID string) (*Result, error) {
	n := atomic.AddInt32(&g.active, 1)
	defer atomic.AddInt32(&g.active, -1)
	for {
		max := atomic.LoadInt32(&g.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&g.maxActive, max, n) {
			break
		}
	}

	g.mu.Lock()
	g.calls[connectionID]++
	g.mu.Unlock()

	<-g.release
	return &Result{ConnectionID: connectionID}, nil
}

func (g *gatedSyncer) count(connectionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[connectionID]
}

func TestCoordinator_CoalescesTriggers(t *testing.T) {
	syncer := newGatedSyncer()
	c := NewCoordinator(syncer, nil, 4)

	c.Trigger("conn-1")
	testutil.Eventually(t, time.Second, func() bool { return syncer.count("conn-1") == 1 })

	// Run returns at once when a pass is already running.
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Run(context.Background(), "conn-1"))
	}
	assert.True(t, c.Running("conn-1"))

	close(syncer.release)
	c.Wait()

	assert.Equal(t, 2, syncer.count("conn-1"), "all triggers during a pass collapse into one re-run")
	assert.False(t, c.Running("conn-1"))
}

func TestCoordinator_WorkerBound(t *testing.T) {
	syncer := newGatedSyncer()
	c := NewCoordinator(syncer, nil, 2)

	for _, id := range []string{"a", "b", "c", "d"} {
		c.Trigger(id)
	}
	testutil.Eventually(t, time.Second, func() bool { return atomic.LoadInt32(&syncer.active) == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&syncer.active))

	close(syncer.release)
	c.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&syncer.maxActive))
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, syncer.count(id))
	}
}

// Concurrent triggers against a slow provider never overlap list calls
// for one connection.
func TestCoordinator_OneListCallAtATime(t *testing.T) {
	fake := testutil.NewFakeProvider()
	fake.ListDelay = 30 * time.Millisecond
	env := newSyncEnv(t, fake)
	fake.Put(testutil.EventFixture("ev-1", time.Now()))

	c := NewCoordinator(env.engine, env.conns, 8)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger(env.conn.ID)
		}()
	}
	wg.Wait()
	c.Wait()

	assert.Equal(t, int64(1), fake.MaxConcurrentLists())
	assert.Less(t, fake.ListCalls(), int64(20))

	conn, err := env.conns.Get(context.Background(), env.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, conn.LastSyncAt)
	assert.Len(t, env.mirror(t), 1)
}

func TestCoordinator_SyncAll(t *testing.T) {
	db := testutil.TestDB(t)
	conns := storage.NewConnectionStore(db)
	ctx := context.Background()

	var active []string
	for i := 0; i < 3; i++ {
		active = append(active, testutil.CreateConnection(t, conns, "user-"+testutil.RandomID()).ID)
	}
	revoked := testutil.CreateConnection(t, conns, "user-revoked")
	require.NoError(t, conns.SetStatus(ctx, revoked.ID, core.StatusRevoked, ""))

	syncer := newGatedSyncer()
	close(syncer.release)
	c := NewCoordinator(syncer, conns, 2)

	synced, failed, err := c.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, synced)
	assert.Zero(t, failed)
	for _, id := range active {
		assert.Equal(t, 1, syncer.count(id))
	}
	assert.Zero(t, syncer.count(revoked.ID))

	n, err := c.TriggerAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	c.Wait()
	for _, id := range active {
		assert.Equal(t, 2, syncer.count(id))
	}
}
