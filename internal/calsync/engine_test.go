package calsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/storage"
	"github.com/quantumlife/labcal/internal/testutil"
)

// stubTokens hands out a fixed token. RequireReconnect marks the
// connection the way the token manager does.
type stubTokens struct {
	err        error
	refreshErr error
	conns      *storage.ConnectionStore
	calls      atomic.Int64
	forced     atomic.Int64
	reconnects atomic.Int64
}

func (s *stubTokens) WithToken(_ context.Context, _ string, fn func(string) error) error {
	s.calls.Add(1)
	if s.err != nil {
		return s.err
	}
	return fn("at-test")
}

func (s *stubTokens) ForceRefresh(context.Context, string) error {
	s.forced.Add(1)
	return s.refreshErr
}

func (s *stubTokens) RequireReconnect(ctx context.Context, connectionID, reason string) error {
	s.reconnects.Add(1)
	if err := s.conns.SetStatus(ctx, connectionID, core.StatusError, reason); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", core.ErrAuthenticationRequired, reason)
}

type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *recordingObserver) SyncFinished(_ context.Context, _ *core.Connection, _ *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

type syncEnv struct {
	engine   *Engine
	fake     *testutil.FakeProvider
	tokens   *stubTokens
	conns    *storage.ConnectionStore
	events   *storage.EventStore
	states   *storage.SyncStateStore
	observer *recordingObserver
	conn     *core.Connection
}

func testConfig() Config {
	return Config{
		WindowPast:   183 * 24 * time.Hour,
		WindowFuture: 365 * 24 * time.Hour,
		MaxAttempts:  3,
		Backoff:      Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
	}
}

func newSyncEnv(t *testing.T, p provider.Provider, opts ...Option) *syncEnv {
	t.Helper()
	db := testutil.TestDB(t)
	conns := storage.NewConnectionStore(db)
	env := &syncEnv{
		tokens:   &stubTokens{conns: conns},
		conns:    conns,
		events:   storage.NewEventStore(db),
		states:   storage.NewSyncStateStore(db),
		observer: &recordingObserver{},
	}
	if f, ok := p.(*testutil.FakeProvider); ok {
		env.fake = f
	}
	opts = append([]Option{WithObserver(env.observer)}, opts...)
	env.engine = NewEngine(testConfig(), p, env.tokens, env.conns, env.events, env.states, opts...)
	env.conn = testutil.CreateConnection(t, env.conns, "user-1")
	return env
}

func (e *syncEnv) mirror(t *testing.T) []*core.MirroredEvent {
	t.Helper()
	events, err := e.events.List(context.Background(), storage.EventQuery{ConnectionID: e.conn.ID})
	require.NoError(t, err)
	return events
}

func (e *syncEnv) token(t *testing.T) string {
	t.Helper()
	st, err := e.states.Get(context.Background(), e.conn.ID, "primary")
	require.NoError(t, err)
	return st.SyncToken
}

func ids(events []*core.MirroredEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ExternalID
	}
	return out
}

func TestInitialSync(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	ctx := context.Background()

	base := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	fake.Put(testutil.EventFixture("ev-1", base))
	fake.Put(testutil.EventFixture("ev-2", base.Add(2*time.Hour)))
	fake.Put(testutil.EventFixture("ev-3", base.Add(4*time.Hour)))
	fake.Put(testutil.EventFixture("ev-gone", base))
	fake.Cancel("primary", "ev-gone")

	res, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, KindInitial, res.Kind())
	require.Len(t, res.Calendars, 1)
	assert.Equal(t, 3, res.Calendars[0].Upserted)

	events := env.mirror(t)
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, ids(events))
	for _, ev := range events {
		assert.True(t, ev.ReadOnly)
		assert.Equal(t, core.EventSynced, ev.SyncStatus)
		assert.Len(t, ev.Attendees, 2)
		assert.Equal(t, "https://calendar.google.com/event?eid="+ev.ExternalID, ev.ExternalLink)
	}

	assert.Equal(t, fake.CurrentToken(), env.token(t))

	queries := fake.Queries()
	require.Len(t, queries, 1)
	assert.False(t, queries[0].Incremental())
	assert.WithinDuration(t, time.Now().Add(-183*24*time.Hour), queries[0].TimeMin, time.Minute)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), queries[0].TimeMax, time.Minute)

	conn, err := env.conns.Get(ctx, env.conn.ID)
	require.NoError(t, err)
	require.NotNil(t, conn.LastSyncAt)
	assert.False(t, conn.Degraded)
	assert.Len(t, env.observer.errs, 1)
	assert.NoError(t, env.observer.errs[0])
}

func TestInitialSync_Paged(t *testing.T) {
	fake := testutil.NewFakeProvider()
	fake.PageSize = 2
	env := newSyncEnv(t, fake)

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		fake.Put(testutil.EventFixture(id, time.Now()))
	}

	res, err := env.engine.Sync(context.Background(), env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Calendars[0].Pages)
	assert.Len(t, env.mirror(t), 5)

	var pageTokens []string
	for _, q := range fake.Queries() {
		pageTokens = append(pageTokens, q.PageToken)
	}
	assert.Equal(t, []string{"", "P2", "P4"}, pageTokens)
}

func TestInitialSync_PrunesMissingEvents(t *testing.T) {
	fake := testutil.NewFakeProvider()
	clock := time.Now()
	env := newSyncEnv(t, fake, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	fake.Put(testutil.EventFixture("keep", time.Now()))
	fake.Put(testutil.EventFixture("drop", time.Now()))
	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)

	// The event disappears and the token is lost: only a full listing
	// can notice.
	fake.Cancel("primary", "drop")
	fake.InvalidateTokens()
	clock = clock.Add(time.Minute)

	res, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Calendars[0].Pruned)
	assert.Equal(t, []string{"keep"}, ids(env.mirror(t)))
}

func TestIncrementalSync(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	ctx := context.Background()

	start := time.Now().Truncate(time.Hour)
	fake.Put(testutil.EventFixture("ev-1", start))
	fake.Put(testutil.EventFixture("ev-2", start))
	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	t0 := env.token(t)

	changed := testutil.EventFixture("ev-1", start)
	changed.Summary = "Moved lab meeting"
	fake.Put(changed)
	fake.Cancel("primary", "ev-2")
	fake.Put(testutil.EventFixture("ev-3", start))

	res, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, KindIncremental, res.Kind())
	assert.Equal(t, 2, res.Calendars[0].Upserted)
	assert.Equal(t, 1, res.Calendars[0].Deleted)

	queries := fake.Queries()
	assert.Equal(t, t0, queries[len(queries)-1].SyncToken)

	events := env.mirror(t)
	assert.Equal(t, []string{"ev-1", "ev-3"}, ids(events))
	assert.Equal(t, "Moved lab meeting", events[0].Title)
	assert.NotEqual(t, t0, env.token(t))
}

func TestIncrementalSync_Idempotent(t *testing.T) {
	fake := testutil.NewFakeProvider()
	fake.PageSize = 1
	fixed := time.Now().UTC().Truncate(time.Second)
	env := newSyncEnv(t, fake, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	start := time.Now().Truncate(time.Hour)
	fake.Put(testutil.EventFixture("ev-1", start))
	fake.Put(testutil.EventFixture("ev-2", start))
	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	t0 := env.token(t)

	fake.Put(testutil.EventFixture("ev-3", start))
	fake.Cancel("primary", "ev-1")

	_, err = env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	first := env.mirror(t)
	t1 := env.token(t)

	// Replay the same page sequence from the old token.
	st, err := env.states.Get(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	st.SyncToken = t0
	require.NoError(t, env.states.Put(ctx, st))

	_, err = env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)

	assert.Equal(t, first, env.mirror(t))
	assert.Equal(t, t1, env.token(t))
}

// C1: a stale token leads to a full sync and a new token, and the stale
// token is sent exactly once.
func TestSyncTokenInvalid_RunsFullSync(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	ctx := context.Background()

	fake.Put(testutil.EventFixture("ev-1", time.Now()))
	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	t0 := env.token(t)

	fake.InvalidateTokens()
	fake.Put(testutil.EventFixture("ev-2", time.Now()))

	res, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, KindInitial, res.Kind())
	assert.Equal(t, 1, res.Attempts, "a stale token is not a retryable failure")

	t1 := env.token(t)
	assert.NotEqual(t, t0, t1)
	assert.Equal(t, fake.CurrentToken(), t1)

	staleUses := 0
	for _, q := range fake.Queries() {
		if q.SyncToken == t0 {
			staleUses++
		}
	}
	assert.Equal(t, 1, staleUses)
	assert.Equal(t, []string{"ev-1", "ev-2"}, ids(env.mirror(t)))

	// The new token works incrementally.
	_, err = env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	queries := fake.Queries()
	assert.Equal(t, t1, queries[len(queries)-1].SyncToken)
}

func TestSync_TransientErrorRetried(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)

	fake.Put(testutil.EventFixture("ev-1", time.Now()))
	fake.FailNextList(core.ErrTransientProvider)

	res, err := env.engine.Sync(context.Background(), env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Len(t, env.mirror(t), 1)
}

func TestSync_RetriesExhaustedDegrades(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	ctx := context.Background()

	fake.Put(testutil.EventFixture("ev-1", time.Now()))
	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	t0 := env.token(t)

	fake.FailNextList(core.ErrTransientProvider, core.ErrTransientProvider, core.ErrTransientProvider)
	res, err := env.engine.Sync(ctx, env.conn.ID)
	require.ErrorIs(t, err, core.ErrTransientProvider)
	assert.Equal(t, 3, res.Attempts)

	conn, err := env.conns.Get(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusActive, conn.Status)
	assert.True(t, conn.Degraded)
	assert.NotEmpty(t, conn.LastError)
	assert.Equal(t, t0, env.token(t), "token untouched by a failed pass")

	for _, ev := range env.mirror(t) {
		assert.Equal(t, core.EventStale, ev.SyncStatus)
	}

	// Recovery clears the degradation.
	_, err = env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	conn, err = env.conns.Get(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.False(t, conn.Degraded)
	assert.Empty(t, conn.LastError)
	for _, ev := range env.mirror(t) {
		assert.Equal(t, core.EventSynced, ev.SyncStatus)
	}

	require.Len(t, env.observer.errs, 3)
	assert.Error(t, env.observer.errs[1])
}

func TestSync_AuthenticationRequiredAborts(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	env.tokens.err = core.ErrAuthenticationRequired

	res, err := env.engine.Sync(context.Background(), env.conn.ID)
	require.ErrorIs(t, err, core.ErrAuthenticationRequired)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(1), env.tokens.calls.Load())
	assert.Zero(t, fake.ListCalls())

	conn, err := env.conns.Get(context.Background(), env.conn.ID)
	require.NoError(t, err)
	assert.False(t, conn.Degraded)
}

func TestSync_RefusedTokenIsRefreshedOnce(t *testing.T) {
	fake := testutil.NewFakeProvider()
	fake.Put(testutil.EventFixture("ev-1", time.Now().Add(24*time.Hour)))
	env := newSyncEnv(t, fake)
	fake.FailNextList(core.ErrAuthenticationRequired)

	_, err := env.engine.Sync(context.Background(), env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), env.tokens.forced.Load())
	assert.Zero(t, env.tokens.reconnects.Load())
	assert.Len(t, env.mirror(t), 1)
}

func TestSync_RefusedAfterRefreshRequiresReconnect(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	fake.FailNextList(core.ErrAuthenticationRequired, core.ErrAuthenticationRequired)

	_, err := env.engine.Sync(context.Background(), env.conn.ID)
	require.ErrorIs(t, err, core.ErrAuthenticationRequired)
	assert.Equal(t, int64(1), env.tokens.forced.Load())
	assert.Equal(t, int64(1), env.tokens.reconnects.Load())
	assert.Equal(t, int64(2), fake.ListCalls())

	conn, err := env.conns.Get(context.Background(), env.conn.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusError, conn.Status)
	assert.NotEmpty(t, conn.LastError)
	assert.False(t, conn.Degraded)
}

func TestSync_RejectedForcedRefreshAborts(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	env.tokens.refreshErr = fmt.Errorf("%w: refresh token rejected by provider", core.ErrAuthenticationRequired)
	fake.FailNextList(core.ErrAuthenticationRequired)

	_, err := env.engine.Sync(context.Background(), env.conn.ID)
	require.ErrorIs(t, err, core.ErrAuthenticationRequired)
	assert.Equal(t, int64(1), fake.ListCalls())
	assert.Zero(t, env.tokens.reconnects.Load())
}

func TestSync_SharedEventInTwoCalendars(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	ctx := context.Background()
	require.NoError(t, env.conns.SetCalendars(ctx, env.conn.ID, []string{"primary", "lab"}))

	start := time.Now().Add(24 * time.Hour).Truncate(time.Hour)
	shared := testutil.EventFixture("shared", start)
	fake.Put(shared)
	shared.CalendarID = "lab"
	fake.Put(shared)

	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)
	require.Len(t, env.mirror(t), 2)

	fake.Cancel("lab", "shared")
	_, err = env.engine.Sync(ctx, env.conn.ID)
	require.NoError(t, err)

	events := env.mirror(t)
	require.Len(t, events, 1)
	assert.Equal(t, "primary", events[0].CalendarID)
	assert.Equal(t, "shared", events[0].ExternalID)
}

func TestSync_InactiveConnection(t *testing.T) {
	fake := testutil.NewFakeProvider()
	env := newSyncEnv(t, fake)
	ctx := context.Background()

	require.NoError(t, env.conns.SetStatus(ctx, env.conn.ID, core.StatusError, "rejected"))
	_, err := env.engine.Sync(ctx, env.conn.ID)
	assert.ErrorIs(t, err, core.ErrAuthenticationRequired)

	require.NoError(t, env.conns.SetStatus(ctx, env.conn.ID, core.StatusRevoked, ""))
	_, err = env.engine.Sync(ctx, env.conn.ID)
	assert.ErrorIs(t, err, core.ErrConnectionRevoked)

	_, err = env.engine.Sync(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Zero(t, fake.ListCalls())
}

// failSecondPage fails every request for a follow-up page.
type failSecondPage struct {
	*testutil.FakeProvider
}

func (f failSecondPage) ListEvents(ctx context.Context, accessToken string, q provider.EventQuery) (*provider.EventPage, error) {
	if q.PageToken != "" {
		return nil, core.ErrTransientProvider
	}
	return f.FakeProvider.ListEvents(ctx, accessToken, q)
}

func TestIncrementalSync_TokenStoredOnlyAfterLastPage(t *testing.T) {
	fake := testutil.NewFakeProvider()
	fake.PageSize = 1
	env := newSyncEnv(t, failSecondPage{fake})
	ctx := context.Background()

	// Seed the cursor directly: the initial listing would need two pages.
	t0 := fake.CurrentToken()
	require.NoError(t, env.states.Put(ctx, &core.SyncState{
		ConnectionID: env.conn.ID,
		CalendarID:   "primary",
		SyncToken:    t0,
	}))
	fake.Put(testutil.EventFixture("ev-1", time.Now()))
	fake.Put(testutil.EventFixture("ev-2", time.Now()))

	_, err := env.engine.Sync(ctx, env.conn.ID)
	require.ErrorIs(t, err, core.ErrTransientProvider)
	assert.Equal(t, t0, env.token(t))
}
