package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/storage"
	"github.com/quantumlife/labcal/internal/testutil"
)

type staticTokens struct{}

func (staticTokens) WithToken(_ context.Context, _ string, fn func(string) error) error {
	return fn("at-test")
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Enqueue(_ context.Context, connectionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, connectionID)
	return nil
}

func (d *recordingDispatcher) enqueued() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ids...)
}

type webhookEnv struct {
	mgr        *Manager
	fake       *testutil.FakeProvider
	channels   *storage.ChannelStore
	conns      *storage.ConnectionStore
	dispatcher *recordingDispatcher
	conn       *core.Connection

	mu     sync.Mutex
	tokens map[string]string // channel id -> plaintext token
}

func newWebhookEnv(t *testing.T, cfg Config) *webhookEnv {
	t.Helper()
	db := testutil.TestDB(t)
	env := &webhookEnv{
		fake:       testutil.NewFakeProvider(),
		channels:   storage.NewChannelStore(db),
		conns:      storage.NewConnectionStore(db),
		dispatcher: &recordingDispatcher{},
		tokens:     make(map[string]string),
	}
	env.fake.WatchFunc = func(_ context.Context, _ string, req provider.WatchRequest) (*provider.Channel, error) {
		env.mu.Lock()
		env.tokens[req.ChannelID] = req.Token
		env.mu.Unlock()
		return &provider.Channel{
			ID:         req.ChannelID,
			ResourceID: "res-" + req.CalendarID,
			Expiration: time.Now().Add(req.TTL),
		}, nil
	}
	if cfg.Address == "" {
		cfg.Address = "https://labcal.example.com/api/v1/calendar/webhook"
	}
	env.mgr = NewManager(cfg, env.fake, staticTokens{}, env.channels, env.conns, env.dispatcher)
	env.conn = testutil.CreateConnection(t, env.conns, "user-1")
	return env
}

func (e *webhookEnv) token(channelID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokens[channelID]
}

func TestEnsureChannel(t *testing.T) {
	env := newWebhookEnv(t, Config{})
	ctx := context.Background()

	ch, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	assert.Equal(t, "res-primary", ch.ResourceID)
	assert.True(t, ch.Active())
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), ch.Expiry, time.Minute)

	token := env.token(ch.ChannelID)
	require.NotEmpty(t, token)
	stored, err := env.channels.Get(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, HashToken(token), stored.TokenHash)
	assert.NotEqual(t, token, stored.TokenHash)

	again, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	assert.Equal(t, ch.ChannelID, again.ChannelID)
	assert.Equal(t, int64(1), env.fake.WatchCalls())
}

func TestEnsureChannel_RequiresAddress(t *testing.T) {
	env := newWebhookEnv(t, Config{})
	env.mgr.cfg.Address = ""

	_, err := env.mgr.EnsureChannel(context.Background(), env.conn.ID, "primary")
	assert.ErrorIs(t, err, core.ErrMissingRequired)
	assert.Zero(t, env.fake.WatchCalls())
}

func TestRenewExpiring(t *testing.T) {
	env := newWebhookEnv(t, Config{ChannelTTL: time.Hour, RenewBefore: 48 * time.Hour})
	ctx := context.Background()

	old, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)

	// The successor must exist before the old channel is stopped.
	stoppedAtWatch := -1
	watch := env.fake.WatchFunc
	env.fake.WatchFunc = func(ctx context.Context, at string, req provider.WatchRequest) (*provider.Channel, error) {
		stoppedAtWatch = len(env.fake.Stopped())
		return watch(ctx, at, req)
	}

	report, err := env.mgr.RenewExpiring(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Renewed)
	assert.Zero(t, stoppedAtWatch)

	active, err := env.channels.GetActive(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	assert.NotEqual(t, old.ChannelID, active.ChannelID)

	prev, err := env.channels.Get(ctx, old.ChannelID)
	require.NoError(t, err)
	assert.False(t, prev.Active())
	assert.Equal(t, []string{old.ChannelID}, env.fake.Stopped())
}

func TestRenewExpiring_FailureKeepsOldChannel(t *testing.T) {
	env := newWebhookEnv(t, Config{ChannelTTL: time.Hour})
	ctx := context.Background()

	old, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)

	env.fake.WatchFunc = func(context.Context, string, provider.WatchRequest) (*provider.Channel, error) {
		return nil, core.ErrTransientProvider
	}

	report, err := env.mgr.RenewExpiring(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	active, err := env.channels.GetActive(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	assert.Equal(t, old.ChannelID, active.ChannelID)
	assert.Empty(t, env.fake.Stopped())
}

func TestRenewExpiring_DropsInactiveConnections(t *testing.T) {
	env := newWebhookEnv(t, Config{ChannelTTL: time.Hour})
	ctx := context.Background()

	old, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	require.NoError(t, env.conns.SetStatus(ctx, env.conn.ID, core.StatusRevoked, ""))

	report, err := env.mgr.RenewExpiring(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)
	assert.Equal(t, int64(1), env.fake.WatchCalls())

	prev, err := env.channels.Get(ctx, old.ChannelID)
	require.NoError(t, err)
	assert.False(t, prev.Active())
}

func TestHandleNotification(t *testing.T) {
	env := newWebhookEnv(t, Config{})
	ctx := context.Background()

	ch, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	token := env.token(ch.ChannelID)

	tests := []struct {
		name     string
		n        Notification
		wantErr  error
		enqueued bool
	}{
		{
			name:    "unknown channel",
			n:       Notification{ChannelID: "nope", ResourceID: ch.ResourceID, Token: token, State: "exists"},
			wantErr: ErrUnknownChannel,
		},
		{
			name:    "wrong token",
			n:       Notification{ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, Token: "forged", State: "exists"},
			wantErr: ErrChannelMismatch,
		},
		{
			name:    "missing token",
			n:       Notification{ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, State: "exists"},
			wantErr: ErrChannelMismatch,
		},
		{
			name:    "wrong resource",
			n:       Notification{ChannelID: ch.ChannelID, ResourceID: "res-other", Token: token, State: "exists"},
			wantErr: ErrChannelMismatch,
		},
		{
			name: "handshake",
			n:    Notification{ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, Token: token, State: StateSync},
		},
		{
			name:     "change",
			n:        Notification{ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, Token: token, State: "exists"},
			enqueued: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(env.dispatcher.enqueued())
			err := env.mgr.HandleNotification(ctx, tt.n)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			after := env.dispatcher.enqueued()
			if tt.enqueued {
				require.Len(t, after, before+1)
				assert.Equal(t, env.conn.ID, after[len(after)-1])
			} else {
				assert.Len(t, after, before)
			}
		})
	}
}

func TestHandleNotification_StoppedChannel(t *testing.T) {
	env := newWebhookEnv(t, Config{})
	ctx := context.Background()

	ch, err := env.mgr.EnsureChannel(ctx, env.conn.ID, "primary")
	require.NoError(t, err)
	token := env.token(ch.ChannelID)

	require.NoError(t, env.mgr.StopForConnection(ctx, env.conn.ID))
	assert.Equal(t, []string{ch.ChannelID}, env.fake.Stopped())

	err = env.mgr.HandleNotification(ctx, Notification{
		ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, Token: token, State: "exists",
	})
	assert.ErrorIs(t, err, ErrUnknownChannel)
	assert.Empty(t, env.dispatcher.enqueued())

	active, err := env.channels.ListActiveByConnection(ctx, env.conn.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestEnsureForConnection(t *testing.T) {
	env := newWebhookEnv(t, Config{})
	ctx := context.Background()

	require.NoError(t, env.conns.SetCalendars(ctx, env.conn.ID, []string{"primary", "lab@group.calendar.google.com"}))
	conn, err := env.conns.Get(ctx, env.conn.ID)
	require.NoError(t, err)

	require.NoError(t, env.mgr.EnsureForConnection(ctx, conn))
	active, err := env.channels.ListActiveByConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestTokenMatches(t *testing.T) {
	hash := HashToken("secret")
	assert.True(t, tokenMatches("secret", hash))
	assert.False(t, tokenMatches("Secret", hash))
	assert.False(t, tokenMatches("", hash))
	assert.False(t, tokenMatches("secret", ""))
}
