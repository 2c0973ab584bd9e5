// Package oauth links calendar accounts and keeps their access tokens fresh.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/ledger"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/secrets"
	"github.com/quantumlife/labcal/internal/storage"
)

// Notifier is told when a connection needs the user to consent again.
type Notifier interface {
	ReconnectRequired(ctx context.Context, conn *core.Connection, reason string)
}

// LogNotifier only logs.
type LogNotifier struct{}

func (LogNotifier) ReconnectRequired(ctx context.Context, conn *core.Connection, reason string) {
	logging.Component("oauth").WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": conn.ID,
		"user_id":       conn.UserID,
	}).Warn("calendar connection needs to be reconnected: %s", reason)
}

// ChannelStopper stops the push channels of a connection.
type ChannelStopper interface {
	StopForConnection(ctx context.Context, connectionID string) error
}

// MirrorStore holds per-connection sync data that unlink discards.
type MirrorStore interface {
	DeleteForConnection(ctx context.Context, connectionID string) error
}

// Auditor records link and unlink events.
type Auditor interface {
	Append(ctx context.Context, rec ledger.Record) (*ledger.Entry, error)
}

// Config for the manager
type Config struct {
	RedirectURL   string
	StateTTL      time.Duration
	RefreshMargin time.Duration
}

// AuthStart is returned to the client to open the consent popup.
type AuthStart struct {
	AuthorizationURL string    `json:"authorization_url"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Manager owns the connection lifecycle: linking, refresh and unlink.
type Manager struct {
	cfg      Config
	provider provider.Provider
	secrets  secrets.Store
	conns    *storage.ConnectionStore
	states   StateStore
	notifier Notifier
	auditor  Auditor
	mirrors  []MirrorStore
	log      *logging.Logger
	now      func() time.Time

	refreshGroup singleflight.Group

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	hooksMu  sync.RWMutex
	onLinked func(ctx context.Context, conn *core.Connection)
	stopper  ChannelStopper
}

// Option configures a Manager
type Option func(*Manager)

// WithNotifier sets the reconnect notifier
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithAuditor records link lifecycle events
func WithAuditor(a Auditor) Option { return func(m *Manager) { m.auditor = a } }

// WithMirrors sets the stores purged on unlink
func WithMirrors(stores ...MirrorStore) Option {
	return func(m *Manager) { m.mirrors = append(m.mirrors, stores...) }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a connection manager
func NewManager(cfg Config, p provider.Provider, store secrets.Store, conns *storage.ConnectionStore, states StateStore, opts ...Option) *Manager {
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}

	m := &Manager{
		cfg:      cfg,
		provider: p,
		secrets:  store,
		conns:    conns,
		states:   states,
		notifier: LogNotifier{},
		log:      logging.Component("oauth"),
		now:      time.Now,
		locks:    make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnLinked registers the hook run after a successful link.
func (m *Manager) OnLinked(fn func(ctx context.Context, conn *core.Connection)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onLinked = fn
}

// SetChannelStopper registers the component that stops push channels on unlink.
func (m *Manager) SetChannelStopper(s ChannelStopper) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.stopper = s
}

// Connections exposes the connection store
func (m *Manager) Connections() *storage.ConnectionStore { return m.conns }

// StartAuth creates a single-use state bound to userID and returns the
// provider consent URL.
func (m *Manager) StartAuth(ctx context.Context, userID string) (*AuthStart, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id: %w", core.ErrMissingRequired)
	}

	state, err := newState()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	st := AuthState{
		UserID:      userID,
		RedirectURI: m.cfg.RedirectURL,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.cfg.StateTTL),
	}
	if err := m.states.Save(ctx, state, st); err != nil {
		return nil, fmt.Errorf("save auth state: %w", err)
	}

	return &AuthStart{
		AuthorizationURL: m.provider.AuthCodeURL(state, st.RedirectURI),
		State:            state,
		ExpiresAt:        st.ExpiresAt,
	}, nil
}

// CompleteAuth consumes state, exchanges code and stores the credentials.
// userID, when non-empty, must match the user the state was issued to.
// A user reconnecting after an error keeps the same connection id.
func (m *Manager) CompleteAuth(ctx context.Context, userID, code, state string) (*core.Connection, error) {
	if code == "" || state == "" {
		return nil, core.ErrInvalidState
	}

	st, err := m.states.Consume(ctx, state)
	if err != nil {
		return nil, err
	}
	if userID != "" && st.UserID != userID {
		return nil, fmt.Errorf("%w: issued to another user", core.ErrInvalidState)
	}

	grant, err := m.provider.Exchange(ctx, code, st.RedirectURI)
	if err != nil {
		if errors.Is(err, core.ErrTransientProvider) || errors.Is(err, core.ErrExchangeFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", core.ErrExchangeFailed, err)
	}
	if grant.RefreshToken == "" {
		return nil, fmt.Errorf("%w: provider issued no refresh token", core.ErrExchangeFailed)
	}

	conn, err := m.linkTarget(ctx, st.UserID, grant.AccountEmail)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	rec := &core.TokenRecord{
		AccessToken:     grant.AccessToken,
		RefreshToken:    grant.RefreshToken,
		Expiry:          grant.Expiry,
		Provider:        m.provider.Name(),
		UserID:          st.UserID,
		AccountEmail:    grant.AccountEmail,
		CreatedAt:       now,
		LastRefreshedAt: now,
	}

	unlock := m.lockWrite(conn.ID)
	err = m.secrets.Put(ctx, conn.ID, rec)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("store credentials: %w", err)
	}

	if conn.CreatedAt.IsZero() {
		conn.Status = core.StatusActive
		if err := m.conns.Create(ctx, conn); err != nil {
			if derr := m.secrets.Delete(ctx, conn.ID); derr != nil {
				m.log.WithError(derr).WithField("connection_id", conn.ID).Warn("failed to remove orphaned credentials")
			}
			return nil, fmt.Errorf("create connection: %w", err)
		}
	} else {
		if err := m.conns.SetStatus(ctx, conn.ID, core.StatusActive, ""); err != nil {
			return nil, fmt.Errorf("reactivate connection: %w", err)
		}
	}

	conn, err = m.conns.Get(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	m.audit(ctx, ledger.ActionConnectionLinked, conn.ID, map[string]interface{}{
		"provider": conn.Provider,
		"user_id":  conn.UserID,
	})
	m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": conn.ID,
		"user_id":       conn.UserID,
	}).Info("calendar connection linked")

	m.hooksMu.RLock()
	hook := m.onLinked
	m.hooksMu.RUnlock()
	if hook != nil {
		hook(context.WithoutCancel(ctx), conn)
	}

	return conn, nil
}

// linkTarget returns the connection to (re)link for the user: an existing
// non-revoked one for this provider, or a new unsaved one.
func (m *Manager) linkTarget(ctx context.Context, userID, email string) (*core.Connection, error) {
	existing, err := m.conns.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	for _, c := range existing {
		if c.Provider == m.provider.Name() && c.Status != core.StatusRevoked {
			return c, nil
		}
	}
	return &core.Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Provider:     m.provider.Name(),
		AccountEmail: email,
		CalendarIDs:  []string{"primary"},
		Status:       core.StatusLinking,
	}, nil
}

// RefreshIfNeeded returns a record whose access token is valid for at
// least the refresh margin, refreshing it first when necessary. Concurrent
// callers for one connection share a single refresh.
func (m *Manager) RefreshIfNeeded(ctx context.Context, connectionID string) (*core.TokenRecord, error) {
	rec, err := m.secrets.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: no credentials for %s", core.ErrAuthenticationRequired, connectionID)
		}
		return nil, err
	}
	if !rec.ExpiresWithin(m.now(), m.cfg.RefreshMargin) {
		return rec, nil
	}

	v, err, _ := m.refreshGroup.Do(connectionID, func() (interface{}, error) {
		unlock := m.lockWrite(connectionID)
		defer unlock()
		return m.refresh(context.WithoutCancel(ctx), connectionID, false)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.TokenRecord), nil
}

// ForceRefresh refreshes the access token whatever its expiry. Callers use it
// when the provider refused a token WithToken handed out. A rejected refresh
// moves the connection to error, as in RefreshIfNeeded.
func (m *Manager) ForceRefresh(ctx context.Context, connectionID string) error {
	_, err, _ := m.refreshGroup.Do("force:"+connectionID, func() (interface{}, error) {
		unlock := m.lockWrite(connectionID)
		defer unlock()
		return m.refresh(context.WithoutCancel(ctx), connectionID, true)
	})
	return err
}

// RequireReconnect moves an active connection to error and asks the user to
// reconnect. It always returns an error wrapping core.ErrAuthenticationRequired.
func (m *Manager) RequireReconnect(ctx context.Context, connectionID, reason string) error {
	conn, err := m.conns.Get(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrAuthenticationRequired, err)
	}
	if conn.Status != core.StatusActive {
		return fmt.Errorf("%w: connection %s is %s", core.ErrAuthenticationRequired, connectionID, conn.Status)
	}
	return m.markError(ctx, conn, reason)
}

func (m *Manager) refresh(ctx context.Context, connectionID string, force bool) (*core.TokenRecord, error) {
	conn, err := m.conns.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.Status == core.StatusRevoked {
		return nil, fmt.Errorf("%w: %s", core.ErrConnectionRevoked, connectionID)
	}
	if conn.Status == core.StatusError {
		// A rejected refresh token is never retried.
		return nil, fmt.Errorf("%w: connection %s needs reconnect", core.ErrAuthenticationRequired, connectionID)
	}

	// Re-read under the lock: another refresh may have just finished.
	rec, err := m.secrets.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !force && !rec.ExpiresWithin(m.now(), m.cfg.RefreshMargin) {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		return nil, m.markError(ctx, conn, "no refresh token stored")
	}

	grant, err := m.provider.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		if errors.Is(err, core.ErrAuthenticationRequired) {
			metrics.TokenRefreshesTotal.WithLabelValues("rejected").Inc()
			return nil, m.markError(ctx, conn, "refresh token rejected by provider")
		}
		metrics.TokenRefreshesTotal.WithLabelValues("transient").Inc()
		if !errors.Is(err, core.ErrTransientProvider) {
			err = fmt.Errorf("%w: %v", core.ErrTransientProvider, err)
		}
		return nil, err
	}

	next := *rec
	next.AccessToken = grant.AccessToken
	next.Expiry = grant.Expiry
	if grant.RefreshToken != "" {
		next.RefreshToken = grant.RefreshToken
	}
	next.LastRefreshedAt = m.now().UTC()

	if err := m.secrets.Put(ctx, connectionID, &next); err != nil {
		metrics.TokenRefreshesTotal.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("store refreshed token: %w", err)
	}

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	m.log.WithContext(ctx).WithField("connection_id", connectionID).Debug("access token refreshed")
	return &next, nil
}

func (m *Manager) markError(ctx context.Context, conn *core.Connection, reason string) error {
	if err := m.conns.SetStatus(ctx, conn.ID, core.StatusError, reason); err != nil {
		m.log.WithError(err).WithField("connection_id", conn.ID).Error("failed to mark connection as error")
	}
	conn.Status = core.StatusError
	conn.LastError = reason

	m.audit(ctx, ledger.ActionConnectionError, conn.ID, map[string]interface{}{"reason": reason})
	m.notifier.ReconnectRequired(ctx, conn, reason)

	return fmt.Errorf("%w: %s", core.ErrAuthenticationRequired, reason)
}

// WithToken runs fn with a fresh access token. fn holds the connection's
// read lock, so a refresh cannot replace the token while fn uses it.
func (m *Manager) WithToken(ctx context.Context, connectionID string, fn func(accessToken string) error) error {
	if _, err := m.RefreshIfNeeded(ctx, connectionID); err != nil {
		return err
	}

	unlock := m.lockRead(connectionID)
	defer unlock()

	rec, err := m.secrets.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: credentials removed", core.ErrAuthenticationRequired)
		}
		return err
	}
	return fn(rec.AccessToken)
}

// Unlink removes the connection's credentials, channels and mirrored events
// and marks it revoked. Unlinking a revoked connection is a no-op.
func (m *Manager) Unlink(ctx context.Context, connectionID string) error {
	conn, err := m.conns.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == core.StatusRevoked {
		return nil
	}

	m.hooksMu.RLock()
	stopper := m.stopper
	m.hooksMu.RUnlock()
	if stopper != nil {
		// Channels need a live token to stop, so this runs first.
		if err := stopper.StopForConnection(ctx, connectionID); err != nil {
			m.log.WithContext(ctx).WithError(err).WithField("connection_id", connectionID).Warn("failed to stop channels")
		}
	}

	unlock := m.lockWrite(connectionID)
	defer unlock()

	rec, err := m.secrets.Get(ctx, connectionID)
	switch {
	case err == nil:
		token := rec.RefreshToken
		if token == "" {
			token = rec.AccessToken
		}
		if rerr := m.provider.Revoke(ctx, token); rerr != nil {
			m.log.WithContext(ctx).WithError(rerr).WithField("connection_id", connectionID).Warn("token revocation failed")
		}
	case errors.Is(err, core.ErrNotFound):
	default:
		return fmt.Errorf("read credentials: %w", err)
	}

	if err := m.secrets.Delete(ctx, connectionID); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	// Purged before the status flips so a failed unlink can be repeated.
	for _, store := range m.mirrors {
		if err := store.DeleteForConnection(ctx, connectionID); err != nil {
			return fmt.Errorf("purge mirror: %w", err)
		}
	}
	if err := m.conns.SetStatus(ctx, connectionID, core.StatusRevoked, ""); err != nil {
		return err
	}

	m.audit(ctx, ledger.ActionConnectionUnlinked, connectionID, nil)
	m.log.WithContext(ctx).WithField("connection_id", connectionID).Info("calendar connection unlinked")
	return nil
}

// GCStates drops expired authorization states.
func (m *Manager) GCStates(ctx context.Context) (int, error) {
	return m.states.DeleteExpired(ctx)
}

func (m *Manager) audit(ctx context.Context, action, connectionID string, details map[string]interface{}) {
	if m.auditor == nil {
		return
	}
	_, err := m.auditor.Append(context.WithoutCancel(ctx), ledger.Record{
		Action:     action,
		Actor:      core.ActorFrom(ctx).ID,
		EntityType: ledger.EntityConnection,
		EntityID:   connectionID,
		Details:    details,
	})
	if err != nil {
		m.log.WithError(err).WithField("action", action).Warn("audit append failed")
	}
}

func (m *Manager) lock(connectionID string) *sync.RWMutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[connectionID]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[connectionID] = l
	}
	return l
}

func (m *Manager) lockWrite(connectionID string) func() {
	l := m.lock(connectionID)
	l.Lock()
	return l.Unlock
}

func (m *Manager) lockRead(connectionID string) func() {
	l := m.lock(connectionID)
	l.RLock()
	return l.RUnlock
}
