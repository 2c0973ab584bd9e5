// Package webhook manages provider push channels and turns their
// notifications into incremental sync requests.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/storage"
)

// Notification errors. Callers still acknowledge the request; these only
// classify why it was discarded.
var (
	ErrUnknownChannel  = errors.New("unknown or stopped channel")
	ErrChannelMismatch = errors.New("notification does not match channel")
)

// StateSync is the handshake notification sent right after registration.
const StateSync = "sync"

// Notification is an inbound push message, taken from the X-Goog-* headers.
type Notification struct {
	ChannelID     string
	ResourceID    string
	Token         string
	State         string
	MessageNumber string
}

// Dispatcher queues an incremental sync for a connection.
type Dispatcher interface {
	Enqueue(ctx context.Context, connectionID string) error
}

// TokenSource runs fn with a valid access token for a connection.
type TokenSource interface {
	WithToken(ctx context.Context, connectionID string, fn func(accessToken string) error) error
}

// Config for the manager
type Config struct {
	Address     string
	ChannelTTL  time.Duration
	RenewBefore time.Duration
}

// RenewReport summarizes one renewal run.
type RenewReport struct {
	Checked int `json:"checked"`
	Renewed int `json:"renewed"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// Manager owns the channel lifecycle.
type Manager struct {
	cfg        Config
	provider   provider.Provider
	tokens     TokenSource
	channels   *storage.ChannelStore
	conns      *storage.ConnectionStore
	dispatcher Dispatcher
	log        *logging.Logger
	now        func() time.Time
}

// NewManager creates a channel manager
func NewManager(cfg Config, p provider.Provider, tokens TokenSource, channels *storage.ChannelStore,
	conns *storage.ConnectionStore, dispatcher Dispatcher) *Manager {
	if cfg.ChannelTTL <= 0 {
		cfg.ChannelTTL = 7 * 24 * time.Hour
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 48 * time.Hour
	}
	return &Manager{
		cfg:        cfg,
		provider:   p,
		tokens:     tokens,
		channels:   channels,
		conns:      conns,
		dispatcher: dispatcher,
		log:        logging.Component("webhook"),
		now:        time.Now,
	}
}

// EnsureChannel makes sure the calendar has an active channel that is not
// due for renewal, registering one when needed.
func (m *Manager) EnsureChannel(ctx context.Context, connectionID, calendarID string) (*core.WebhookChannel, error) {
	active, err := m.channels.GetActive(ctx, connectionID, calendarID)
	switch {
	case err == nil:
		if active.Expiry.After(m.now().Add(m.cfg.RenewBefore)) {
			return active, nil
		}
		return m.renew(ctx, active)
	case errors.Is(err, core.ErrNotFound):
	default:
		return nil, err
	}

	ch, err := m.register(ctx, connectionID, calendarID)
	if err != nil {
		return nil, err
	}
	if err := m.channels.Insert(ctx, ch); err != nil {
		m.stopRemote(ctx, ch)
		return nil, err
	}

	m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": connectionID,
		"calendar_id":   calendarID,
		"channel_id":    ch.ChannelID,
		"expires_at":    ch.Expiry,
	}).Info("push channel registered")
	return ch, nil
}

// EnsureForConnection ensures a channel for every calendar of the connection.
func (m *Manager) EnsureForConnection(ctx context.Context, conn *core.Connection) error {
	calendars := conn.CalendarIDs
	if len(calendars) == 0 {
		calendars = []string{"primary"}
	}
	var errs []error
	for _, calendarID := range calendars {
		if _, err := m.EnsureChannel(ctx, conn.ID, calendarID); err != nil {
			errs = append(errs, fmt.Errorf("calendar %s: %w", calendarID, err))
		}
	}
	return errors.Join(errs...)
}

// register creates a channel at the provider. The returned record carries
// only the hash of the verification token.
func (m *Manager) register(ctx context.Context, connectionID, calendarID string) (*core.WebhookChannel, error) {
	if m.cfg.Address == "" {
		return nil, fmt.Errorf("webhook address: %w", core.ErrMissingRequired)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	req := provider.WatchRequest{
		CalendarID: calendarID,
		ChannelID:  uuid.New().String(),
		Address:    m.cfg.Address,
		Token:      token,
		TTL:        m.cfg.ChannelTTL,
	}

	var ch *provider.Channel
	err = m.tokens.WithToken(ctx, connectionID, func(accessToken string) error {
		var err error
		ch, err = m.provider.Watch(ctx, accessToken, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("watch calendar %s: %w", calendarID, err)
	}

	expiry := ch.Expiration
	if expiry.IsZero() {
		expiry = m.now().Add(m.cfg.ChannelTTL)
	}
	return &core.WebhookChannel{
		ChannelID:    ch.ID,
		ConnectionID: connectionID,
		CalendarID:   calendarID,
		ResourceID:   ch.ResourceID,
		ResourceURI:  ch.ResourceURI,
		TokenHash:    HashToken(token),
		Expiry:       expiry.UTC(),
		CreatedAt:    m.now().UTC(),
	}, nil
}

// renew registers a successor and swaps it in before stopping old at the
// provider. If the successor cannot be registered old stays active.
func (m *Manager) renew(ctx context.Context, old *core.WebhookChannel) (*core.WebhookChannel, error) {
	next, err := m.register(ctx, old.ConnectionID, old.CalendarID)
	if err != nil {
		metrics.ChannelRenewalsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if err := m.channels.Replace(ctx, old.ChannelID, next); err != nil {
		metrics.ChannelRenewalsTotal.WithLabelValues("failed").Inc()
		m.stopRemote(ctx, next)
		return nil, err
	}
	m.stopRemote(ctx, old)

	metrics.ChannelRenewalsTotal.WithLabelValues("renewed").Inc()
	m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": old.ConnectionID,
		"old_channel":   old.ChannelID,
		"new_channel":   next.ChannelID,
	}).Info("push channel renewed")
	return next, nil
}

// RenewExpiring renews every active channel expiring within the renewal
// window of now. Channels of connections that are no longer active are
// stopped instead.
func (m *Manager) RenewExpiring(ctx context.Context, now time.Time) (*RenewReport, error) {
	expiring, err := m.channels.ListExpiring(ctx, now.Add(m.cfg.RenewBefore))
	if err != nil {
		return nil, err
	}

	report := &RenewReport{Checked: len(expiring)}
	for _, ch := range expiring {
		conn, err := m.conns.Get(ctx, ch.ConnectionID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return report, err
		}
		if conn == nil || conn.Status != core.StatusActive {
			m.stopRemote(ctx, ch)
			if err := m.channels.MarkStopped(ctx, ch.ChannelID); err != nil {
				return report, err
			}
			report.Dropped++
			continue
		}

		if _, err := m.renew(ctx, ch); err != nil {
			report.Failed++
			m.log.WithContext(ctx).WithError(err).WithField("channel_id", ch.ChannelID).Warn("channel renewal failed, keeping old channel")
			continue
		}
		report.Renewed++
	}
	return report, nil
}

// HandleNotification validates a push message and queues a sync for the
// channel's connection.
func (m *Manager) HandleNotification(ctx context.Context, n Notification) error {
	log := m.log.WithContext(ctx).WithFields(map[string]interface{}{
		"channel_id":  n.ChannelID,
		"resource_id": n.ResourceID,
		"state":       n.State,
	})

	ch, err := m.channels.Get(ctx, n.ChannelID)
	if errors.Is(err, core.ErrNotFound) || (err == nil && !ch.Active()) {
		metrics.WebhookNotificationsTotal.WithLabelValues("unknown").Inc()
		log.Info("notification for unknown channel discarded")
		return ErrUnknownChannel
	}
	if err != nil {
		metrics.WebhookNotificationsTotal.WithLabelValues("error").Inc()
		return err
	}

	if n.ResourceID != ch.ResourceID || !tokenMatches(n.Token, ch.TokenHash) {
		metrics.WebhookNotificationsTotal.WithLabelValues("rejected").Inc()
		log.Warn("notification does not match channel, discarded")
		return ErrChannelMismatch
	}

	if n.State == StateSync {
		metrics.WebhookNotificationsTotal.WithLabelValues("handshake").Inc()
		log.Debug("channel handshake acknowledged")
		return nil
	}

	if err := m.dispatcher.Enqueue(ctx, ch.ConnectionID); err != nil {
		metrics.WebhookNotificationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("enqueue sync: %w", err)
	}
	metrics.WebhookNotificationsTotal.WithLabelValues("enqueued").Inc()
	log.WithField("connection_id", ch.ConnectionID).Debug("incremental sync enqueued")
	return nil
}

// StopForConnection stops every active channel of the connection. Provider
// failures are logged; the channels are marked stopped locally regardless.
func (m *Manager) StopForConnection(ctx context.Context, connectionID string) error {
	active, err := m.channels.ListActiveByConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	for _, ch := range active {
		m.stopRemote(ctx, ch)
		if err := m.channels.MarkStopped(ctx, ch.ChannelID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) stopRemote(ctx context.Context, ch *core.WebhookChannel) {
	err := m.tokens.WithToken(ctx, ch.ConnectionID, func(accessToken string) error {
		return m.provider.StopChannel(ctx, accessToken, ch.ChannelID, ch.ResourceID)
	})
	if err != nil {
		m.log.WithContext(ctx).WithError(err).WithField("channel_id", ch.ChannelID).Warn("failed to stop channel at provider")
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate channel token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the stored form of a channel verification token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func tokenMatches(token, hash string) bool {
	if token == "" || hash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(hash)) == 1
}
