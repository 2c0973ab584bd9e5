// Package calsync mirrors remote calendar events into local storage.
//
// A connection's first pass lists a bounded window of events (initial
// sync) and keeps the provider's sync token. Later passes ask only for what
// changed since that token (incremental sync). The token is stored after
// the whole page sequence has been applied, so an interrupted pass restarts
// from the previous token and re-applies pages idempotently.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/storage"
)

var tracer = otel.Tracer("github.com/quantumlife/labcal/internal/calsync")

// Sync kinds
const (
	KindInitial     = "initial"
	KindIncremental = "incremental"
)

// TokenSource runs fn with a valid access token for a connection.
//
// ForceRefresh replaces an access token the provider refused before its
// expiry. RequireReconnect moves the connection to error when even a fresh
// token is refused; it returns core.ErrAuthenticationRequired.
type TokenSource interface {
	WithToken(ctx context.Context, connectionID string, fn func(accessToken string) error) error
	ForceRefresh(ctx context.Context, connectionID string) error
	RequireReconnect(ctx context.Context, connectionID, reason string) error
}

// Observer is told about every finished pass.
type Observer interface {
	SyncFinished(ctx context.Context, conn *core.Connection, res *Result, err error)
}

// Config for the engine
type Config struct {
	WindowPast   time.Duration
	WindowFuture time.Duration
	MaxAttempts  int
	Backoff      Backoff
	PageSize     int64
}

// DefaultConfig returns the engine defaults: six months back, twelve
// forward, three attempts.
func DefaultConfig() Config {
	return Config{
		WindowPast:   183 * 24 * time.Hour,
		WindowFuture: 365 * 24 * time.Hour,
		MaxAttempts:  3,
		Backoff:      DefaultBackoff(),
		PageSize:     250,
	}
}

// Result summarizes one pass over a connection.
type Result struct {
	ConnectionID string           `json:"connection_id"`
	Calendars    []CalendarResult `json:"calendars"`
	Attempts     int              `json:"attempts"`
	Duration     time.Duration    `json:"duration"`
}

// CalendarResult is the outcome for one calendar of the pass.
type CalendarResult struct {
	CalendarID string `json:"calendar_id"`
	Kind       string `json:"kind"`
	Upserted   int    `json:"upserted"`
	Deleted    int    `json:"deleted"`
	Pruned     int64  `json:"pruned"`
	Pages      int    `json:"pages"`
	SyncToken  string `json:"-"`
}

// Kind is initial when any calendar was listed in full.
func (r *Result) Kind() string {
	for _, c := range r.Calendars {
		if c.Kind == KindInitial {
			return KindInitial
		}
	}
	return KindIncremental
}

// Engine runs sync passes. It holds no per-connection state; the
// Coordinator serializes passes of one connection.
type Engine struct {
	cfg      Config
	provider provider.Provider
	tokens   TokenSource
	conns    *storage.ConnectionStore
	events   *storage.EventStore
	states   *storage.SyncStateStore
	observer Observer
	log      *logging.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver reports finished passes
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a sync engine
func NewEngine(cfg Config, p provider.Provider, tokens TokenSource, conns *storage.ConnectionStore,
	events *storage.EventStore, states *storage.SyncStateStore, opts ...Option) *Engine {
	d := DefaultConfig()
	if cfg.WindowPast <= 0 {
		cfg.WindowPast = d.WindowPast
	}
	if cfg.WindowFuture <= 0 {
		cfg.WindowFuture = d.WindowFuture
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = d.PageSize
	}

	e := &Engine{
		cfg:      cfg,
		provider: p,
		tokens:   tokens,
		conns:    conns,
		events:   events,
		states:   states,
		log:      logging.Component("calsync"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync runs one pass over every linked calendar of the connection.
//
// Transient failures are retried with backoff. When retries run out the
// connection stays active but is flagged degraded and its mirror is marked
// stale. An access token the provider refuses is refreshed once; when the
// refresh is rejected or the new token is refused too, the connection moves
// to error and the pass aborts.
func (e *Engine) Sync(ctx context.Context, connectionID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "calsync.Sync")
	defer span.End()
	span.SetAttributes(attribute.String("connection.id", connectionID))

	conn, err := e.conns.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	switch conn.Status {
	case core.StatusActive:
	case core.StatusRevoked:
		return nil, fmt.Errorf("%w: %s", core.ErrConnectionRevoked, connectionID)
	case core.StatusError:
		return nil, fmt.Errorf("%w: connection %s needs reconnect", core.ErrAuthenticationRequired, connectionID)
	default:
		return nil, fmt.Errorf("connection %s is %s: %w", connectionID, conn.Status, core.ErrInvalidInput)
	}

	start := time.Now()
	res := &Result{ConnectionID: connectionID}
	log := e.log.WithContext(ctx).WithField("connection_id", connectionID)

	calendars := conn.CalendarIDs
	if len(calendars) == 0 {
		calendars = []string{"primary"}
	}

	var failures []string
	var syncErr error
	for _, calendarID := range calendars {
		var cr *CalendarResult
		attempts, err := e.retry(ctx, log, func() error {
			var err error
			cr, err = e.syncCalendar(ctx, conn, calendarID)
			return err
		})
		res.Attempts += attempts
		if err != nil {
			if errors.Is(err, core.ErrAuthenticationRequired) || errors.Is(err, core.ErrConnectionRevoked) {
				syncErr = err
				break
			}
			failures = append(failures, fmt.Sprintf("%s: %v", calendarID, err))
			if syncErr == nil {
				syncErr = err
			}
			continue
		}
		res.Calendars = append(res.Calendars, *cr)
	}
	res.Duration = time.Since(start)

	if syncErr != nil {
		span.RecordError(syncErr)
		span.SetStatus(codes.Error, "sync failed")
		e.finishFailed(ctx, conn, res, failures, syncErr)
		return res, syncErr
	}

	if err := e.conns.RecordSyncSuccess(ctx, connectionID, e.now()); err != nil {
		log.WithError(err).Warn("failed to record sync success")
	}
	if _, err := e.events.MarkFresh(ctx, connectionID); err != nil {
		log.WithError(err).Warn("failed to clear stale flags")
	}
	metrics.SyncPassesTotal.WithLabelValues(res.Kind(), "success").Inc()
	metrics.SyncDuration.Observe(res.Duration.Seconds())
	log.WithFields(map[string]interface{}{
		"kind":      res.Kind(),
		"calendars": len(res.Calendars),
		"attempts":  res.Attempts,
	}).Info("sync pass completed")

	e.notify(ctx, connectionID, res, nil)
	return res, nil
}

func (e *Engine) finishFailed(ctx context.Context, conn *core.Connection, res *Result, failures []string, err error) {
	log := e.log.WithContext(ctx).WithField("connection_id", conn.ID).WithError(err)

	switch {
	case errors.Is(err, core.ErrAuthenticationRequired), errors.Is(err, core.ErrConnectionRevoked):
		metrics.SyncPassesTotal.WithLabelValues(res.Kind(), "auth_required").Inc()
		log.Warn("sync pass aborted: reconnect required")
	default:
		summary := strings.Join(failures, "; ")
		if err := e.conns.RecordSyncFailure(ctx, conn.ID, summary); err != nil {
			log.WithError(err).Error("failed to record sync failure")
		}
		n, serr := e.events.MarkStale(ctx, conn.ID)
		if serr != nil {
			log.WithError(serr).Error("failed to mark mirror stale")
		}
		metrics.SyncPassesTotal.WithLabelValues(res.Kind(), "degraded").Inc()
		log.WithField("stale_events", n).Error("sync pass failed after %d attempts", res.Attempts)
	}

	e.notify(ctx, conn.ID, res, err)
}

func (e *Engine) notify(ctx context.Context, connectionID string, res *Result, err error) {
	if e.observer == nil {
		return
	}
	conn, gerr := e.conns.Get(ctx, connectionID)
	if gerr != nil {
		e.log.WithError(gerr).WithField("connection_id", connectionID).Warn("reload connection for observer")
		return
	}
	e.observer.SyncFinished(ctx, conn, res, err)
}

// retry runs fn until it succeeds, fails permanently or attempts run out.
func (e *Engine) retry(ctx context.Context, log *logging.Logger, fn func() error) (int, error) {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !core.IsRetryable(err) || attempt >= e.cfg.MaxAttempts {
			return attempt, err
		}
		delay := e.cfg.Backoff.Delay(attempt)
		log.WithError(err).WithField("attempt", attempt).Warn("sync attempt failed, retrying in %s", delay)
		if serr := e.sleep(ctx, delay); serr != nil {
			return attempt, err
		}
	}
}

// syncCalendar picks initial or incremental sync for one calendar. A sync
// token the provider no longer accepts is discarded and the calendar is
// listed in full; it is never sent again.
func (e *Engine) syncCalendar(ctx context.Context, conn *core.Connection, calendarID string) (*CalendarResult, error) {
	st, err := e.states.Get(ctx, conn.ID, calendarID)
	if errors.Is(err, core.ErrNotFound) {
		return e.initialSync(ctx, conn, calendarID)
	}
	if err != nil {
		return nil, err
	}

	cr, err := e.incrementalSync(ctx, conn, st)
	if !errors.Is(err, core.ErrSyncTokenInvalid) {
		return cr, err
	}

	e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": conn.ID,
		"calendar_id":   calendarID,
	}).Info("sync token expired, running full sync")
	if err := e.states.Delete(ctx, conn.ID, calendarID); err != nil {
		return nil, err
	}
	return e.initialSync(ctx, conn, calendarID)
}

func (e *Engine) initialSync(ctx context.Context, conn *core.Connection, calendarID string) (*CalendarResult, error) {
	passAt := e.now().UTC()
	q := provider.EventQuery{
		CalendarID: calendarID,
		TimeMin:    passAt.Add(-e.cfg.WindowPast),
		TimeMax:    passAt.Add(e.cfg.WindowFuture),
		PageSize:   e.cfg.PageSize,
	}
	cr := &CalendarResult{CalendarID: calendarID, Kind: KindInitial}

	token, err := e.listAll(ctx, conn.ID, q, cr, func(page *provider.EventPage) error {
		var upserts []*core.MirroredEvent
		for _, ev := range page.Events {
			if ev.Cancelled() {
				continue
			}
			upserts = append(upserts, e.normalize(conn.ID, calendarID, ev, passAt))
		}
		if err := e.events.ApplyPage(ctx, conn.ID, calendarID, upserts, nil); err != nil {
			return err
		}
		cr.Upserted += len(upserts)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Anything not seen in a full listing is gone at the provider.
	pruned, err := e.events.PruneCalendar(ctx, conn.ID, calendarID, passAt)
	if err != nil {
		return nil, err
	}
	cr.Pruned = pruned

	if err := e.states.Put(ctx, &core.SyncState{
		ConnectionID: conn.ID,
		CalendarID:   calendarID,
		SyncToken:    token,
		WindowStart:  q.TimeMin,
		WindowEnd:    q.TimeMax,
	}); err != nil {
		return nil, err
	}

	metrics.EventsApplied.WithLabelValues("upsert").Add(float64(cr.Upserted))
	metrics.EventsApplied.WithLabelValues("prune").Add(float64(pruned))
	cr.SyncToken = token
	return cr, nil
}

func (e *Engine) incrementalSync(ctx context.Context, conn *core.Connection, st *core.SyncState) (*CalendarResult, error) {
	passAt := e.now().UTC()
	q := provider.EventQuery{
		CalendarID: st.CalendarID,
		SyncToken:  st.SyncToken,
		PageSize:   e.cfg.PageSize,
	}
	cr := &CalendarResult{CalendarID: st.CalendarID, Kind: KindIncremental}

	token, err := e.listAll(ctx, conn.ID, q, cr, func(page *provider.EventPage) error {
		var upserts []*core.MirroredEvent
		var deletes []string
		for _, ev := range page.Events {
			if ev.Cancelled() {
				deletes = append(deletes, ev.ID)
				continue
			}
			upserts = append(upserts, e.normalize(conn.ID, st.CalendarID, ev, passAt))
		}
		if err := e.events.ApplyPage(ctx, conn.ID, st.CalendarID, upserts, deletes); err != nil {
			return err
		}
		cr.Upserted += len(upserts)
		cr.Deleted += len(deletes)
		return nil
	})
	if err != nil {
		return nil, err
	}

	next := *st
	next.SyncToken = token
	if err := e.states.Put(ctx, &next); err != nil {
		return nil, err
	}

	metrics.EventsApplied.WithLabelValues("upsert").Add(float64(cr.Upserted))
	metrics.EventsApplied.WithLabelValues("delete").Add(float64(cr.Deleted))
	cr.SyncToken = token
	return cr, nil
}

// listAll pages through q, applying each page, and returns the sync token
// of the last page.
func (e *Engine) listAll(ctx context.Context, connectionID string, q provider.EventQuery, cr *CalendarResult,
	apply func(*provider.EventPage) error) (string, error) {
	reauthorized := false
	for {
		var page *provider.EventPage
		var listErr error
		err := e.tokens.WithToken(ctx, connectionID, func(accessToken string) error {
			page, listErr = e.provider.ListEvents(ctx, accessToken, q)
			return listErr
		})
		if err != nil {
			if !errors.Is(listErr, core.ErrAuthenticationRequired) {
				return "", err
			}
			// Refused by the provider, not by the token source.
			if reauthorized {
				if rerr := e.tokens.RequireReconnect(ctx, connectionID, "provider rejected a freshly refreshed access token"); rerr != nil {
					return "", rerr
				}
				return "", err
			}
			e.log.WithContext(ctx).WithField("connection_id", connectionID).Warn("access token refused by provider, forcing refresh")
			if rerr := e.tokens.ForceRefresh(ctx, connectionID); rerr != nil {
				return "", rerr
			}
			reauthorized = true
			continue
		}
		cr.Pages++

		if err := apply(page); err != nil {
			return "", err
		}

		if page.NextPageToken == "" {
			if page.NextSyncToken == "" {
				return "", fmt.Errorf("%w: last page carried no sync token", core.ErrTransientProvider)
			}
			return page.NextSyncToken, nil
		}
		q.PageToken = page.NextPageToken
	}
}

func (e *Engine) normalize(connectionID, calendarID string, ev provider.RemoteEvent, passAt time.Time) *core.MirroredEvent {
	if ev.CalendarID == "" {
		ev.CalendarID = calendarID
	}
	m := Normalize(connectionID, ev, passAt)
	if m.SyncStatus == core.EventSyncError {
		e.log.WithFields(map[string]interface{}{
			"connection_id": connectionID,
			"external_id":   ev.ID,
		}).Warn("event times could not be parsed")
	}
	return m
}
