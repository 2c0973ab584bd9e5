// Package migration moves OAuth credentials out of the legacy store into
// the secret store.
//
// The procedure has three phases run by an administrator: Migrate copies
// every legacy record that the secret store does not already hold, Verify
// reports whether every legacy record now has a secret store counterpart,
// and Cleanup deletes the legacy copies once Verify passes. Every phase
// writes one audit entry, whatever its outcome.
package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/ledger"
	"github.com/quantumlife/labcal/internal/legacy"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
	"github.com/quantumlife/labcal/internal/secrets"
)

// ConfirmationPhrase must be passed verbatim to Cleanup.
const ConfirmationPhrase = "DELETE_FIRESTORE_TOKENS"

// Outcome of one connection's migration.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result is the per-connection record of a Migrate run.
type Result struct {
	ConnectionID string  `json:"connection_id"`
	UserID       string  `json:"user_id"`
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
}

// Summary aggregates one Migrate run.
type Summary struct {
	RunID      string    `json:"run_id"`
	Actor      string    `json:"actor"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Total      int       `json:"total"`
	Migrated   int       `json:"migrated"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Results    []Result  `json:"results"`
	Errors     []string  `json:"errors,omitempty"`
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeSuccess:
		s.Migrated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", r.ConnectionID, r.Reason))
	}
	metrics.MigrationResultsTotal.WithLabelValues(string(r.Outcome)).Inc()
}

// VerifyDetail is the state of one legacy record.
type VerifyDetail struct {
	ConnectionID string `json:"connection_id"`
	Migrated     bool   `json:"migrated"`
	Error        string `json:"error,omitempty"`
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	AllMigrated bool           `json:"all_migrated"`
	Total       int            `json:"total"`
	Migrated    int            `json:"migrated"`
	Missing     int            `json:"missing"`
	Errors      int            `json:"errors"`
	Connections []VerifyDetail `json:"connections"`
	CheckedAt   time.Time      `json:"checked_at"`
}

// CleanupReport is the result of Cleanup.
type CleanupReport struct {
	Verify  *VerifyReport `json:"verify"`
	Deleted int           `json:"deleted"`
}

// Auditor appends audit entries.
type Auditor interface {
	Append(ctx context.Context, rec ledger.Record) (*ledger.Entry, error)
}

// ConnectionRegistry is where migrated connections get their status row.
type ConnectionRegistry interface {
	Get(ctx context.Context, id string) (*core.Connection, error)
	Create(ctx context.Context, c *core.Connection) error
}

// Option configures a Tool.
type Option func(*Tool)

// WithConnections creates a connection row for migrated credentials that
// have none yet, so the sync engine picks them up.
func WithConnections(r ConnectionRegistry) Option {
	return func(t *Tool) { t.conns = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tool) { t.now = now }
}

// Tool runs the migration phases.
type Tool struct {
	legacy  legacy.Store
	secrets secrets.Store
	auditor Auditor
	conns   ConnectionRegistry
	log     *logging.Logger
	now     func() time.Time
}

// NewTool creates a migration tool. auditor may be nil only in tests.
func NewTool(src legacy.Store, dst secrets.Store, auditor Auditor, opts ...Option) *Tool {
	t := &Tool{
		legacy:  src,
		secrets: dst,
		auditor: auditor,
		log:     logging.Component("migration"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Migrate copies every legacy credential the secret store lacks. A failure
// on one connection is recorded in its Result and does not stop the run.
// Legacy data is never modified and existing secret store records are never
// overwritten.
func (t *Tool) Migrate(ctx context.Context, actor core.Actor) (sum *Summary, err error) {
	sum = &Summary{RunID: uuid.New().String(), Actor: actor.ID, StartedAt: t.now().UTC()}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", core.ErrMigrationFailed, r)
		}
		sum.FinishedAt = t.now().UTC()
		t.audit(ctx, ledger.ActionMigrationMigrate, actor, sum.RunID, phaseOutcome(err, sum.Failed > 0), map[string]interface{}{
			"total":    sum.Total,
			"migrated": sum.Migrated,
			"skipped":  sum.Skipped,
			"failed":   sum.Failed,
			"error":    errString(err),
		})
	}()

	if err := requireAdmin(actor); err != nil {
		return sum, err
	}
	ctx = phaseContext(ctx, actor)
	log := t.log.WithContext(ctx).WithField("run_id", sum.RunID)

	creds, err := t.legacy.List(ctx)
	if err != nil {
		return sum, fmt.Errorf("list legacy credentials: %w", err)
	}
	sum.Total = len(creds)
	log.Info("migrating %d legacy credentials", len(creds))

	for _, c := range creds {
		r := t.migrateOne(ctx, c)
		if r.Outcome == OutcomeFailed {
			log.WithFields(map[string]interface{}{
				"connection_id": r.ConnectionID,
				"reason":        r.Reason,
			}).Warn("credential migration failed")
		}
		sum.add(r)
	}

	log.WithFields(map[string]interface{}{
		"migrated": sum.Migrated,
		"skipped":  sum.Skipped,
		"failed":   sum.Failed,
	}).Info("credential migration finished")
	return sum, nil
}

func (t *Tool) migrateOne(ctx context.Context, c *legacy.Credential) Result {
	r := Result{ConnectionID: c.ConnectionID, UserID: c.UserID}
	fail := func(err error) Result {
		r.Outcome = OutcomeFailed
		r.Reason = err.Error()
		return r
	}

	if c.ConnectionID == "" {
		return fail(fmt.Errorf("connection id: %w", core.ErrMissingRequired))
	}

	exists, err := t.readable(ctx, c.ConnectionID)
	if err != nil {
		return fail(fmt.Errorf("check secret store: %w", err))
	}
	if exists {
		if err := t.ensureConnection(ctx, c); err != nil {
			return fail(err)
		}
		r.Outcome = OutcomeSkipped
		r.Reason = "already in secret store"
		return r
	}

	rec := tokenRecord(c, t.now())
	if err := t.secrets.Put(ctx, c.ConnectionID, rec); err != nil {
		return fail(fmt.Errorf("put: %w", err))
	}

	exists, err = t.secrets.Exists(ctx, c.ConnectionID)
	if err != nil {
		return fail(fmt.Errorf("verify exists: %w", err))
	}
	if !exists {
		return fail(errors.New("record missing after put"))
	}
	got, err := t.secrets.Get(ctx, c.ConnectionID)
	if err != nil {
		return fail(fmt.Errorf("verify get: %w", err))
	}
	if !got.Equal(rec) {
		return fail(errors.New("record read back does not match legacy credential"))
	}

	if err := t.ensureConnection(ctx, c); err != nil {
		return fail(err)
	}
	r.Outcome = OutcomeSuccess
	return r
}

// readable reports whether the secret store holds a record for id that can
// be read back. A record that Exists but cannot be fetched counts as absent.
func (t *Tool) readable(ctx context.Context, id string) (bool, error) {
	ok, err := t.secrets.Exists(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	if _, err := t.secrets.Get(ctx, id); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *Tool) ensureConnection(ctx context.Context, c *legacy.Credential) error {
	if t.conns == nil {
		return nil
	}
	_, err := t.conns.Get(ctx, c.ConnectionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return fmt.Errorf("load connection: %w", err)
	}

	status := core.StatusActive
	var revokedAt *time.Time
	if !c.IsActive {
		status = core.StatusRevoked
		ts := t.now().UTC()
		revokedAt = &ts
	}
	conn := &core.Connection{
		ID:           c.ConnectionID,
		UserID:       c.UserID,
		Provider:     providerOf(c),
		AccountEmail: c.CalendarEmail,
		CalendarIDs:  []string{"primary"},
		Status:       status,
		CreatedAt:    c.CreatedAt,
		RevokedAt:    revokedAt,
	}
	if err := t.conns.Create(ctx, conn); err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

// Verify checks that every legacy record has a secret store counterpart.
// It changes nothing apart from its audit entry.
func (t *Tool) Verify(ctx context.Context, actor core.Actor) (rep *VerifyReport, err error) {
	rep = &VerifyReport{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", core.ErrMigrationFailed, r)
		}
		t.audit(ctx, ledger.ActionMigrationVerify, actor, "", phaseOutcome(err, false), map[string]interface{}{
			"total":        rep.Total,
			"migrated":     rep.Migrated,
			"missing":      rep.Missing,
			"errors":       rep.Errors,
			"all_migrated": rep.AllMigrated,
			"error":        errString(err),
		})
	}()

	if err := requireAdmin(actor); err != nil {
		return rep, err
	}
	ctx = phaseContext(ctx, actor)

	creds, err := t.legacy.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list legacy credentials: %w", err)
	}

	rep.Total = len(creds)
	rep.Connections = make([]VerifyDetail, 0, len(creds))
	for _, c := range creds {
		d := VerifyDetail{ConnectionID: c.ConnectionID}
		ok, err := t.readable(ctx, c.ConnectionID)
		switch {
		case err != nil:
			d.Error = err.Error()
			rep.Errors++
		case ok:
			d.Migrated = true
			rep.Migrated++
		default:
			rep.Missing++
		}
		rep.Connections = append(rep.Connections, d)
	}
	rep.AllMigrated = rep.Missing == 0 && rep.Errors == 0
	rep.CheckedAt = t.now().UTC()
	return rep, nil
}

// Cleanup deletes the legacy credentials. It requires an administrator and
// the exact ConfirmationPhrase, and refuses unless a fresh Verify reports
// every record migrated. Nothing is deleted when it refuses.
func (t *Tool) Cleanup(ctx context.Context, actor core.Actor, phrase string) (rep *CleanupReport, err error) {
	rep = &CleanupReport{}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", core.ErrMigrationFailed, r)
		}
		details := map[string]interface{}{
			"deleted": rep.Deleted,
			"error":   errString(err),
		}
		if rep.Verify != nil {
			details["all_migrated"] = rep.Verify.AllMigrated
			details["total"] = rep.Verify.Total
		}
		t.audit(ctx, ledger.ActionMigrationCleanup, actor, "", phaseOutcome(err, false), details)
	}()

	if err := requireAdmin(actor); err != nil {
		return rep, err
	}
	if phrase != ConfirmationPhrase {
		return rep, fmt.Errorf("cleanup needs the phrase %q: %w", ConfirmationPhrase, core.ErrConfirmationRequired)
	}

	verify, err := t.Verify(ctx, actor)
	rep.Verify = verify
	if err != nil {
		return rep, fmt.Errorf("verify before cleanup: %w", err)
	}
	if !verify.AllMigrated {
		return rep, fmt.Errorf("%d missing, %d unverifiable: %w", verify.Missing, verify.Errors, core.ErrMigrationIncomplete)
	}

	ids := make([]string, 0, len(verify.Connections))
	for _, d := range verify.Connections {
		ids = append(ids, d.ConnectionID)
	}

	deleted, err := t.legacy.DeleteAll(phaseContext(ctx, actor), ids)
	rep.Deleted = deleted
	if err != nil {
		return rep, fmt.Errorf("delete legacy credentials: %w", err)
	}

	t.log.WithContext(ctx).WithFields(map[string]interface{}{
		"actor":   actor.ID,
		"deleted": deleted,
	}).Info("legacy credentials removed")
	return rep, nil
}

func (t *Tool) audit(ctx context.Context, action string, actor core.Actor, runID, outcome string, details map[string]interface{}) {
	if t.auditor == nil {
		return
	}
	_, err := t.auditor.Append(context.WithoutCancel(ctx), ledger.Record{
		Action:     action,
		Actor:      actor.ID,
		EntityType: ledger.EntityMigration,
		EntityID:   runID,
		Outcome:    outcome,
		Details:    details,
	})
	if err != nil {
		t.log.WithContext(ctx).WithError(err).WithField("action", action).Error("migration audit append failed")
	}
}

func requireAdmin(actor core.Actor) error {
	if !actor.Admin {
		return fmt.Errorf("actor %s: %w", actor.ID, core.ErrPermissionDenied)
	}
	return nil
}

// phaseContext detaches the phase from the caller's cancellation so a
// partial run is never abandoned midway.
func phaseContext(ctx context.Context, actor core.Actor) context.Context {
	return core.WithActor(context.WithoutCancel(ctx), actor)
}

func phaseOutcome(err error, partial bool) string {
	switch {
	case errors.Is(err, core.ErrPermissionDenied),
		errors.Is(err, core.ErrConfirmationRequired),
		errors.Is(err, core.ErrMigrationIncomplete):
		return ledger.OutcomeRefused
	case err != nil, partial:
		return ledger.OutcomeFailure
	default:
		return ledger.OutcomeSuccess
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func tokenRecord(c *legacy.Credential, now time.Time) *core.TokenRecord {
	created := c.CreatedAt
	if created.IsZero() {
		created = now
	}
	return &core.TokenRecord{
		AccessToken:     c.AccessToken,
		RefreshToken:    c.RefreshToken,
		Expiry:          c.TokenExpiresAt.UTC(),
		Provider:        providerOf(c),
		UserID:          c.UserID,
		AccountEmail:    c.CalendarEmail,
		CreatedAt:       created.UTC(),
		LastRefreshedAt: now.UTC(),
	}
}

func providerOf(c *legacy.Credential) string {
	if c.Provider == "" {
		return core.ProviderGoogle
	}
	return c.Provider
}
