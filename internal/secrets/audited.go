package secrets

import (
	"context"
	"errors"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/ledger"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/metrics"
)

// Auditor receives one record per store operation.
type Auditor interface {
	Append(ctx context.Context, rec ledger.Record) (*ledger.Entry, error)
}

// AuditedStore wraps a Store and writes every operation to the audit ledger.
// Token material never reaches the ledger.
type AuditedStore struct {
	inner   Store
	auditor Auditor
	log     *logging.Logger
}

// Audited wraps inner. A nil auditor disables auditing but keeps metrics.
func Audited(inner Store, auditor Auditor) *AuditedStore {
	return &AuditedStore{
		inner:   inner,
		auditor: auditor,
		log:     logging.Component("secrets"),
	}
}

// Unwrap returns the wrapped store.
func (a *AuditedStore) Unwrap() Store { return a.inner }

func (a *AuditedStore) Put(ctx context.Context, connectionID string, rec *core.TokenRecord) error {
	err := a.inner.Put(ctx, connectionID, rec)
	a.record(ctx, "put", ledger.ActionSecretPut, connectionID, err)
	return err
}

func (a *AuditedStore) Get(ctx context.Context, connectionID string) (*core.TokenRecord, error) {
	rec, err := a.inner.Get(ctx, connectionID)
	a.record(ctx, "get", ledger.ActionSecretGet, connectionID, err)
	return rec, err
}

func (a *AuditedStore) Exists(ctx context.Context, connectionID string) (bool, error) {
	ok, err := a.inner.Exists(ctx, connectionID)
	a.record(ctx, "exists", ledger.ActionSecretExists, connectionID, err)
	return ok, err
}

func (a *AuditedStore) Delete(ctx context.Context, connectionID string) error {
	err := a.inner.Delete(ctx, connectionID)
	a.record(ctx, "delete", ledger.ActionSecretDelete, connectionID, err)
	return err
}

func (a *AuditedStore) record(ctx context.Context, op, action, connectionID string, opErr error) {
	outcome := ledger.OutcomeSuccess
	var details map[string]interface{}
	if opErr != nil {
		outcome = ledger.OutcomeFailure
		details = map[string]interface{}{"error": errorKind(opErr)}
	}
	metrics.SecretOpsTotal.WithLabelValues(op, outcome).Inc()

	if a.auditor == nil {
		return
	}
	actor := core.ActorFrom(ctx)
	// The audit write must not be cancelled with the caller.
	_, err := a.auditor.Append(context.WithoutCancel(ctx), ledger.Record{
		Action:     action,
		Actor:      actor.ID,
		EntityType: ledger.EntityConnection,
		EntityID:   connectionID,
		Outcome:    outcome,
		Details:    details,
	})
	if err != nil {
		a.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"connection_id": connectionID,
			"op":            op,
		}).Warn("audit append failed")
	}
}

// errorKind names an error class without leaking its message.
func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrNotFound):
		return "not_found"
	case errors.Is(err, core.ErrStoreUnavailable):
		return "unavailable"
	case errors.Is(err, core.ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, core.ErrMissingRequired):
		return "invalid_input"
	default:
		return "error"
	}
}
