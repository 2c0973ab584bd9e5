// Package core defines the fundamental types and errors for labcal.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Credential errors
	ErrAuthenticationRequired = errors.New("authentication required: reconnect calendar")
	ErrInvalidState           = errors.New("invalid oauth state")
	ErrExchangeFailed         = errors.New("authorization code exchange failed")
	ErrDecryptionFailed       = errors.New("decryption failed")
	ErrEncryptionFailed       = errors.New("encryption failed")

	// Provider errors
	ErrTransientProvider = errors.New("transient provider error")
	ErrSyncTokenInvalid  = errors.New("sync token invalid")

	// Storage errors
	ErrNotFound          = errors.New("record not found")
	ErrStoreUnavailable  = errors.New("store temporarily unavailable")
	ErrMigrationFailed   = errors.New("migration failed")
	ErrConnectionRevoked = errors.New("connection is revoked")

	// Administrative errors
	ErrPermissionDenied     = errors.New("permission denied")
	ErrConfirmationRequired = errors.New("confirmation phrase required")
	ErrMigrationIncomplete  = errors.New("credential migration incomplete")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)

// IsRetryable reports whether err may succeed if the operation is repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientProvider) || errors.Is(err, ErrStoreUnavailable)
}
