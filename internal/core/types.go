// Package core defines the fundamental types for labcal.
package core

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// CONNECTION - a linked (user, provider) calendar relationship
// -----------------------------------------------------------------------------

// ConnectionStatus is the lifecycle state of a calendar connection
type ConnectionStatus string

const (
	StatusLinking ConnectionStatus = "linking"
	StatusActive  ConnectionStatus = "active"
	StatusError   ConnectionStatus = "error"
	StatusRevoked ConnectionStatus = "revoked"
)

// ProviderGoogle is the only provider implemented.
const ProviderGoogle = "google"

// Connection is one user's link to an external calendar account.
type Connection struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	Provider     string           `json:"provider"`
	AccountEmail string           `json:"account_email,omitempty"`
	CalendarIDs  []string         `json:"calendar_ids"`
	Status       ConnectionStatus `json:"status"`

	// Sync health
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Degraded   bool       `json:"degraded"` // retries exhausted, still active

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// NeedsReconnect is true when the user must link the calendar again.
func (c *Connection) NeedsReconnect() bool {
	return c.Status == StatusError
}

// -----------------------------------------------------------------------------
// TOKEN RECORD - credentials held in the secret store
// -----------------------------------------------------------------------------

// TokenRecord is the single current credential record of a connection.
type TokenRecord struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	Expiry          time.Time `json:"expiry"`
	Provider        string    `json:"provider"`
	UserID          string    `json:"user_id"`
	AccountEmail    string    `json:"account_email,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (r *TokenRecord) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if r.Expiry.IsZero() {
		return true
	}
	return !r.Expiry.After(now.Add(margin))
}

// Equal compares the credential-bearing fields of two records.
func (r *TokenRecord) Equal(o *TokenRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.AccessToken == o.AccessToken &&
		r.RefreshToken == o.RefreshToken &&
		r.Expiry.Equal(o.Expiry) &&
		r.Provider == o.Provider &&
		r.UserID == o.UserID &&
		r.AccountEmail == o.AccountEmail
}

// -----------------------------------------------------------------------------
// SYNC STATE
// -----------------------------------------------------------------------------

// SyncState is the incremental cursor for one calendar of a connection.
// A token is only valid for the calendar it was issued against.
type SyncState struct {
	ConnectionID string    `json:"connection_id"`
	CalendarID   string    `json:"calendar_id"`
	SyncToken    string    `json:"sync_token"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// -----------------------------------------------------------------------------
// MIRRORED EVENT
// -----------------------------------------------------------------------------

// EventSyncStatus describes how current a mirrored event is
type EventSyncStatus string

const (
	EventSynced    EventSyncStatus = "synced"
	EventStale     EventSyncStatus = "stale"
	EventSyncError EventSyncStatus = "sync-error"
)

// MirroredEvent is the local read-only copy of a remote calendar event.
type MirroredEvent struct {
	ConnectionID string `json:"connection_id"`
	ExternalID   string `json:"external_id"`
	CalendarID   string `json:"calendar_id"`

	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day"`
	Organizer   string    `json:"organizer,omitempty"`
	Visibility  string    `json:"visibility,omitempty"`

	Attendees []Attendee `json:"attendees,omitempty"`
	Reminders Reminders  `json:"reminders"`

	ReadOnly        bool            `json:"read_only"`
	SyncStatus      EventSyncStatus `json:"sync_status"`
	LastSyncedAt    time.Time       `json:"last_synced_at"`
	ExternalLink    string          `json:"external_link,omitempty"`
	RemoteUpdatedAt time.Time       `json:"remote_updated_at,omitempty"`
}

// Attendee of a mirrored event
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status,omitempty"`
	Organizer      bool   `json:"organizer,omitempty"`
	Optional       bool   `json:"optional,omitempty"`
}

// Reminders of a mirrored event
type Reminders struct {
	UseDefault bool       `json:"use_default"`
	Overrides  []Reminder `json:"overrides,omitempty"`
}

// Reminder is a single reminder override
type Reminder struct {
	Method  string `json:"method"`
	Minutes int64  `json:"minutes"`
}

// -----------------------------------------------------------------------------
// WEBHOOK CHANNEL
// -----------------------------------------------------------------------------

// WebhookChannel is a provider push subscription for one calendar.
type WebhookChannel struct {
	ChannelID    string     `json:"channel_id"`
	ConnectionID string     `json:"connection_id"`
	CalendarID   string     `json:"calendar_id"`
	ResourceID   string     `json:"resource_id"`
	ResourceURI  string     `json:"resource_uri,omitempty"`
	TokenHash    string     `json:"-"`
	Expiry       time.Time  `json:"expiry"`
	CreatedAt    time.Time  `json:"created_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
}

// Active reports whether the channel has not been stopped.
func (c *WebhookChannel) Active() bool {
	return c.StoppedAt == nil
}

// -----------------------------------------------------------------------------
// ACTOR - who is performing an operation
// -----------------------------------------------------------------------------

// Actor identifies the caller of an operation for access control and audit.
type Actor struct {
	ID    string `json:"id"`
	Admin bool   `json:"admin"`
}

// SystemActor is used by scheduled tasks.
var SystemActor = Actor{ID: "system", Admin: true}

type actorKey struct{}

// WithActor attaches an actor to the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor attached to ctx, or an anonymous actor.
func ActorFrom(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Actor{ID: "anonymous"}
}
