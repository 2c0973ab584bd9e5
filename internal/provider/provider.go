// Package provider defines the calendar provider boundary. Implementations
// classify their failures into the core error sentinels before returning,
// so nothing above this package inspects HTTP status codes.
package provider

import (
	"context"
	"time"

	"github.com/quantumlife/labcal/internal/core"
)

// Provider is an external calendar provider.
type Provider interface {
	Name() string

	// AuthCodeURL builds the consent URL. redirectURI overrides the
	// configured callback when non-empty.
	AuthCodeURL(state, redirectURI string) string

	// Exchange trades an authorization code for a grant.
	// Returns core.ErrExchangeFailed when the provider rejects the code.
	Exchange(ctx context.Context, code, redirectURI string) (*Grant, error)

	// Refresh obtains a fresh access token. A rejected refresh token
	// returns core.ErrAuthenticationRequired.
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)

	// ListEvents returns one page. A stale sync token returns
	// core.ErrSyncTokenInvalid.
	ListEvents(ctx context.Context, accessToken string, q EventQuery) (*EventPage, error)

	Watch(ctx context.Context, accessToken string, req WatchRequest) (*Channel, error)
	StopChannel(ctx context.Context, accessToken, channelID, resourceID string) error
	Revoke(ctx context.Context, token string) error
}

// Grant is the result of a code exchange or refresh. RefreshToken is
// empty when the provider did not rotate it.
type Grant struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	AccountEmail string
}

// EventQuery selects one page of events. With SyncToken set the query is
// incremental and TimeMin/TimeMax are ignored.
type EventQuery struct {
	CalendarID string
	SyncToken  string
	PageToken  string
	TimeMin    time.Time
	TimeMax    time.Time
	PageSize   int64
}

// Incremental reports whether q continues from a sync token.
func (q EventQuery) Incremental() bool { return q.SyncToken != "" }

// EventPage is one page of results. NextSyncToken is only set on the
// last page of a sequence.
type EventPage struct {
	Events        []RemoteEvent
	NextPageToken string
	NextSyncToken string
}

// EventTime is a provider timestamp: either DateTime (RFC3339) or Date
// (all-day, YYYY-MM-DD).
type EventTime struct {
	DateTime string
	Date     string
	TimeZone string
}

// RemoteEvent is the provider's view of an event, before normalization.
type RemoteEvent struct {
	ID          string
	CalendarID  string
	Summary     string
	Description string
	Location    string
	Start       EventTime
	End         EventTime
	Status      string // confirmed, tentative, cancelled
	HTMLLink    string
	Organizer   string
	Attendees   []core.Attendee
	Reminders   core.Reminders
	Visibility  string
	Updated     string
}

// Cancelled reports whether the event was deleted at the provider.
func (e RemoteEvent) Cancelled() bool { return e.Status == "cancelled" }

// WatchRequest registers a push channel for one calendar.
type WatchRequest struct {
	CalendarID string
	ChannelID  string
	Address    string
	Token      string
	TTL        time.Duration
}

// Channel is a registered push channel.
type Channel struct {
	ID          string
	ResourceID  string
	ResourceURI string
	Expiration  time.Time
}
