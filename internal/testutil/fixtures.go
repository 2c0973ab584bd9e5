package testutil

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/provider"
	"github.com/quantumlife/labcal/internal/storage"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// EventFixture returns a timed provider event starting at start.
func EventFixture(id string, start time.Time) provider.RemoteEvent {
	return provider.RemoteEvent{
		ID:         id,
		CalendarID: "primary",
		Summary:    "Lab meeting " + id,
		Location:   "Room 2.14",
		Start:      provider.EventTime{DateTime: start.UTC().Format(time.RFC3339)},
		End:        provider.EventTime{DateTime: start.Add(time.Hour).UTC().Format(time.RFC3339)},
		Status:     "confirmed",
		HTMLLink:   "https://calendar.google.com/event?eid=" + id,
		Organizer:  "pi@example.com",
		Attendees: []core.Attendee{
			{Email: "pi@example.com", Organizer: true, ResponseStatus: "accepted"},
			{Email: "student@example.com", ResponseStatus: "needsAction"},
		},
		Reminders:  core.Reminders{Overrides: []core.Reminder{{Method: "popup", Minutes: 10}}},
		Visibility: "default",
		Updated:    start.UTC().Format(time.RFC3339),
	}
}

// TokenFixture returns a token record expiring at expiry.
func TokenFixture(userID string, expiry time.Time) *core.TokenRecord {
	return &core.TokenRecord{
		AccessToken:     "at-" + RandomID(),
		RefreshToken:    "rt-" + RandomID(),
		Expiry:          expiry.UTC(),
		Provider:        core.ProviderGoogle,
		UserID:          userID,
		AccountEmail:    userID + "@example.com",
		CreatedAt:       time.Now().UTC(),
		LastRefreshedAt: time.Now().UTC(),
	}
}

// CreateConnection stores an active connection for userID.
func CreateConnection(t *testing.T, conns *storage.ConnectionStore, userID string) *core.Connection {
	t.Helper()
	conn := &core.Connection{
		ID:           "conn-" + RandomID(),
		UserID:       userID,
		Provider:     core.ProviderGoogle,
		AccountEmail: userID + "@example.com",
		CalendarIDs:  []string{"primary"},
		Status:       core.StatusActive,
	}
	if err := conns.Create(context.Background(), conn); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}
