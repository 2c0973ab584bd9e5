package calsync

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/provider"
)

const dateLayout = "2006-01-02"

var errMissingTime = errors.New("event has no start or end time")

// Normalize converts a provider event into its mirrored form. Fields the
// mirror does not model are dropped. An event whose times cannot be parsed
// is still returned, with sync-error status, so it stays visible.
func Normalize(connectionID string, ev provider.RemoteEvent, syncedAt time.Time) *core.MirroredEvent {
	m := &core.MirroredEvent{
		ConnectionID: connectionID,
		ExternalID:   ev.ID,
		CalendarID:   ev.CalendarID,
		Title:        ev.Summary,
		Description:  ev.Description,
		Location:     ev.Location,
		Organizer:    ev.Organizer,
		Visibility:   ev.Visibility,
		Reminders:    ev.Reminders,
		ReadOnly:     true,
		SyncStatus:   core.EventSynced,
		LastSyncedAt: syncedAt.UTC(),
		ExternalLink: ev.HTMLLink,
	}
	if m.Title == "" {
		m.Title = "(No title)"
	}
	if m.Visibility == "" {
		m.Visibility = "default"
	}

	if len(ev.Attendees) > 0 {
		m.Attendees = make([]core.Attendee, len(ev.Attendees))
		copy(m.Attendees, ev.Attendees)
	}
	if len(ev.Reminders.Overrides) > 0 {
		m.Reminders.Overrides = make([]core.Reminder, len(ev.Reminders.Overrides))
		copy(m.Reminders.Overrides, ev.Reminders.Overrides)
	}

	if ev.Updated != "" {
		if t, err := time.Parse(time.RFC3339, ev.Updated); err == nil {
			m.RemoteUpdatedAt = t.UTC()
		}
	}

	start, allDay, err := parseEventTime(ev.Start)
	if err == nil {
		var end time.Time
		end, _, err = parseEventTime(ev.End)
		m.End = end
	}
	m.Start = start
	m.AllDay = allDay
	if err != nil {
		m.SyncStatus = core.EventSyncError
		return m
	}
	if m.End.Before(m.Start) {
		m.SyncStatus = core.EventSyncError
	}
	return m
}

// parseEventTime reads either an RFC3339 instant or an all-day date. All-day
// dates are taken at midnight in the event's time zone when it is known.
func parseEventTime(t provider.EventTime) (time.Time, bool, error) {
	switch {
	case t.DateTime != "":
		v, err := time.Parse(time.RFC3339, t.DateTime)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse date-time %q: %w", t.DateTime, err)
		}
		return v.UTC(), false, nil
	case t.Date != "":
		loc := time.UTC
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		v, err := time.ParseInLocation(dateLayout, t.Date, loc)
		if err != nil {
			return time.Time{}, true, fmt.Errorf("parse date %q: %w", t.Date, err)
		}
		return v.UTC(), true, nil
	default:
		return time.Time{}, false, errMissingTime
	}
}
