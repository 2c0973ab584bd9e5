package api

import (
	"net/http"
	"strconv"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/notifications"
)

const maxNotifications = 200

// handleListNotifications returns recent connection events for the caller,
// newest first. Administrators may pass ?all=true to see every user.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	actor := core.ActorFrom(r.Context())
	q := r.URL.Query()

	filter := notifications.Filter{
		UserID:       actor.ID,
		ConnectionID: q.Get("connection_id"),
		Type:         notifications.EventType(q.Get("type")),
		Limit:        50,
	}
	if actor.Admin && q.Get("all") == "true" {
		filter.UserID = ""
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxNotifications {
			s.respondError(w, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 200")
			return
		}
		filter.Limit = n
	}

	events := s.notifications.Recent(filter)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": events,
		"count":         len(events),
	})
}
