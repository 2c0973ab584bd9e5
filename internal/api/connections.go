package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/notifications"
	"github.com/quantumlife/labcal/internal/storage"
)

const maxEventLimit = 2500

// ConnectionResponse represents a connection in the API response
type ConnectionResponse struct {
	*core.Connection
	ReconnectRequired bool `json:"reconnect_required"`
}

func connectionResponse(c *core.Connection) ConnectionResponse {
	return ConnectionResponse{Connection: c, ReconnectRequired: c.NeedsReconnect()}
}

// handleConnect starts the consent flow for the caller
// POST /api/v1/calendar/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	actor := core.ActorFrom(r.Context())
	start, err := s.oauth.StartAuth(r.Context(), actor.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, start)
}

// handleOAuthCallback completes the consent flow. The state identifies the
// user, so the request carries no bearer token.
// GET /api/v1/calendar/oauth/callback?code=&state=
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if denied := q.Get("error"); denied != "" {
		s.respondError(w, http.StatusBadRequest, "consent_denied", "authorization was not granted: "+denied)
		return
	}

	conn, err := s.oauth.CompleteAuth(r.Context(), "", q.Get("code"), q.Get("state"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, connectionResponse(conn))
}

// handleListConnections returns the caller's connections. Administrators
// may pass all=true to list every connection.
// GET /api/v1/calendar/connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	actor := core.ActorFrom(r.Context())

	var (
		conns []*core.Connection
		err   error
	)
	if actor.Admin && r.URL.Query().Get("all") == "true" {
		conns, err = s.conns.ListAll(r.Context())
	} else {
		conns, err = s.conns.ListByUser(r.Context(), actor.ID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]ConnectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionResponse(c))
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"connections": out,
		"count":       len(out),
	})
}

// loadConnection returns the connection named in the path if the caller
// owns it or is an administrator. Other users see 404.
func (s *Server) loadConnection(w http.ResponseWriter, r *http.Request) (*core.Connection, bool) {
	actor := core.ActorFrom(r.Context())
	conn, err := s.conns.Get(r.Context(), chi.URLParam(r, "id"))
	if err == nil && conn.UserID != actor.ID && !actor.Admin {
		err = core.ErrNotFound
	}
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return conn, true
}

// GET /api/v1/calendar/connections/{id}
func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.loadConnection(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, connectionResponse(conn))
}

// handleListEvents reads the mirror of a connection
// GET /api/v1/calendar/connections/{id}/events?from=&to=&calendar_id=&limit=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.loadConnection(w, r)
	if !ok {
		return
	}

	q, err := parseEventQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q.ConnectionID = conn.ID

	events, err := s.events.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*core.MirroredEvent{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": conn.ID,
		"status":        conn.Status,
		"degraded":      conn.Degraded,
		"last_sync_at":  conn.LastSyncAt,
		"events":        events,
		"count":         len(events),
	})
}

func parseEventQuery(r *http.Request) (storage.EventQuery, error) {
	query := r.URL.Query()
	q := storage.EventQuery{CalendarID: query.Get("calendar_id")}

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.From}, {"to", &q.To}} {
		v := query.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return q, fmt.Errorf("%s must be RFC3339: %w", p.name, core.ErrInvalidInput)
		}
		*p.dst = t.UTC()
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return q, fmt.Errorf("to is before from: %w", core.ErrInvalidInput)
	}

	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("limit must be a positive integer: %w", core.ErrInvalidInput)
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		q.Limit = n
	}
	return q, nil
}

// handleTriggerSync queues a sync for the connection. A pass that is
// already queued or running absorbs the request.
// POST /api/v1/calendar/connections/{id}/sync
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.loadConnection(w, r)
	if !ok {
		return
	}

	switch conn.Status {
	case core.StatusError:
		s.writeError(w, r, fmt.Errorf("connection %s: %w", conn.ID, core.ErrAuthenticationRequired))
		return
	case core.StatusRevoked:
		s.writeError(w, r, fmt.Errorf("connection %s: %w", conn.ID, core.ErrConnectionRevoked))
		return
	}

	if s.dispatcher == nil {
		s.respondError(w, http.StatusServiceUnavailable, "unavailable", "sync dispatcher not configured")
		return
	}
	if err := s.dispatcher.Enqueue(r.Context(), conn.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"status":        "queued",
		"connection_id": conn.ID,
	})
}

// handleUnlink revokes the connection. Unlinking twice succeeds.
// DELETE /api/v1/calendar/connections/{id}
func (s *Server) handleUnlink(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.loadConnection(w, r)
	if !ok {
		return
	}
	wasRevoked := conn.Status == core.StatusRevoked

	if err := s.oauth.Unlink(r.Context(), conn.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.conns.Get(r.Context(), conn.ID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}
	if updated == nil {
		updated = conn
	}
	if !wasRevoked && s.notifications != nil {
		s.notifications.ConnectionChanged(r.Context(), notifications.EventUnlinked, updated, "calendar unlinked")
	}
	s.respondJSON(w, http.StatusOK, connectionResponse(updated))
}
