package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/notifications"
)

func TestListNotifications(t *testing.T) {
	env := newAPIEnv(t, nil)
	ctx := context.Background()

	c1 := &core.Connection{ID: "c-1", UserID: "user-1", Status: core.StatusActive}
	c2 := &core.Connection{ID: "c-2", UserID: "user-2", Status: core.StatusActive}
	env.notes.ConnectionChanged(ctx, notifications.EventLinked, c1, "calendar linked")
	env.notes.ConnectionChanged(ctx, notifications.EventLinked, c2, "calendar linked")
	c1.Status = core.StatusError
	env.notes.ConnectionChanged(ctx, notifications.EventReconnectRequired, c1, "invalid_grant")

	type listResponse struct {
		Notifications []notifications.Event `json:"notifications"`
		Count         int                   `json:"count"`
	}

	t.Run("own events newest first", func(t *testing.T) {
		rr := env.do(t, "GET", "/api/v1/calendar/notifications", token(t, "user-1", false), nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var body listResponse
		decode(t, rr, &body)
		require.Equal(t, 2, body.Count)
		assert.Equal(t, notifications.EventReconnectRequired, body.Notifications[0].Type)
		assert.Equal(t, notifications.EventLinked, body.Notifications[1].Type)
	})

	t.Run("type filter", func(t *testing.T) {
		rr := env.do(t, "GET", "/api/v1/calendar/notifications?type=connection.linked", token(t, "user-1", false), nil)
		var body listResponse
		decode(t, rr, &body)
		require.Equal(t, 1, body.Count)
		assert.Equal(t, "c-1", body.Notifications[0].ConnectionID)
	})

	t.Run("all is ignored for users", func(t *testing.T) {
		rr := env.do(t, "GET", "/api/v1/calendar/notifications?all=true", token(t, "user-2", false), nil)
		var body listResponse
		decode(t, rr, &body)
		assert.Equal(t, 1, body.Count)
	})

	t.Run("admin sees all", func(t *testing.T) {
		rr := env.do(t, "GET", "/api/v1/calendar/notifications?all=true", token(t, "root", true), nil)
		var body listResponse
		decode(t, rr, &body)
		assert.Equal(t, 3, body.Count)
	})

	t.Run("bad limit", func(t *testing.T) {
		rr := env.do(t, "GET", "/api/v1/calendar/notifications?limit=0", token(t, "user-1", false), nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_input", errorCode(t, rr))
	})

	t.Run("requires auth", func(t *testing.T) {
		rr := env.do(t, "GET", "/api/v1/calendar/notifications", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
