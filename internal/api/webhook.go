package api

import (
	"errors"
	"net/http"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/webhook"
)

// Push notification headers
const (
	headerChannelID     = "X-Goog-Channel-ID"
	headerResourceID    = "X-Goog-Resource-ID"
	headerChannelToken  = "X-Goog-Channel-Token"
	headerResourceState = "X-Goog-Resource-State"
	headerMessageNumber = "X-Goog-Message-Number"
)

// handleWebhook receives provider push notifications. Discarded messages
// are still acknowledged so the provider does not retry them; only a
// failure on our side asks for redelivery.
// POST /api/v1/calendar/webhook
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhookLimiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.respondError(w, http.StatusTooManyRequests, "rate_limited", "too many notifications")
		return
	}

	n := webhook.Notification{
		ChannelID:     r.Header.Get(headerChannelID),
		ResourceID:    r.Header.Get(headerResourceID),
		Token:         r.Header.Get(headerChannelToken),
		State:         r.Header.Get(headerResourceState),
		MessageNumber: r.Header.Get(headerMessageNumber),
	}

	err := s.webhooks.HandleNotification(r.Context(), n)
	switch {
	case err == nil,
		errors.Is(err, webhook.ErrUnknownChannel),
		errors.Is(err, webhook.ErrChannelMismatch):
		w.WriteHeader(http.StatusOK)
	case core.IsRetryable(err):
		s.writeError(w, r, err)
	default:
		s.log.WithContext(r.Context()).WithError(err).WithField("channel_id", n.ChannelID).Error("webhook notification failed")
		w.WriteHeader(http.StatusInternalServerError)
	}
}
