package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlife/labcal/internal/calsync"
	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
)

const defaultHistory = 200

// Subscriber receives events in real-time
type Subscriber interface {
	Send(event Event) error
	ID() string
}

// Service broadcasts status events and keeps a short history
type Service struct {
	subscribers map[string]Subscriber
	history     []Event
	maxHistory  int
	mu          sync.RWMutex
	log         *logging.Logger
}

// NewService creates a new notification service
func NewService() *Service {
	return &Service{
		subscribers: make(map[string]Subscriber),
		maxHistory:  defaultHistory,
		log:         logging.Component("notifications"),
	}
}

// Subscribe adds a subscriber for real-time events
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID()] = sub
}

// Unsubscribe removes a subscriber
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, id)
}

// SubscriberCount returns the number of live subscribers
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Publish records an event and sends it to all subscribers
func (s *Service) Publish(ctx context.Context, ev Event) Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	s.history = append(s.history, ev)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
	subs := make([]Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		go func(subscriber Subscriber) {
			if err := subscriber.Send(ev); err != nil {
				s.log.WithContext(ctx).WithError(err).WithField("subscriber", subscriber.ID()).Debug("event delivery failed")
			}
		}(sub)
	}

	return ev
}

// Recent returns matching events, newest first
func (s *Service) Recent(filter Filter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var out []Event
	for i := len(s.history) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.history[i]
		if filter.UserID != "" && ev.UserID != filter.UserID {
			continue
		}
		if filter.ConnectionID != "" && ev.ConnectionID != filter.ConnectionID {
			continue
		}
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// ConnectionChanged publishes the connection's current state
func (s *Service) ConnectionChanged(ctx context.Context, t EventType, conn *core.Connection, message string) {
	if conn == nil {
		return
	}
	s.Publish(ctx, Event{
		Type:         t,
		UserID:       conn.UserID,
		ConnectionID: conn.ID,
		Status:       conn.Status,
		Degraded:     conn.Degraded,
		Message:      message,
	})
}

// ReconnectRequired tells the owner that the connection needs a new consent.
func (s *Service) ReconnectRequired(ctx context.Context, conn *core.Connection, reason string) {
	s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"connection_id": conn.ID,
		"user_id":       conn.UserID,
	}).Warn("calendar connection needs to be reconnected: %s", reason)
	s.ConnectionChanged(ctx, EventReconnectRequired, conn, reason)
}

// SyncFinished publishes the outcome of a sync pass.
func (s *Service) SyncFinished(ctx context.Context, conn *core.Connection, res *calsync.Result, err error) {
	if err != nil {
		s.ConnectionChanged(ctx, EventSyncFailed, conn, err.Error())
		return
	}
	msg := ""
	if res != nil {
		msg = fmt.Sprintf("%s sync of %d calendars", res.Kind(), len(res.Calendars))
	}
	s.ConnectionChanged(ctx, EventSyncCompleted, conn, msg)
}
