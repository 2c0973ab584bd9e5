package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/logging"
	"github.com/quantumlife/labcal/internal/notifications"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongTimeout  = 60 * time.Second
	streamPingInterval = 50 * time.Second
	streamBuffer       = 32
	streamReplay       = 20
)

var errSlowClient = errors.New("stream client is not keeping up")

// StreamHub serves the live connection-status stream. Each websocket
// client subscribes to the notification service and sees only events of
// its own user; administrators see everything.
type StreamHub struct {
	service  *notifications.Service
	upgrader websocket.Upgrader

	clients map[string]*streamClient
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *logging.Logger

	mu sync.Mutex
}

// NewStreamHub creates a hub. allowedOrigins limits browser origins; an
// empty list or "*" allows any.
func NewStreamHub(service *notifications.Service, allowedOrigins []string) *StreamHub {
	ctx, cancel := context.WithCancel(context.Background())

	origins := make(map[string]bool, len(allowedOrigins))
	anyOrigin := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			anyOrigin = true
		}
		origins[o] = true
	}

	return &StreamHub{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || origins[origin]
			},
		},
		clients: make(map[string]*streamClient),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Component("stream"),
	}
}

// ClientCount returns the number of connected clients
func (h *StreamHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects or the hub closes.
// GET /api/v1/calendar/stream
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor := core.ActorFrom(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &streamClient{
		id:    uuid.New().String(),
		actor: actor,
		conn:  conn,
		send:  make(chan notifications.WebSocketMessage, streamBuffer),
		done:  make(chan struct{}),
	}
	c.replay(h.service, streamReplay)

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.service.Subscribe(c)

	h.log.WithFields(map[string]interface{}{
		"client_id": c.id,
		"user_id":   actor.ID,
	}).Debug("stream client connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop(h.ctx)
	}()

	c.readLoop()

	// Cleanup
	h.service.Unsubscribe(c.id)
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.shutdown()
	h.log.WithField("client_id", c.id).Debug("stream client disconnected")
}

// Close disconnects every client and waits for their writers to stop.
func (h *StreamHub) Close() {
	h.cancel()
	h.mu.Lock()
	for _, c := range h.clients {
		c.shutdown()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

type streamClient struct {
	id    string
	actor core.Actor
	conn  *websocket.Conn
	send  chan notifications.WebSocketMessage
	done  chan struct{}
	once  sync.Once
}

func (c *streamClient) ID() string { return c.id }

// Send queues ev for the client if the client may see it. It never
// blocks the publisher.
func (c *streamClient) Send(ev notifications.Event) error {
	if !c.visible(ev) {
		return nil
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	select {
	case c.send <- notifications.WebSocketMessage{Type: string(ev.Type), Payload: ev}:
		return nil
	default:
		return errSlowClient
	}
}

func (c *streamClient) visible(ev notifications.Event) bool {
	return c.actor.Admin || ev.UserID == c.actor.ID
}

// replay queues the most recent events, oldest first.
func (c *streamClient) replay(service *notifications.Service, n int) {
	filter := notifications.Filter{Limit: n}
	if !c.actor.Admin {
		filter.UserID = c.actor.ID
	}
	recent := service.Recent(filter)
	for i := len(recent) - 1; i >= 0; i-- {
		_ = c.Send(recent[i])
	}
}

// readLoop discards client messages and returns when the connection drops.
func (c *streamClient) readLoop() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(streamPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *streamClient) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.closeWith(websocket.CloseGoingAway)
			return
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *streamClient) closeWith(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.shutdown()
}

func (c *streamClient) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
