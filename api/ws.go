package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/fieldlink/bus"
	"github.com/c360/fieldlink/model"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 50 * time.Second
	clientSendBuffer = 64
)

// pushEvent is the envelope sent to subscribed dashboard clients.
type pushEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub fans bus events out to websocket clients. A client that cannot keep
// up with its send buffer is dropped rather than blocking the fan-out.
type Hub struct {
	eventBus bus.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	subs    []bus.Subscription
	stopped bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan pushEvent
}

func newHub(eventBus bus.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		logger:   logger.With("component", "push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser dashboards connect cross-origin in dev setups.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// start subscribes the hub to the event bus.
func (h *Hub) start(_ context.Context) {
	if sub, err := h.eventBus.SubscribeReadings(func(r model.Reading) {
		h.broadcast(pushEvent{Type: "reading", Data: r})
	}); err == nil {
		h.subs = append(h.subs, sub)
	} else {
		h.logger.Error("reading subscription failed", "error", err)
	}

	if sub, err := h.eventBus.SubscribeAlerts(func(ev bus.AlertEvent) {
		typ := "alert"
		switch {
		case ev.Resolution:
			typ = "alert_resolved"
		case ev.Escalated:
			typ = "alert_escalated"
		}
		h.broadcast(pushEvent{Type: typ, Data: ev.Alert})
	}); err == nil {
		h.subs = append(h.subs, sub)
	} else {
		h.logger.Error("alert subscription failed", "error", err)
	}

	if sub, err := h.eventBus.SubscribeHealth(func(ev bus.HealthEvent) {
		h.broadcast(pushEvent{Type: "connection_state", Data: ev})
	}); err == nil {
		h.subs = append(h.subs, sub)
	} else {
		h.logger.Error("health subscription failed", "error", err)
	}
}

// stop unsubscribes and closes all client connections.
func (h *Hub) stop() {
	h.mu.Lock()
	h.stopped = true
	subs := h.subs
	h.subs = nil
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) broadcast(ev pushEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Slow client: drop it so one stalled dashboard cannot
			// back up the fan-out.
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// serveWS upgrades the connection and registers the client.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan pushEvent, clientSendBuffer)}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("push client connected", "clients", count)

	go h.writeLoop(client)
	go h.readLoop(client)
}

// writeLoop drains the client's send channel and keeps the connection alive
// with pings. It owns all writes to the connection.
func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames and unregisters on close.
func (h *Hub) readLoop(c *wsClient) {
	defer h.unregister(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}
