package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gttdesk/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// wsRequest is a client message narrowing the plans it hears about. An empty
// subscription receives every plan.
type wsRequest struct {
	Op    string   `json:"op"` // subscribe or unsubscribe
	Plans []string `json:"plans"`
}

// wsMessage is a server message.
type wsMessage struct {
	Type   string        `json:"type"`
	Client string        `json:"client,omitempty"`
	Event  *domain.Event `json:"event,omitempty"`
}

// Hub fans desk events out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	log     *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{clients: make(map[*wsClient]struct{}), log: log}
}

// Run forwards events from the desk feed until ctx is done.
func (h *Hub) Run(ctx context.Context, d Desk) {
	events, unsubscribe := d.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every client subscribed to its plan. Clients whose
// buffer is full are dropped.
func (h *Hub) Broadcast(ev domain.Event) {
	msg, err := json.Marshal(wsMessage{Type: "event", Event: &ev})
	if err != nil {
		h.log.Error("ws marshal", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(ev.PlanID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.Warn("ws client too slow, dropping", "client", c.id)
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("ws client connected", "client", c.id, "total", n)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.log.Debug("ws client disconnected", "client", c.id, "total", len(h.clients))
	}
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subsMu sync.RWMutex
	plans  []string
}

func (c *wsClient) wants(planID string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.plans) == 0 || slices.Contains(c.plans, planID)
}

func (c *wsClient) apply(req wsRequest) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	switch req.Op {
	case "subscribe":
		for _, id := range req.Plans {
			if !slices.Contains(c.plans, id) {
				c.plans = append(c.plans, id)
			}
		}
	case "unsubscribe":
		c.plans = slices.DeleteFunc(c.plans, func(id string) bool { return slices.Contains(req.Plans, id) })
	default:
		c.hub.log.Debug("ws unknown op", "client", c.id, "op", req.Op)
	}
}

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(s.cfg.CORSOrigins) == 0 || slices.Contains(s.cfg.CORSOrigins, origin)
		},
	}
}

// handleWebSocket upgrades the connection and streams desk events to it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		id:   uuid.NewString(),
	}
	if planID := r.URL.Query().Get("plan"); planID != "" {
		c.plans = []string{planID}
	}
	// The greeting is always the first message; events published after the
	// client has read it are delivered.
	hello, _ := json.Marshal(wsMessage{Type: "connected", Client: c.id})
	c.send <- hello
	s.hub.add(c)

	go c.writePump()
	go c.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ws read error", "client", c.id, "error", err)
			}
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.hub.log.Debug("ws invalid message", "client", c.id, "error", err)
			continue
		}
		c.apply(req)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
