// Package feed serves alert groups to WebSocket clients. It is the
// development counterpart of the session package: the hub keeps the latest
// message per group, broadcasts every group message to all sockets and
// replays the known groups to sockets that connect later.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ritzau/incident-trees/pkg/logging"
	"github.com/ritzau/incident-trees/pkg/metrics"
	"github.com/ritzau/incident-trees/pkg/model"
)

const (
	writeWait = 10 * time.Second

	// sendBuffer is how many frames a client may lag behind before the
	// hub drops it
	sendBuffer = 64

	// TypeDeleteGroup is the inbound command that makes the hub forget a group
	TypeDeleteGroup = "delete_group"
)

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("feed hub closed")

// Publisher accepts group messages for broadcast
type Publisher interface {
	Publish(msg *model.GroupMessage) error
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub is an http.Handler that upgrades requests to WebSocket clients
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	groups  map[string][]byte
	order   []string
	closed  bool
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		groups:  make(map[string][]byte),
	}
}

// Publish remembers msg as the latest message of its group and sends it to
// every connected client.
func (h *Hub) Publish(msg *model.GroupMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding group %s: %w", msg.GroupID, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}

	if _, known := h.groups[msg.GroupID]; !known {
		h.order = append(h.order, msg.GroupID)
	}
	h.groups[msg.GroupID] = data

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			logging.Warn("dropping slow feed client", "remote", c.conn.RemoteAddr().String())
			h.removeLocked(c)
		}
	}
	metrics.FeedBroadcasts.Inc()

	logging.Debug("broadcast group", "groupID", msg.GroupID, "alerts", len(msg.Alerts), "clients", len(h.clients))
	return nil
}

// Delete forgets a group so it is no longer replayed to new clients.
// Connected clients are not told.
func (h *Hub) Delete(groupID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.groups[groupID]; !ok {
		return false
	}
	delete(h.groups, groupID)
	for i, id := range h.order {
		if id == groupID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	logging.Debug("forgot group", "groupID", groupID)
	return true
}

// Groups returns the ids of the known groups in the order they first appeared
func (h *Hub) Groups() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and serves the socket until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.WarnContext(r.Context(), "failed to upgrade feed client", "error", err)
		return
	}

	c, err := h.register(conn)
	if err != nil {
		conn.Close()
		return
	}
	logging.InfoContext(r.Context(), "feed client connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	h.readPump(c)

	h.unregister(c)
	logging.InfoContext(r.Context(), "feed client disconnected", "remote", conn.RemoteAddr().String())
}

// register adds the client and queues the replay of every known group
func (h *Hub) register(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBuffer+len(h.order)),
	}
	for _, id := range h.order {
		c.send <- h.groups[id]
	}
	h.clients[c] = struct{}{}
	metrics.FeedClients.Inc()
	return c, nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.FeedClients.Dec()
}

// readPump handles frames sent by the viewer. Group messages are published
// like any other source; delete_group forgets a group. Anything else is
// logged and ignored.
func (h *Hub) readPump(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("feed client read error", "error", err)
			}
			return
		}
		h.handleInbound(data)
	}
}

func (h *Hub) handleInbound(data []byte) {
	var envelope struct {
		Type    string `json:"type"`
		GroupID string `json:"group_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		logging.Debug("ignoring non-JSON frame from feed client", "error", err)
		return
	}

	if envelope.Type == TypeDeleteGroup {
		h.Delete(envelope.GroupID)
		return
	}

	msg, err := model.DecodeGroupMessage(data)
	if err != nil {
		logging.Debug("ignoring frame from feed client", "type", envelope.Type, "error", err)
		return
	}
	if err := h.Publish(msg); err != nil {
		logging.Warn("failed to publish client group", "groupID", msg.GroupID, "error", err)
	}
}

// writePump owns all writes to the socket. It exits when send is closed.
func (c *client) writePump() {
	defer c.conn.Close()

	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Debug("feed write failed", "error", err)
			// Unblock readPump so the client gets unregistered
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Close disconnects every client and rejects further publishes
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	logging.Debug("feed hub closed")
}
