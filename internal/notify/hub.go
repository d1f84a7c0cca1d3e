// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/flume/internal/log"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer is the per-client outbound queue. A client that falls
	// this far behind is dropped rather than allowed to stall the hub.
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Hub is a websocket Notifier. Clients connect with an ?org= query
// parameter and receive JSON change events for that organization only.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]bool

	closed bool
}

type client struct {
	orgname string
	conn    *websocket.Conn
	send    chan Change
}

// Compile-time assertion.
var _ Notifier = (*Hub)(nil)

// NewHub creates a websocket notification hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: log.WithComponent(logger, "notify"),
		rooms:  make(map[string]map[*client]bool),
	}
}

// ServeHTTP upgrades the connection and subscribes it to the
// organization's room until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orgname := r.URL.Query().Get("org")
	if orgname == "" {
		http.Error(w, "missing org query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", log.Error(err))
		return
	}

	c := &client{
		orgname: orgname,
		conn:    conn,
		send:    make(chan Change, sendBuffer),
	}
	h.register(c)
	h.logger.Info("subscriber connected", log.String(log.OrgKey, orgname))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Publish broadcasts the change to every subscriber of the
// organization. Slow clients are dropped; failures never propagate.
func (h *Hub) Publish(ctx context.Context, orgname string, change Change) {
	h.mu.RLock()
	room := h.rooms[orgname]
	var slow []*client
	for c := range room {
		select {
		case c.send <- change:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow subscriber", log.String(log.OrgKey, orgname))
		h.unregister(c)
	}
}

// Subscribers returns the number of connected clients for an organization.
func (h *Hub) Subscribers(orgname string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[orgname])
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for _, room := range h.rooms {
		for c := range room {
			close(c.send)
			c.conn.Close()
		}
	}
	h.rooms = make(map[string]map[*client]bool)
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		c.conn.Close()
		return
	}
	room := h.rooms[c.orgname]
	if room == nil {
		room = make(map[*client]bool)
		h.rooms[c.orgname] = room
	}
	room[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room := h.rooms[c.orgname]
	if room == nil || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.orgname)
	}
	close(c.send)
	c.conn.Close()
}

// writeLoop pushes queued changes to one client.
func (h *Hub) writeLoop(c *client) {
	for change := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(change); err != nil {
			h.logger.Warn("failed to write change", log.String(log.OrgKey, c.orgname), log.Error(err))
			h.unregister(c)
			return
		}
	}
}

// readLoop drains inbound frames so pings and close handshakes are
// processed; the hub is broadcast-only.
func (h *Hub) readLoop(c *client) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
