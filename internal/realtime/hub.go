// Package realtime streams alert activity to websocket clients.
package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/alert-service/internal/model"

	"github.com/gorilla/websocket"
)

const (
	EventAlertRaised       = "alert.raised"
	EventAlertAcknowledged = "alert.acknowledged"
)

type Event struct {
	Type  string       `json:"type"`
	Alert *model.Alert `json:"alert,omitempty"`
	At    time.Time    `json:"at"`
}

type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// filter narrows what a client receives; empty fields match everything.
type filter struct {
	deviceID   string
	severities map[model.Severity]bool
}

func (f filter) matches(a *model.Alert) bool {
	if a == nil {
		return true
	}
	if f.deviceID != "" && a.DeviceID != f.deviceID {
		return false
	}
	return len(f.severities) == 0 || f.severities[a.Severity]
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	filter filter
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Served behind api-gateway which enforces auth.
				return true
			},
		},
		clients: map[*client]struct{}{},
	}
}

// ServeHTTP upgrades the request. Optional query parameters device_id and
// severity (comma separated) restrict the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f := filter{deviceID: strings.TrimSpace(r.URL.Query().Get("device_id"))}
	if raw := r.URL.Query().Get("severity"); raw != "" {
		f.severities = map[model.Severity]bool{}
		for _, s := range strings.Split(raw, ",") {
			sev, err := model.ParseSeverity(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.severities[sev] = true
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32), filter: f}
	h.addClient(c)

	go h.writePump(c)
	h.readPump(c)
}

// PublishAlert is an engine listener for newly persisted alerts.
func (h *Hub) PublishAlert(a model.Alert) {
	h.Broadcast(Event{Type: EventAlertRaised, Alert: &a})
}

func (h *Hub) PublishAck(a model.Alert) {
	h.Broadcast(Event{Type: EventAlertAcknowledged, Alert: &a})
}

func (h *Hub) Broadcast(ev Event) {
	ev.At = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.matches(ev.Alert) {
			continue
		}
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			delete(h.clients, c)
			close(c.send)
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
