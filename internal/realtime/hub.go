// Package realtime pushes orchestrator status to websocket clients.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/probestation/probe-agent/internal/ota"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Message types sent to clients.
const (
	TypeStatus          = "status"
	TypeProgress        = "progress"
	TypeRelease         = "release"
	TypeUpdateAvailable = "update_available"
)

// Message is one JSON frame on the socket.
type Message struct {
	Type    string           `json:"type"`
	Status  *ota.Progress    `json:"status,omitempty"`
	Release *ota.ReleaseView `json:"release,omitempty"`
	Current string           `json:"current,omitempty"`
	Latest  string           `json:"latest,omitempty"`
}

// Source provides what a newly connected client is sent.
type Source interface {
	Progress() ota.Progress
	ReleaseInfo() ota.ReleaseView
	IsUpdateAvailable() bool
	CurrentVersion() string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans status messages out to connected clients. While OTA mode is on
// it holds no connections and refuses new ones.
type Hub struct {
	source Source
	log    *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	otaMode atomic.Bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub returns an empty hub.
func NewHub(source Source, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{source: source, log: log, clients: map[*client]struct{}{}}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.otaMode.Load() {
		http.Error(w, "OTA update in progress", http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.otaMode.Load() {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "OTA update in progress"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("websocket client connected", zap.String("remote_addr", r.RemoteAddr), zap.Int("clients", h.Len()))

	go h.writeLoop(c)
	h.greet(c)
	go h.readLoop(c)
}

func (h *Hub) greet(c *client) {
	if h.source == nil {
		return
	}
	p := h.source.Progress()
	h.enqueue(c, Message{Type: TypeStatus, Status: &p})
	if h.source.IsUpdateAvailable() {
		h.enqueue(c, h.updateAvailable())
	}
}

func (h *Hub) updateAvailable() Message {
	rel := h.source.ReleaseInfo()
	return Message{Type: TypeUpdateAvailable, Current: h.source.CurrentVersion(), Latest: rel.Tag, Release: &rel}
}

func (h *Hub) enqueue(c *client, msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode websocket message", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- b:
	default:
		h.dropLocked(c)
	}
}

// Broadcast sends msg to every client. Clients that cannot keep up are
// disconnected.
func (h *Hub) Broadcast(msg Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode websocket message", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.dropLocked(c)
		}
	}
}

// Publish converts an orchestrator event into a broadcast.
func (h *Hub) Publish(ev ota.Event) {
	switch e := ev.(type) {
	case ota.StateChanged:
		h.Broadcast(Message{Type: TypeStatus, Status: &e.Progress})
	case ota.ProgressChanged:
		h.Broadcast(Message{Type: TypeProgress, Status: &e.Progress})
	case ota.ReleaseFetched:
		h.Broadcast(Message{Type: TypeRelease, Release: &e.Release})
		if h.source != nil && h.source.IsUpdateAvailable() {
			h.Broadcast(h.updateAvailable())
		}
	}
}

// SetOTAMode disconnects every client and refuses new ones while enabled.
func (h *Hub) SetOTAMode(enabled bool) {
	if h.otaMode.Swap(enabled) == enabled {
		return
	}
	if !enabled {
		h.log.Info("websocket accepting clients again")
		return
	}
	h.mu.Lock()
	n := len(h.clients)
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	h.log.Info("websocket clients released for update", zap.Int("clients", n))
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.dropLocked(c)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) dropLocked(c *client) {
	delete(h.clients, c)
	c.close()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.dropLocked(c)
	h.mu.Unlock()
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case b, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readLoop handles the one client command, "refresh", and detects
// disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd struct {
			Cmd string `json:"cmd"`
		}
		if json.Unmarshal(data, &cmd) == nil && cmd.Cmd == "refresh" {
			h.greet(c)
		}
	}
}
