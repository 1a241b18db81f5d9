package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/opsledger/opsledger/internal/ledger"
)

// feedHub fans appended audit entries out to the dashboard's live-feed
// connections. The client set is a mutex-guarded map; each client owns a
// buffered outbound channel drained by its own write loop, so a slow
// consumer can only ever lose its own connection, never stall an append
// or another client.
type feedHub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

// feedClient is one WebSocket subscriber. Writes go through send; only the
// write loop touches the connection for outbound frames.
type feedClient struct {
	conn *websocket.Conn
	send chan []byte
}

// upgrader handles the HTTP → WebSocket upgrade. The feed is served on the
// same port as the UI (same-origin) and carries no privileged operations,
// so all origins are accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFeedHub() *feedHub {
	return &feedHub{clients: make(map[*feedClient]struct{})}
}

// broadcast marshals the entry once and hands the frame to every connected
// client. A client whose buffer is full is dropped on the spot; it can
// reconnect and catch up from /api/entries.
func (h *feedHub) broadcast(e ledger.Entry) {
	msg, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal feed entry", "seq", e.Seq, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *feedHub) attach(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	slog.Debug("feed client connected", "total", total)
}

// detach removes the client and closes its channel unless broadcast
// already dropped it.
func (h *feedHub) detach(c *feedClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	slog.Debug("feed client disconnected", "total", total)
}

// handleWebSocket upgrades the connection and subscribes it to the feed.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	d.hub.attach(c)

	go c.writeLoop()
	go c.readLoop(d.hub)
}

// writeLoop drains the send channel into the connection until the channel
// closes or a write fails.
func (c *feedClient) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readLoop exists only to notice disconnects; the feed is one-directional
// and inbound payloads are discarded.
func (c *feedClient) readLoop(hub *feedHub) {
	defer func() {
		hub.detach(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
