// Package api exposes the thin operational HTTP/WS surface described in
// spec.md §9's note that a long-running service still needs health,
// metrics, and circuit-breaker visibility even though a full REST API is a
// non-goal.
//
// Grounded on the teacher's internal/api/websocket.go Hub/Client
// broadcast pattern, narrowed from PhD-level message types (signal, regime,
// agent-status) down to one relay: every record appended to
// internal/eventlog.Logger is pushed to subscribed clients verbatim.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/marcusgoll/sentinel-equity/internal/eventlog"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub relays eventlog.Record values to every connected /ws/events client.
type Hub struct {
	log *eventlog.Logger
	opLog *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan eventlog.Record
}

// NewHub constructs a Hub tailing log via Subscribe.
func NewHub(log *eventlog.Logger, opLog *zap.Logger) *Hub {
	if opLog == nil {
		opLog = zap.NewNop()
	}
	return &Hub{log: log, opLog: opLog.Named("api.hub"), clients: make(map[*client]struct{})}
}

// Run tails the event log and fans records out to every connected client
// until done is closed. Call it once from a background goroutine.
func (h *Hub) Run(done <-chan struct{}) {
	records, unsubscribe := h.log.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-done:
			return
		case rec, ok := <-records:
			if !ok {
				return
			}
			h.broadcast(rec)
		}
	}
}

func (h *Hub) broadcast(rec eventlog.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- rec:
		default:
			// Slow client: drop the record rather than block the hub.
		}
	}
}

// ClientCount reports the number of connected /ws/events subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades r to a websocket connection and streams event records to
// it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opLog.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan eventlog.Record, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

// readPump discards inbound frames (this endpoint is publish-only) and
// tears the client down on disconnect.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		c.conn.Close()
		close(c.send)
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(rec); err != nil {
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
