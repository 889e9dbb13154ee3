package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tasklane/tasklane/internal/events"
	"github.com/tasklane/tasklane/internal/platform/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// client is one connected websocket consumer.
type client struct {
	conn *websocket.Conn
	send chan events.TaskEventData
}

// Hub fans task lifecycle events out to connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     logger.Logger
	stop    func()
	done    chan struct{}
}

// NewHub subscribes to the bus and starts broadcasting.
func NewHub(bus *events.Bus, log logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	ch, unsubscribe := bus.Subscribe()
	h := &Hub{
		clients: make(map[*client]struct{}),
		log:     log.Named("monitor.ws"),
		stop:    unsubscribe,
		done:    make(chan struct{}),
	}
	go h.broadcast(ch)
	return h
}

func (h *Hub) broadcast(ch <-chan events.TaskEventData) {
	defer close(h.done)
	for event := range ch {
		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- event:
			default:
				// slow consumer: drop the event rather than stall
			}
		}
		h.mu.Unlock()
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan events.TaskEventData, 64)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

// readLoop discards inbound frames; its exit detaches the client.
func (h *Hub) readLoop(c *client) {
	defer h.detach(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// Close unsubscribes from the bus and disconnects every client.
func (h *Hub) Close() {
	h.stop()
	<-h.done
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
	h.mu.Unlock()
}
