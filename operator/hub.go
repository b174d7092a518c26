package operator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goutils "go.viam.com/utils"

	"github.com/rideseat/seatmotion/logging"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the operator panel is served from another origin; CORS already allows any
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket subscriber.
type client struct {
	id   string
	hub  *hub
	conn *websocket.Conn
	send chan []byte
	done <-chan struct{}
}

// hub fans status messages out to websocket clients. Slow clients are disconnected rather than
// allowed to hold up the broadcast.
type hub struct {
	logger logging.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub(logger logging.Logger) *hub {
	return &hub{
		logger:     logger,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		clients:    map[*client]bool{},
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debugw("status stream client connected", "id", c.id, "clients", n)
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.remove(c)
			}
		}
	}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debugw("status stream client disconnected", "id", c.id, "clients", len(h.clients))
	}
}

// publish queues msg for every client without blocking.
func (h *hub) publish(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serve upgrades the request and runs the client until either side goes away. initial is sent
// before anything broadcast.
func (h *hub) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, initial []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	c := &client{id: uuid.NewString(), hub: h, conn: conn, send: make(chan []byte, sendBufferSize), done: ctx.Done()}
	c.send <- initial
	select {
	case h.register <- c:
	case <-ctx.Done():
		goutils.UncheckedError(conn.Close())
		return
	}
	go c.writePump()
	c.readPump()
}

// readPump discards anything the client sends and notices when it goes away.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.done:
		}
		goutils.UncheckedError(c.conn.Close())
	}()
	c.conn.SetReadLimit(maxMessageSize)
	goutils.UncheckedError(c.conn.SetReadDeadline(time.Now().Add(pongWait)))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("status stream read error", "id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		goutils.UncheckedError(c.conn.Close())
	}()
	for {
		select {
		case msg, ok := <-c.send:
			goutils.UncheckedError(c.conn.SetWriteDeadline(time.Now().Add(writeWait)))
			if !ok {
				goutils.UncheckedError(c.conn.WriteMessage(websocket.CloseMessage, []byte{}))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			goutils.UncheckedError(c.conn.SetWriteDeadline(time.Now().Add(writeWait)))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
