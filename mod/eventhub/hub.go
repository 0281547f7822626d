package eventhub

import (
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

/*
	Event hub

	Pushes offline state changes to connected UI clients over
	websocket so pages can show the offline banner and queue badge
	without polling.
*/

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	sendBufferSize = 32
)

// Event types
const (
	EventConnectivity = "connectivity"
	EventQueued       = "queued"
	EventReplay       = "replay"
)

// Message is the JSON payload delivered to subscribers
type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
	Time  time.Time   `json:"time"`
}

type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

type defaultLogger struct{}

func (dl *defaultLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (dl *defaultLogger) Println(v ...interface{}) {
	log.Println(v...)
}

type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	last     map[string]Message
	logger   Logger
}

// NewHub creates an event hub. A nil logger falls back to the standard logger.
func NewHub(logger Logger) *Hub {
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*client]struct{}),
		last:    make(map[string]Message),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("Event hub upgrade failed: %v", err)
		return
	}

	c := &client{
		hub:    h,
		socket: conn,
		send:   make(chan Message, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	// late joiners start from the latest state
	for _, msg := range h.last {
		c.send <- msg
	}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()
}

// Broadcast delivers an event to every connected client
func (h *Hub) Broadcast(event string, data interface{}) {
	msg := Message{Event: event, Data: data, Time: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[event] = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// slow client
			go c.close()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

type client struct {
	hub    *Hub
	socket *websocket.Conn
	send   chan Message
	once   sync.Once
}

// readLoop only exists to process control frames; clients never send data
func (c *client) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Printf("Event hub client closed unexpectedly: %v", err)
			}
			return
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.clients, c)
		close(c.send)
		c.hub.mu.Unlock()
		_ = c.socket.Close()
	})
}

// sameOrigin accepts requests without Origin, same host origins and loopback
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := u.Hostname()
	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if strings.EqualFold(originHost, requestHost) {
		return true
	}
	if ip := net.ParseIP(originHost); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(originHost, "localhost")
}
