package swcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"angkor/offline/internal/logging"
)

const (
	MessageUpdateAvailable   = "UPDATE_AVAILABLE"
	MessageNotification      = "NOTIFICATION"
	MessageNavigate          = "NAVIGATE"
	MessageControllerChanged = "CONTROLLER_CHANGED"
	MessageStatus            = "STATUS"
)

// Message is sent from the worker to every controlled page.
type Message struct {
	Type    string          `json:"type"`
	Version string          `json:"version,omitempty"`
	Title   string          `json:"title,omitempty"`
	Body    string          `json:"body,omitempty"`
	URL     string          `json:"url,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ControlMessage is sent from a page to the worker.
type ControlMessage struct {
	Action  string `json:"action"`
	Visible *bool  `json:"visible,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	sendBuffer = 16
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Clients is the set of pages connected over the websocket channel.
type Clients struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.RWMutex
	conns      map[*client]struct{}
	controller string
	onControl  func(context.Context, ControlMessage)
	closed     bool
}

func NewClients(logger *slog.Logger) *Clients {
	return &Clients{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.For(logger, logging.ChannelWorker),
		conns:  make(map[*client]struct{}),
	}
}

// OnControl registers the handler for page control messages.
func (c *Clients) OnControl(fn func(context.Context, ControlMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onControl = fn
}

// Broadcast queues msg for every connected page and returns how many pages it
// was queued for. Pages with a full send buffer miss the message.
func (c *Clients) Broadcast(msg Message) int {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encode client message", "type", msg.Type, "error", err)
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	sent := 0
	for cl := range c.conns {
		select {
		case cl.send <- payload:
			sent++
		default:
			c.logger.Warn("client send buffer full", "type", msg.Type)
		}
	}
	return sent
}

// Claim makes version the controller of every connected page.
func (c *Clients) Claim(version string) {
	c.mu.Lock()
	c.controller = version
	c.mu.Unlock()
	c.Broadcast(Message{Type: MessageControllerChanged, Version: version})
}

func (c *Clients) Controller() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// ServeHTTP upgrades the request and serves the page until it disconnects.
func (c *Clients) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	// The controller notice is queued before cl is visible to Close, which
	// owns closing cl.send from then on.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	if c.controller != "" {
		payload, _ := json.Marshal(Message{Type: MessageControllerChanged, Version: c.controller})
		cl.send <- payload
	}
	c.conns[cl] = struct{}{}
	clients := len(c.conns)
	c.mu.Unlock()
	c.logger.Debug("client connected", "clients", clients)

	go c.writeLoop(cl)
	c.readLoop(r.Context(), cl)
}

func (c *Clients) writeLoop(cl *client) {
	defer cl.conn.Close()
	for payload := range cl.send {
		_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			c.logger.Debug("client write failed", "error", err)
			return
		}
	}
	_ = cl.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (c *Clients) readLoop(ctx context.Context, cl *client) {
	defer c.remove(cl)
	for {
		var msg ControlMessage
		if err := cl.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client read failed", "error", err)
			}
			return
		}
		c.mu.RLock()
		handler := c.onControl
		c.mu.RUnlock()
		if handler != nil {
			handler(context.WithoutCancel(ctx), msg)
		}
	}
}

func (c *Clients) remove(cl *client) {
	c.mu.Lock()
	if _, ok := c.conns[cl]; ok {
		delete(c.conns, cl)
		close(cl.send)
	}
	c.mu.Unlock()
}

// Close disconnects every page.
func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for cl := range c.conns {
		delete(c.conns, cl)
		close(cl.send)
	}
}
