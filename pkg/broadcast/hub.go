package broadcast

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// ErrSlowConsumer is returned when a connection's send buffer is full.
var ErrSlowConsumer = errors.New("websocket send buffer full")

// Connection is one subscribed WebSocket client.
type Connection struct {
	conn    *websocket.Conn
	channel string
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// SendMessage queues data for the client without blocking.
func (c *Connection) SendMessage(data []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *Connection) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub keeps the WebSocket connections of this instance, grouped by channel.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*Connection]struct{}
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger.Named("broadcast"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]map[*Connection]struct{}),
	}
}

// Publish encodes event and delivers it to this instance's listeners.
func (h *Hub) Publish(_ context.Context, channel string, event any) {
	data, ok := encode(h.logger, channel, event)
	if !ok {
		return
	}
	h.Deliver(channel, data)
}

// Deliver sends an already encoded payload to every listener of channel.
func (h *Hub) Deliver(channel string, data []byte) {
	h.ForEach(channel, func(conn *Connection) {
		if err := conn.SendMessage(data); err != nil {
			h.logger.Debug("Dropped event for listener",
				zap.String("channel", channel),
				zap.Error(err))
		}
	})
}

// ForEach calls fn for every connection subscribed to channel.
func (h *Hub) ForEach(channel string, fn func(*Connection)) {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns[channel]))
	for c := range h.conns[channel] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		fn(c)
	}
}

// ConnectionCount returns the number of listeners on channel.
func (h *Hub) ConnectionCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[channel])
}

// ServeWS upgrades the request and subscribes it to channel until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channel string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &Connection{
		conn:    ws,
		channel: channel,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.channel]
	if !ok {
		set = make(map[*Connection]struct{})
		h.conns[c.channel] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("Listener connected", zap.String("channel", c.channel), zap.Int("listeners", len(set)))
}

func (h *Hub) unregister(c *Connection) {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.conns[c.channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.channel)
		}
	}
}

// readPump drains client frames so pings and close frames are processed.
func (h *Hub) readPump(c *Connection) {
	defer c.close()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// Close disconnects every listener.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, set := range h.conns {
		for c := range set {
			c.close()
		}
	}
}
