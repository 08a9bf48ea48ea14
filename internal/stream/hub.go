// Package stream pushes color changes to websocket clients.
package stream

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/colorwheel/internal/colorstore"
	"github.com/R3E-Network/colorwheel/internal/logging"
)

const (
	defaultSendBuffer   = 8
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 512
)

// Source is the color state a Hub follows.
type Source interface {
	Read(channelID string) string
	Subscribe(fn colorstore.Observer) (unsubscribe func())
}

// ClientRecorder is notified when clients connect and disconnect.
type ClientRecorder interface {
	StreamClientConnected()
	StreamClientDisconnected()
}

// Config configures a Hub.
type Config struct {
	Source   Source
	Logger   *logging.Logger
	Recorder ClientRecorder // optional

	SendBuffer   int
	PingInterval time.Duration
	WriteTimeout time.Duration

	// CheckOrigin validates the handshake Origin. Nil accepts every origin;
	// extension frontends are served from a platform CDN.
	CheckOrigin func(r *http.Request) bool
}

// Hub fans committed colors out to the websocket clients of each channel.
type Hub struct {
	source   Source
	logger   *logging.Logger
	recorder ClientRecorder
	upgrader websocket.Upgrader

	sendBuffer   int
	pingInterval time.Duration
	writeTimeout time.Duration

	mu          sync.RWMutex
	clients     map[string]map[*client]struct{}
	closed      bool
	unsubscribe func()
}

// NewHub creates a hub and subscribes it to cfg.Source.
func NewHub(cfg Config) *Hub {
	h := &Hub{
		source:       cfg.Source,
		logger:       cfg.Logger,
		recorder:     cfg.Recorder,
		sendBuffer:   cfg.SendBuffer,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		clients:      make(map[string]map[*client]struct{}),
	}
	if h.logger == nil {
		h.logger = logging.NewNop()
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = defaultSendBuffer
	}
	if h.pingInterval <= 0 {
		h.pingInterval = defaultPingInterval
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = defaultWriteTimeout
	}

	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}

	h.unsubscribe = h.source.Subscribe(h.publish)
	return h
}

// ServeWS upgrades the request and streams channelID's colors until the client
// goes away or the hub is closed. The current color is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, channelID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		h.logger.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{
		channelID: channelID,
		conn:      conn,
		send:      make(chan string, h.sendBuffer),
		done:      make(chan struct{}),
	}
	if !h.register(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	if h.recorder != nil {
		h.recorder.StreamClientConnected()
	}

	log := h.logger.WithContext(r.Context())
	log.Debug("stream client connected")

	c.sendInitial(h.source.Read(channelID))

	go h.writeLoop(c)
	h.readLoop(c)

	h.unregister(c)
	if h.recorder != nil {
		h.recorder.StreamClientDisconnected()
	}
	log.Debug("stream client disconnected")
}

// Clients returns the number of clients following channelID.
func (h *Hub) Clients(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channelID])
}

// Close detaches the hub from its source and disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := make([]*client, 0)
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	h.unsubscribe()
	for _, c := range all {
		c.conn.Close()
	}
}

// publish runs inside the store's per-channel critical section.
func (h *Hub) publish(channelID, hex string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[channelID] {
		c.deliver(hex)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.channelID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.channelID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.channelID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.channelID)
		}
	}
	h.mu.Unlock()

	c.closeOnce.Do(func() { close(c.done) })
	c.conn.Close()
}

// readLoop discards inbound frames and returns once the connection fails.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	deadline := h.pingInterval + h.writeTimeout
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).WithFields(map[string]interface{}{
					"channel_id": c.channelID,
				}).Debug("stream read failed")
			}
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case hex := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(hex)); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

type client struct {
	channelID string
	conn      *websocket.Conn
	send      chan string
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	updated bool
}

// deliver queues hex without blocking. When the buffer is full the oldest
// queued color is dropped.
func (c *client) deliver(hex string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updated = true
	c.enqueue(hex)
}

// sendInitial queues the snapshot unless a newer color was already delivered.
func (c *client) sendInitial(hex string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.updated {
		c.enqueue(hex)
	}
}

func (c *client) enqueue(hex string) {
	for {
		select {
		case c.send <- hex:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}
