package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/logging"
)

// Feed message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// feedBufferSize is the per-client outbound frame buffer.
	feedBufferSize = 256

	// maxWSClients caps concurrent feed connections.
	maxWSClients = 64
)

// Event channels a client can subscribe to.
const (
	EventSubsystemChanged   = "subsystem.changed"
	EventStatusChanged      = "status.changed"
	EventInventoryRedefined = "inventory.redefined"
)

var feedChannels = map[string]bool{
	EventSubsystemChanged:   true,
	EventStatusChanged:      true,
	EventInventoryRedefined: true,
}

// subsystemEvent is the payload of a subsystem.changed event.
type subsystemEvent struct {
	Subsystem string          `json:"subsystem"`
	State     json.RawMessage `json:"state"`
}

// WSMessage is a frame exchanged with a feed client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// inboundFrame is a client frame with its payload left undecoded.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// ReplayFunc returns the current payloads of a channel. They are sent to a
// client right after it subscribes.
type ReplayFunc func(channel string) []any

// Feed fans appliance events out to WebSocket clients.
type Feed struct {
	logger  *logging.Logger
	timings feedTimings
	replay  ReplayFunc

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	closed  bool
}

// feedTimings are the per-connection limits derived from config.
type feedTimings struct {
	readLimit int64
	ping      time.Duration
	pongWait  time.Duration
}

func newFeedTimings(cfg config.WebSocketConfig) feedTimings {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 8192
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10
	}
	return feedTimings{
		readLimit: int64(cfg.MaxMessageSize),
		ping:      time.Duration(cfg.PingInterval) * time.Second,
		pongWait:  time.Duration(cfg.PongTimeout) * time.Second,
	}
}

// idle is how long a connection may stay silent before it is dropped.
func (t feedTimings) idle() time.Duration {
	return t.ping + t.pongWait
}

// NewFeed creates a feed. replay may be nil.
func NewFeed(cfg config.WebSocketConfig, logger *logging.Logger, replay ReplayFunc) *Feed {
	return &Feed{
		logger:  logger,
		timings: newFeedTimings(cfg),
		replay:  replay,
		clients: make(map[*feedClient]struct{}),
	}
}

// Run blocks until ctx is done and then disconnects every client.
func (f *Feed) Run(ctx context.Context) {
	<-ctx.Done()

	f.mu.Lock()
	f.closed = true
	clients := f.clients
	f.clients = make(map[*feedClient]struct{})
	f.mu.Unlock()

	for c := range clients {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (f *Feed) Clients() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Publish sends an event to every client subscribed to channel.
func (f *Feed) Publish(channel string, payload any) {
	frame, err := eventFrame(channel, payload)
	if err != nil {
		f.logger.Error("encoding feed event failed", "channel", channel, "error", err)
		return
	}

	f.mu.RLock()
	targets := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		if c.subscribed(channel) {
			targets = append(targets, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
	if len(targets) > 0 {
		f.logger.Debug("feed event sent", "channel", channel, "recipients", len(targets))
	}
}

func (f *Feed) add(c *feedClient) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || len(f.clients) >= maxWSClients {
		return false
	}
	f.clients[c] = struct{}{}
	return true
}

func (f *Feed) remove(c *feedClient) {
	f.mu.Lock()
	delete(f.clients, c)
	n := len(f.clients)
	f.mu.Unlock()
	c.close()
	f.logger.Debug("feed client disconnected", "clients", n, "dropped_frames", c.dropped.Load())
}

func eventFrame(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
}

// handleWebSocket upgrades the request and attaches the client to the feed.
// The feed is read-only, so it carries the same exposure as the GET endpoints.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.feed.Clients() >= maxWSClients {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "too many websocket clients")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &feedClient{
		feed:     s.feed,
		conn:     conn,
		out:      make(chan []byte, feedBufferSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
	if !s.feed.add(c) {
		//nolint:errcheck // Best-effort close frame
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed full"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.logger.Debug("feed client connected", "clients", s.feed.Clients())

	go c.writeLoop()
	go c.readLoop()
}

// feedClient is one WebSocket connection on the feed.
type feedClient struct {
	feed *Feed
	conn *websocket.Conn
	out  chan []byte

	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64

	mu       sync.RWMutex
	channels map[string]struct{}
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue queues a frame without blocking. Frames for a slow client are
// dropped and counted.
func (c *feedClient) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.out <- frame:
	default:
		c.dropped.Add(1)
	}
}

func (c *feedClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

func (c *feedClient) readLoop() {
	defer c.feed.remove(c)

	t := c.feed.timings
	c.conn.SetReadLimit(t.readLimit)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(t.idle()))
	}
	extend() //nolint:errcheck // Best-effort initial deadline
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.feed.logger.Warn("feed read failed", "error", err)
			}
			return
		}
		// Browsers that ignore protocol pings stay alive by sending frames.
		extend() //nolint:errcheck // Best-effort deadline reset
		c.dispatch(data)
	}
}

func (c *feedClient) writeLoop() {
	t := c.feed.timings
	ticker := time.NewTicker(t.ping)
	defer ticker.Stop()

	for {
		var (
			kind  = websocket.TextMessage
			frame []byte
		)
		select {
		case <-c.done:
			//nolint:errcheck // Best-effort close frame on a closing connection
			c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
			return
		case frame = <-c.out:
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		//nolint:errcheck // Write error is checked below
		c.conn.SetWriteDeadline(time.Now().Add(t.pongWait))
		if err := c.conn.WriteMessage(kind, frame); err != nil {
			c.close()
			return
		}
	}
}

// dispatch handles one client frame.
func (c *feedClient) dispatch(data []byte) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		c.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch in.Type {
	case WSTypePing:
		c.reply(in.ID, WSTypePong, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		var p WSSubscribePayload
		if len(in.Payload) == 0 || json.Unmarshal(in.Payload, &p) != nil {
			c.reply(in.ID, WSTypeError, errorBody("invalid "+in.Type+" payload"))
			return
		}
		for _, ch := range p.Channels {
			if !feedChannels[ch] {
				c.reply(in.ID, WSTypeError, errorBody("unknown channel: "+ch))
				return
			}
		}
		if in.Type == WSTypeSubscribe {
			c.subscribe(in.ID, p.Channels)
		} else {
			c.unsubscribe(in.ID, p.Channels)
		}
	default:
		c.reply(in.ID, WSTypeError, errorBody("unknown message type: "+in.Type))
	}
}

func (c *feedClient) subscribe(id string, channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	c.mu.Unlock()

	c.feed.logger.Debug("feed client subscribed", "channels", channels)
	c.reply(id, WSTypeResponse, map[string]any{"subscribed": channels})

	if c.feed.replay == nil {
		return
	}
	for _, ch := range channels {
		for _, payload := range c.feed.replay(ch) {
			if frame, err := eventFrame(ch, payload); err == nil {
				c.enqueue(frame)
			}
		}
	}
}

func (c *feedClient) unsubscribe(id string, channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()

	c.reply(id, WSTypeResponse, map[string]any{"unsubscribed": channels})
}

func (c *feedClient) reply(id, msgType string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}
