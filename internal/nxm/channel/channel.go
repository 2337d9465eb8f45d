package channel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

// Default channel settings.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepalivePath     = "/Device/AvioV2/Version"

	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second

	// maxMessageSize bounds one inbound message; a full inventory answer
	// for a large matrix fits comfortably.
	maxMessageSize = 8 << 20
)

// DefaultResyncPaths are queried whenever the channel opens: the full
// inventory first, then the routing table.
var DefaultResyncPaths = []string{"/Device/AvioV2", "/Device/AvMatrixRoutingV2"}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Dispatcher is the subset of *dispatch.Dispatcher the channel needs.
type Dispatcher interface {
	EnqueueIn(gen *dispatch.Generation, priority int, fn dispatch.JobFunc) *dispatch.Future
	CancelGeneration(gen *dispatch.Generation) int
}

// Options configures a channel.
type Options struct {
	// URL is the wss:// endpoint.
	URL string

	// Header is sent with the upgrade request (cookies, token, origin).
	Header http.Header

	// TLSConfig is used for the TLS handshake.
	TLSConfig *tls.Config

	// Dispatcher serialises outbound writes. Required.
	Dispatcher Dispatcher

	// Generation scopes every job the channel enqueues. Required.
	Generation *dispatch.Generation

	// KeepaliveInterval is the idle time before a keepalive query is sent.
	// Default: 30 seconds.
	KeepaliveInterval time.Duration

	// KeepalivePath is the query used as keepalive.
	KeepalivePath string

	// ResyncPaths are queried on open. Default: DefaultResyncPaths.
	ResyncPaths []string

	// OnHandshake receives the upgrade response headers, so token rotation
	// also applies to the channel handshake. Optional.
	OnHandshake func(http.Header)

	// OnMessage receives every inbound message. It runs on the read
	// goroutine and must not block for long. Required.
	OnMessage func(data []byte)

	// OnClosed is called once when the socket fails. It is not called for
	// a deliberate Close. Optional.
	OnClosed func(cause error)

	// Logger receives diagnostics. Optional.
	Logger Logger
}

// Stats holds operational counters.
type Stats struct {
	MessagesRx   uint64
	MessagesTx   uint64
	Keepalives   uint64
	LastActivity time.Time
	Open         bool
}

// Channel is an open realtime update channel.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Channel struct {
	opts   Options
	conn   *websocket.Conn
	logger Logger

	writeMu sync.Mutex

	timerMu   sync.Mutex
	keepalive *time.Timer

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}

	rx, tx, kas  atomic.Uint64
	lastActivity atomic.Int64
}

// Open dials the channel, starts reading and queues the resync queries.
func Open(ctx context.Context, opts Options) (*Channel, error) {
	if opts.Dispatcher == nil || opts.Generation == nil || opts.OnMessage == nil {
		return nil, fmt.Errorf("%w: channel requires a dispatcher, a generation and a message handler", fault.ErrConfiguration)
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.KeepalivePath == "" {
		opts.KeepalivePath = DefaultKeepalivePath
	}
	if opts.ResyncPaths == nil {
		opts.ResyncPaths = DefaultResyncPaths
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  opts.TLSConfig,
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if resp != nil && opts.OnHandshake != nil {
		opts.OnHandshake(resp.Header)
	}
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fault.FromHTTPStatus("open channel", opts.URL, resp.StatusCode, body)
		}
		return nil, fault.FromNetError("open channel", opts.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &Channel{
		opts:   opts,
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	c.touch()

	c.timerMu.Lock()
	c.keepalive = time.AfterFunc(opts.KeepaliveInterval, c.sendKeepalive)
	c.timerMu.Unlock()

	go c.readLoop()

	for _, path := range opts.ResyncPaths {
		c.Send(dispatch.PriorityResync, []byte(path))
	}

	logger.Info("realtime channel open", "url", opts.URL, "generation", opts.Generation.ID())
	return c, nil
}

// Send queues payload for writing at the given priority.
func (c *Channel) Send(priority int, payload []byte) *dispatch.Future {
	return c.opts.Dispatcher.EnqueueIn(c.opts.Generation, priority, func(context.Context) ([]byte, error) {
		return nil, c.Write(payload)
	})
}

// Done is closed once the channel has stopped, for any reason.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Generation returns the generation the channel belongs to.
func (c *Channel) Generation() *dispatch.Generation {
	return c.opts.Generation
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		MessagesRx:   c.rx.Load(),
		MessagesTx:   c.tx.Load(),
		Keepalives:   c.kas.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
		Open:         !c.closed.Load(),
	}
}

// Close shuts the channel down deliberately. OnClosed is not called.
func (c *Channel) Close() {
	c.shutdown(nil, true)
}

// Write sends payload immediately, bypassing the dispatcher. It is meant for
// jobs already running on the dispatcher worker.
func (c *Channel) Write(payload []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("channel send: %w", fault.ErrCancelled)
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()

	if err != nil {
		cause := closeCause("channel send", c.opts.URL, err)
		go c.shutdown(cause, false)
		return cause
	}

	c.tx.Add(1)
	c.touch()
	c.resetKeepalive()
	return nil
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(closeCause("channel read", c.opts.URL, err), false)
			return
		}
		c.rx.Add(1)
		c.touch()
		c.opts.OnMessage(data)
	}
}

func (c *Channel) sendKeepalive() {
	if c.closed.Load() {
		return
	}
	c.kas.Add(1)
	c.logger.Debug("sending keepalive", "path", c.opts.KeepalivePath)
	c.Send(dispatch.PriorityKeepalive, []byte(c.opts.KeepalivePath))

	// Re-arm even if the send is cancelled; a successful write re-arms too.
	c.resetKeepalive()
}

func (c *Channel) resetKeepalive() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.keepalive != nil && !c.closed.Load() {
		c.keepalive.Reset(c.opts.KeepaliveInterval)
	}
}

func (c *Channel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// shutdown tears the channel down once. cause is reported through OnClosed
// unless the close was deliberate.
func (c *Channel) shutdown(cause error, deliberate bool) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.timerMu.Lock()
		if c.keepalive != nil {
			c.keepalive.Stop()
		}
		c.timerMu.Unlock()

		if deliberate {
			c.writeMu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
		}
		_ = c.conn.Close()
		close(c.done)

		if deliberate {
			c.logger.Debug("realtime channel closed", "generation", c.opts.Generation.ID())
			return
		}

		// Only this channel's generation is dropped; a newer connect
		// sequence may already be queued behind it.
		dropped := c.opts.Dispatcher.CancelGeneration(c.opts.Generation)
		c.logger.Warn("realtime channel lost", "error", cause, "cancelled_jobs", dropped)
		if c.opts.OnClosed != nil {
			c.opts.OnClosed(cause)
		}
	})
}

// closeCause turns a socket error into a TransportError. A close frame or
// EOF from the appliance reads as a reset connection.
func closeCause(op, url string, err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &fault.TransportError{
			Variant: fault.VariantNetwork,
			Op:      op,
			URL:     url,
			Code:    fault.NetConnReset,
			Err:     err,
		}
	}
	return fault.FromNetError(op, url, err)
}
