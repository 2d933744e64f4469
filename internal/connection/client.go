package connection

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/onebot-relay/internal/version"
)

// Client is an outbound WebSocket connection to an upstream OneBot endpoint.
type Client interface {
	// Connect dials the upstream. A Client connects at most once.
	Connect(ctx context.Context) error

	// Close sends a normal closure and releases the socket. Idempotent.
	Close() error

	// Send writes one text frame.
	Send(data []byte) error

	// Messages delivers inbound frames with their receive time.
	Messages() <-chan TimestampedMessage

	// Errors delivers the error that ended the connection, at most once.
	Errors() <-chan error

	// IsConnected reports whether frames are still being read.
	IsConnected() bool

	// Dropped counts inbound frames discarded because Messages was full.
	Dropped() int64
}

const handshakeTimeout = 10 * time.Second

type clientState int

const (
	stateIdle clientState = iota
	stateOpen
	stateClosed
)

type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu    sync.Mutex
	state clientState
	conn  *websocket.Conn

	writeMu sync.Mutex

	frames   chan TimestampedMessage
	failures chan error
	quit     chan struct{}

	// Unix nanoseconds of the last frame, ping or pong from the upstream.
	lastSeen atomic.Int64
	reading  atomic.Bool
	dropped  atomic.Int64
}

// NewClient creates an unconnected Client.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultClientConfig()
	if cfg.BufferSize < 1 {
		cfg.BufferSize = defaults.BufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	return &client{
		cfg:      cfg,
		logger:   logger.With("upstream", cfg.URL),
		frames:   make(chan TimestampedMessage, cfg.BufferSize),
		failures: make(chan error, 1),
		quit:     make(chan struct{}),
	}
}

func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == stateClosed {
		return ErrAlreadyClosed
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.dialHeader())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == stateClosed {
		// Close raced with the handshake.
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyClosed
	}
	c.state = stateOpen
	c.conn = conn
	c.mu.Unlock()

	c.seen()
	c.reading.Store(true)
	conn.SetPingHandler(func(payload string) error {
		c.seen()
		err := c.control(conn, websocket.PongMessage, []byte(payload))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.seen()
		return nil
	})

	go c.receive(conn)
	if c.cfg.PingInterval > 0 {
		go c.keepalive(conn)
	}

	c.logger.Debug("upstream websocket open")
	return nil
}

// dialHeader identifies the relay and carries the upstream access token.
func (c *client) dialHeader() http.Header {
	h := http.Header{}
	h.Set("User-Agent", version.UserAgent())
	if c.cfg.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}
	return h
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	conn := c.conn
	c.mu.Unlock()

	close(c.quit)
	c.reading.Store(false)

	if conn == nil {
		return nil
	}
	c.control(conn, websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}

func (c *client) Send(data []byte) error {
	conn := c.open()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) Messages() <-chan TimestampedMessage { return c.frames }

func (c *client) Errors() <-chan error { return c.failures }

func (c *client) IsConnected() bool { return c.open() != nil }

func (c *client) Dropped() int64 { return c.dropped.Load() }

// open returns the socket while it is being read, nil otherwise.
func (c *client) open() *websocket.Conn {
	if !c.reading.Load() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateOpen {
		return nil
	}
	return c.conn
}

// control writes a control frame. WriteControl may run concurrently with Send.
func (c *client) control(conn *websocket.Conn, kind int, payload []byte) error {
	return conn.WriteControl(kind, payload, time.Now().Add(c.cfg.WriteTimeout))
}

func (c *client) seen() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// report delivers the terminal error unless the client was closed locally.
func (c *client) report(err error) {
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.failures <- err:
	default:
	}
}

// receive reads frames into Messages until the socket fails or is closed.
func (c *client) receive(conn *websocket.Conn) {
	defer c.reading.Store(false)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.report(err)
			return
		}
		now := time.Now()
		c.lastSeen.Store(now.UnixNano())

		select {
		case c.frames <- TimestampedMessage{Data: data, ReceivedAt: now}:
		case <-c.quit:
			return
		default:
			if n := c.dropped.Add(1); n == 1 || n%1000 == 0 {
				c.logger.Warn("upstream frames dropped, consumer too slow", "dropped", n)
			}
		}
	}
}

// keepalive pings every PingInterval and fails the connection once nothing
// has been heard for PingTimeout.
func (c *client) keepalive(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
		}

		if err := c.control(conn, websocket.PingMessage, []byte("keepalive")); err != nil {
			c.logger.Debug("ping failed", "error", err)
		}

		silent := time.Since(time.Unix(0, c.lastSeen.Load()))
		if c.cfg.PingTimeout > 0 && silent > c.cfg.PingTimeout {
			c.logger.Warn("upstream silent, giving up on connection", "silent_for", silent)
			c.report(ErrStaleConnection)
			return
		}
	}
}
