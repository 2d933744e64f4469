package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Frame texts sent by a Session.
const (
	BinaryNotice     = "Binary messages are not supported for actions."
	closeReasonDrain = "server shutting down"
	closeReasonFeed  = "event source closed"
)

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// ClientConfig configures an outbound WebSocket client.
type ClientConfig struct {
	URL          string        // WebSocket URL (e.g., ws://127.0.0.1:6700/event)
	AccessToken  string        // Sent as "Authorization: Bearer <token>" (empty = no auth)
	PingInterval time.Duration // Keepalive ping period
	PingTimeout  time.Duration // Max time without ping/pong before considering connection stale
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PingInterval: 30 * time.Second,
		PingTimeout:  90 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   1000,
	}
}

// SessionConfig configures an inbound relay session.
type SessionConfig struct {
	WriteTimeout time.Duration // Write deadline per frame
	ReadLimit    int64         // Max inbound frame size in bytes (0 = unlimited)
	CloseGrace   time.Duration // How long to wait for the peer's close reply when draining
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		WriteTimeout: 5 * time.Second,
		ReadLimit:    1 << 20,
		CloseGrace:   time.Second,
	}
}
