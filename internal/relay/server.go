package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rickgao/onebot-relay/internal/auth"
	"github.com/rickgao/onebot-relay/internal/connection"
	"github.com/rickgao/onebot-relay/internal/fanout"
	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/processor"
)

var (
	ErrAlreadyStarted = errors.New("relay server already started")
	ErrNotStarted     = errors.New("relay server not started")
)

// Config holds listener and session settings.
type Config struct {
	Host        string
	Port        int // 0 picks a free port
	Path        string
	AccessToken string
	Session     connection.SessionConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:    "127.0.0.1",
		Port:    8080,
		Path:    "/ws",
		Session: connection.DefaultSessionConfig(),
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Relay) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRoute registers an extra HTTP route next to the WebSocket endpoint.
func WithRoute(method, path string, handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.routes = append(s.routes, route{method: method, path: path, handler: handler})
	}
}

type route struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

// Server accepts relay clients.
type Server struct {
	cfg     Config
	sender  processor.Sender
	events  *fanout.Broadcaster
	metrics *metrics.Relay
	logger  *slog.Logger
	routes  []route

	engine   *gin.Engine
	upgrader websocket.Upgrader

	httpServer *http.Server
	listener   net.Listener
	errCh      chan error

	// Parent of every session; cancelled at the end of Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*connection.Session
	started  bool
	stopping bool
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New creates a Server dispatching to sender and relaying events from events.
func New(cfg Config, sender processor.Sender, events *fanout.Broadcaster, opts ...Option) *Server {
	defaults := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = defaults.Path
	}

	s := &Server{
		cfg:      cfg,
		sender:   sender,
		events:   events,
		logger:   slog.Default(),
		sessions: make(map[string]*connection.Session),
		errCh:    make(chan error, 1),
		stopped:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are bots and tools, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(requestLogger(s.logger), gin.Recovery())
	s.engine.GET(cfg.Path, s.handleUpgrade)
	for _, r := range s.routes {
		s.engine.Handle(r.method, r.path, r.handler)
	}

	return s
}

// Start binds the listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	// Sessions outlive the start context; only Stop ends them.
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server failed", "error", err)
			s.errCh <- err
		}
	}()

	s.logger.Info("relay server listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err reports a failure of the serve loop.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Stop shuts the server down. A graceful stop stops accepting, lets every
// session finish its in-flight frame and close politely, and force-closes
// whatever remains when ctx expires. A non-graceful stop closes everything
// at once; calling it during a graceful stop escalates that stop.
func (s *Server) Stop(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		if !graceful {
			s.closeSessions()
		}
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	s.mu.Unlock()

	defer close(s.stopped)
	defer s.cancel()

	s.logger.Info("stopping relay server", "graceful", graceful, "sessions", s.SessionCount())

	if !graceful {
		s.httpServer.Close()
		s.closeSessions()
		s.wg.Wait()
		s.logger.Info("relay server stopped")
		return nil
	}

	var stopErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		stopErr = fmt.Errorf("shutdown http: %w", err)
	}

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Drain()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("relay server stopped")
	case <-ctx.Done():
		s.logger.Warn("relay server drain timed out, closing sessions", "remaining", s.SessionCount())
		s.closeSessions()
		<-done
		if stopErr == nil {
			stopErr = ctx.Err()
		}
	}
	return stopErr
}

// handleUpgrade accepts one relay client.
func (s *Server) handleUpgrade(c *gin.Context) {
	if err := auth.VerifyRequest(c.Request, s.cfg.AccessToken); err != nil {
		s.logger.Warn("rejected client", "remote", c.ClientIP(), "error", err)
		c.AbortWithStatusJSON(auth.StatusCode(err), gin.H{"error": err.Error()})
		return
	}

	// Subscribing before the handshake completes means the client sees every
	// event published after its dial returns.
	sub, err := s.events.Subscribe()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		sub.Close()
		s.logger.Warn("websocket upgrade failed", "remote", c.ClientIP(), "error", err)
		return
	}

	sess := connection.NewSession(s.cfg.Session, conn, s.sender, sub, s.metrics, s.logger)
	if !s.track(sess) {
		sub.Close()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go s.serve(sess)
}

func (s *Server) serve(sess *connection.Session) {
	defer s.wg.Done()
	defer s.untrack(sess)

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()

	sess.Run(s.ctx)
}

// track registers sess unless the server is stopping.
func (s *Server) track(sess *connection.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.sessions[sess.ID()] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *connection.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.Close()
	}
}
