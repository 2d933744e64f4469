package source

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/onebot-relay/internal/connection"
	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// WSConfig holds upstream event stream settings.
type WSConfig struct {
	URL                string
	AccessToken        string
	ReconnectBaseDelay time.Duration // default: 1s
	ReconnectMaxDelay  time.Duration // default: 60s
	PingInterval       time.Duration
	PingTimeout        time.Duration
}

// DefaultWSConfig returns sensible defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		PingInterval:       30 * time.Second,
		PingTimeout:        90 * time.Second,
	}
}

// WSStats holds upstream stream counters.
type WSStats struct {
	Connected  bool
	Received   int64
	Invalid    int64
	Reconnects int64
	Dropped    int64
}

// WSSource relays the event stream of an upstream OneBot WebSocket.
type WSSource struct {
	cfg     WSConfig
	pub     Publisher
	metrics *metrics.Relay
	logger  *slog.Logger

	newClient func(connection.ClientConfig, *slog.Logger) connection.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connected  atomic.Bool
	received   atomic.Int64
	invalid    atomic.Int64
	reconnects atomic.Int64
	dropped    atomic.Int64
}

// NewWSSource creates a WSSource.
func NewWSSource(cfg WSConfig, pub Publisher, m *metrics.Relay, logger *slog.Logger) *WSSource {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWSConfig()
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = defaults.ReconnectBaseDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		cfg.ReconnectMaxDelay = cfg.ReconnectBaseDelay
	}
	return &WSSource{
		cfg:       cfg,
		pub:       pub,
		metrics:   m,
		logger:    logger.With("source", NameUpstreamWS),
		newClient: connection.NewClient,
	}
}

// Start begins connecting in the background. Connection failures are retried.
func (s *WSSource) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run()

	s.logger.Info("upstream event source started", "url", s.cfg.URL)
	return nil
}

// Stop closes the upstream connection and waits for the loop to exit.
func (s *WSSource) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("upstream event source stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("upstream event source stop timed out")
		return ctx.Err()
	}
}

// Stats returns current counters.
func (s *WSSource) Stats() WSStats {
	return WSStats{
		Connected:  s.connected.Load(),
		Received:   s.received.Load(),
		Invalid:    s.invalid.Load(),
		Reconnects: s.reconnects.Load(),
		Dropped:    s.dropped.Load(),
	}
}

// run connects, consumes, and reconnects with exponential backoff.
func (s *WSSource) run() {
	defer s.wg.Done()

	wait := s.cfg.ReconnectBaseDelay
	first := true

	for {
		if !first {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(wait):
			}
			s.reconnects.Add(1)
			s.logger.Info("attempting reconnection", "url", s.cfg.URL)
		}
		first = false

		client := s.newClient(connection.ClientConfig{
			URL:          s.cfg.URL,
			AccessToken:  s.cfg.AccessToken,
			PingInterval: s.cfg.PingInterval,
			PingTimeout:  s.cfg.PingTimeout,
			WriteTimeout: 5 * time.Second,
			BufferSize:   1000,
		}, s.logger)

		if err := client.Connect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("upstream connection failed", "error", err, "retry_in", wait)

			// Exponential backoff
			wait *= 2
			if wait > s.cfg.ReconnectMaxDelay {
				wait = s.cfg.ReconnectMaxDelay
			}
			continue
		}

		s.connected.Store(true)
		s.logger.Info("upstream connected")
		wait = s.cfg.ReconnectBaseDelay

		err := s.consume(client)

		s.connected.Store(false)
		s.dropped.Add(client.Dropped())
		client.Close()

		if s.ctx.Err() != nil {
			return
		}
		s.logger.Warn("upstream connection lost", "error", err, "retry_in", wait)
	}
}

// consume publishes frames until the connection fails or the source stops.
func (s *WSSource) consume(client connection.Client) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case err := <-client.Errors():
			// Frames read before the failure are already buffered.
			for {
				select {
				case msg := <-client.Messages():
					s.handle(msg.Data)
				default:
					return err
				}
			}
		case msg := <-client.Messages():
			s.handle(msg.Data)
		}
	}
}

// handle publishes one upstream frame. Frames without post_type, such as
// action replies, are skipped.
func (s *WSSource) handle(data []byte) {
	s.received.Add(1)

	ev, err := model.ParseEvent(data)
	if err != nil {
		s.invalid.Add(1)
		s.logger.Debug("skipping non-event frame", "error", err, "size", len(data))
		return
	}
	publish(s.pub, s.metrics, s.logger, NameUpstreamWS, ev)
}
