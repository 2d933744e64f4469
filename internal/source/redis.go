package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// RedisConfig holds pub/sub source settings.
type RedisConfig struct {
	URL      string // redis://[user:pass@]host:port/db
	Channels []string
}

// RedisSource relays events published on Redis channels.
type RedisSource struct {
	cfg     RedisConfig
	pub     Publisher
	metrics *metrics.Relay
	logger  *slog.Logger

	client *redis.Client
	pubsub *redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received atomic.Int64
	invalid  atomic.Int64
}

// NewRedisSource parses the URL and builds the client. No connection is made yet.
func NewRedisSource(cfg RedisConfig, pub Publisher, m *metrics.Relay, logger *slog.Logger) (*RedisSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("redis source needs at least one channel")
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &RedisSource{
		cfg:     cfg,
		pub:     pub,
		metrics: m,
		logger:  logger.With("source", NameRedis),
		client:  redis.NewClient(opts),
	}, nil
}

// Start subscribes and waits for the subscription to be confirmed.
func (s *RedisSource) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.pubsub = s.client.Subscribe(s.ctx, s.cfg.Channels...)
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		s.pubsub.Close()
		s.cancel()
		return fmt.Errorf("subscribe %v: %w", s.cfg.Channels, err)
	}

	s.wg.Add(1)
	go s.run(s.pubsub.Channel())

	s.logger.Info("redis event source started", "channels", s.cfg.Channels)
	return nil
}

// Stop unsubscribes and closes the client.
func (s *RedisSource) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pubsub != nil {
		s.pubsub.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		s.logger.Info("redis event source stopped")
	case <-ctx.Done():
		s.logger.Warn("redis event source stop timed out")
		err = ctx.Err()
	}

	if cerr := s.client.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close redis client: %w", cerr)
	}
	return err
}

// Received returns how many messages arrived and how many were not events.
func (s *RedisSource) Received() (total, invalid int64) {
	return s.received.Load(), s.invalid.Load()
}

func (s *RedisSource) run(ch <-chan *redis.Message) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handle(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (s *RedisSource) handle(channel string, payload []byte) {
	s.received.Add(1)

	ev, err := model.ParseEvent(payload)
	if err != nil {
		s.invalid.Add(1)
		s.logger.Warn("invalid event on channel", "channel", channel, "error", err)
		return
	}
	publish(s.pub, s.metrics, s.logger, NameRedis, ev)
}
