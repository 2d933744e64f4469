package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// ErrClosed is returned once the Broadcaster has been closed.
var ErrClosed = errors.New("fanout closed")

// LagError reports events a subscriber missed because its buffer overflowed.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged, %d events missed", e.Missed)
}

// Receiver is the consuming side of a subscription.
type Receiver interface {
	// Recv blocks until an event is available, the subscriber lagged
	// (*LagError), the broadcaster closed (ErrClosed), or ctx ends.
	Recv(ctx context.Context) (model.Event, error)

	// Close releases the subscription.
	Close()
}

// Config holds Broadcaster configuration.
type Config struct {
	BufferSize int // Per-subscriber ring capacity (default: 100)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 100}
}

// Stats contains broadcaster statistics.
type Stats struct {
	Subscribers int
	Published   int64
	Lagged      int64
}

// Broadcaster delivers every published event to every live subscription.
// Publish is safe for concurrent use by multiple event sources.
type Broadcaster struct {
	cfg     Config
	metrics *metrics.Relay
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	statsMu sync.Mutex
	stats   Stats
}

// New creates a new Broadcaster.
func New(cfg Config, m *metrics.Relay, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &Broadcaster{
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe registers a new subscription with the configured buffer size.
func (b *Broadcaster) Subscribe() (*Subscription, error) {
	return b.SubscribeSize(b.cfg.BufferSize)
}

// SubscribeSize registers a subscription whose ring holds size events.
// Sizes below 1 use the configured buffer size.
func (b *Broadcaster) SubscribeSize(size int) (*Subscription, error) {
	if size < 1 {
		size = b.cfg.BufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		b:      b,
		buf:    newRing[model.Event](size),
		notify: make(chan struct{}, 1),
	}
	b.subs[sub.id] = sub
	b.metrics.Subscribers(len(b.subs))

	return sub, nil
}

// Publish hands ev to every current subscription and returns how many were
// reached. It never blocks on slow subscribers.
func (b *Broadcaster) Publish(ev model.Event) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, ErrClosed
	}

	var lagged int
	for _, sub := range b.subs {
		if sub.push(ev) {
			lagged++
		}
	}

	b.statsMu.Lock()
	b.stats.Published++
	b.stats.Lagged += int64(lagged)
	b.statsMu.Unlock()

	if lagged > 0 {
		b.metrics.Lagged(lagged)
	}

	return len(b.subs), nil
}

// Close closes the broadcaster. Subscribers drain what is buffered and then
// receive ErrClosed. Close is idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown(false)
	}

	b.logger.Info("event fan-out closed", "subscribers", len(subs))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns broadcaster statistics.
func (b *Broadcaster) Stats() Stats {
	n := b.SubscriberCount()

	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	s := b.stats
	s.Subscribers = n
	return s
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	b.metrics.Subscribers(len(b.subs))
}

// Subscription is one subscriber's view of the event stream.
type Subscription struct {
	id uint64
	b  *Broadcaster

	mu       sync.Mutex
	buf      *ring[model.Event]
	missed   uint64 // overwritten since the last Recv
	lagTotal uint64
	closed   bool

	notify chan struct{}
}

// SubscriptionStats contains per-subscription statistics.
type SubscriptionStats struct {
	Buffered int
	Capacity int
	Lagged   uint64
}

// push buffers ev and reports whether an older event was overwritten.
func (s *Subscription) push(ev model.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	evicted := s.buf.push(ev)
	if evicted {
		s.missed++
		s.lagTotal++
	}
	s.mu.Unlock()

	s.signal()
	return evicted
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv implements Receiver.
func (s *Subscription) Recv(ctx context.Context) (model.Event, error) {
	for {
		s.mu.Lock()
		if s.missed > 0 {
			missed := s.missed
			s.missed = 0
			s.mu.Unlock()
			return model.Event{}, &LagError{Missed: missed}
		}
		if ev, ok := s.buf.pop(); ok {
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return model.Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return model.Event{}, ctx.Err()
		}
	}
}

// Close implements Receiver. Buffered events are discarded.
func (s *Subscription) Close() {
	s.b.unsubscribe(s.id)
	s.shutdown(true)
}

// Stats returns subscription statistics.
func (s *Subscription) Stats() SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStats{
		Buffered: s.buf.len(),
		Capacity: s.buf.cap(),
		Lagged:   s.lagTotal,
	}
}

func (s *Subscription) shutdown(discard bool) {
	s.mu.Lock()
	s.closed = true
	if discard {
		s.buf.reset()
		s.missed = 0
	}
	s.mu.Unlock()

	s.signal()
}
