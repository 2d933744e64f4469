package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// Meta event types emitted by Heartbeat.
const (
	MetaEventHeartbeat = "heartbeat"
	MetaEventLifecycle = "lifecycle"
)

// StatusFunc reports the status object carried by heartbeats.
type StatusFunc func() any

// HeartbeatConfig holds heartbeat settings.
type HeartbeatConfig struct {
	Interval time.Duration // default: 15s
	SelfID   int64
}

// DefaultHeartbeatConfig returns sensible defaults.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 15 * time.Second,
	}
}

// Heartbeat publishes a lifecycle event on start and a heartbeat every interval.
type Heartbeat struct {
	cfg     HeartbeatConfig
	pub     Publisher
	status  StatusFunc
	metrics *metrics.Relay
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat creates a Heartbeat. A nil status reports the relay as online.
func NewHeartbeat(cfg HeartbeatConfig, pub Publisher, status StatusFunc, m *metrics.Relay, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHeartbeatConfig().Interval
	}
	if status == nil {
		status = func() any {
			return map[string]bool{"online": true, "good": true}
		}
	}
	return &Heartbeat{
		cfg:     cfg,
		pub:     pub,
		status:  status,
		metrics: m,
		logger:  logger,
	}
}

// Start begins the heartbeat loop.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(ctx)

	h.wg.Add(1)
	go h.run()

	h.logger.Info("heartbeat started", "interval", h.cfg.Interval)
	return nil
}

// Stop stops the heartbeat loop.
func (h *Heartbeat) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("heartbeat stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Heartbeat) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	h.emit(MetaEventLifecycle, map[string]any{"sub_type": "connect"})

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.emit(MetaEventHeartbeat, map[string]any{
				"interval": h.cfg.Interval.Milliseconds(),
				"status":   h.status(),
			})
		}
	}
}

func (h *Heartbeat) emit(metaType string, fields map[string]any) {
	fields["meta_event_type"] = metaType
	ev, err := model.NewEvent(model.PostTypeMetaEvent, h.cfg.SelfID, fields)
	if err != nil {
		h.logger.Error("failed to build meta event", "meta_event_type", metaType, "error", err)
		return
	}
	publish(h.pub, h.metrics, h.logger, NameHeartbeat, ev)
}
