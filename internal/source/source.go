package source

import (
	"log/slog"

	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// Source names used in logs and metrics.
const (
	NameUpstreamWS = "upstream_ws"
	NameRedis      = "redis"
	NameHeartbeat  = "heartbeat"
	NameWebhook    = "webhook"
)

// Publisher accepts events for broadcast. *fanout.Broadcaster implements it.
type Publisher interface {
	Publish(ev model.Event) (int, error)
}

// publish hands ev to pub and records the outcome.
func publish(pub Publisher, m *metrics.Relay, logger *slog.Logger, source string, ev model.Event) bool {
	n, err := pub.Publish(ev)
	if err != nil {
		logger.Debug("event not published", "source", source, "error", err)
		return false
	}
	m.EventPublished(source)
	logger.Debug("event published", "source", source, "post_type", ev.PostType, "subscribers", n)
	return true
}
