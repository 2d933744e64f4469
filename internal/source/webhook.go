package source

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rickgao/onebot-relay/internal/auth"
	"github.com/rickgao/onebot-relay/internal/metrics"
	"github.com/rickgao/onebot-relay/internal/model"
)

// MaxWebhookBody bounds the size of a posted event.
const MaxWebhookBody = 1 << 20

// WebhookConfig holds HTTP POST source settings.
type WebhookConfig struct {
	// Secret enables X-Signature verification when non-empty.
	Secret string
}

// Webhook accepts events POSTed by an upstream in HTTP POST mode.
type Webhook struct {
	cfg     WebhookConfig
	pub     Publisher
	metrics *metrics.Relay
	logger  *slog.Logger
}

// NewWebhook creates a Webhook.
func NewWebhook(cfg WebhookConfig, pub Publisher, m *metrics.Relay, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{
		cfg:     cfg,
		pub:     pub,
		metrics: m,
		logger:  logger.With("source", NameWebhook),
	}
}

// Handler returns the gin handler to mount on the relay server.
//
// Responses: 204 when the event was accepted, 400 for a body that is not an
// event or could not be read, 401/403 for a missing or wrong signature, 413
// for an oversized body, 503 when the event could not be broadcast.
func (w *Webhook) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
				return
			}
			w.logger.Warn("failed to read webhook body", "remote", c.ClientIP(), "error", err)
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		if w.cfg.Secret != "" {
			if err := auth.VerifySignature(w.cfg.Secret, body, c.GetHeader(auth.SignatureHeader)); err != nil {
				w.logger.Warn("rejected webhook", "remote", c.ClientIP(), "error", err)
				c.AbortWithStatusJSON(auth.StatusCode(err), gin.H{"error": err.Error()})
				return
			}
		}

		ev, err := model.ParseEvent(body)
		if err != nil {
			w.logger.Warn("invalid webhook event", "error", err, "size", len(body))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if !publish(w.pub, w.metrics, w.logger, NameWebhook, ev) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "event stream closed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
