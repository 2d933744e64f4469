package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/rickgao/onebot-relay/internal/auth"
)

// SendMode selects how params are encoded.
type SendMode int

const (
	SendJSON  SendMode = iota // POST application/json
	SendForm                  // POST application/x-www-form-urlencoded
	SendQuery                 // GET with a query string
)

// ParseSendMode maps a config value to a SendMode.
func ParseSendMode(s string) (SendMode, error) {
	switch strings.ToLower(s) {
	case "", "json":
		return SendJSON, nil
	case "form":
		return SendForm, nil
	case "query":
		return SendQuery, nil
	default:
		return SendJSON, fmt.Errorf("unknown send mode %q", s)
	}
}

// CallMode selects the upstream endpoint variant for every action.
type CallMode int

const (
	CallSync CallMode = iota
	CallAsync
	CallRateLimited
)

// ParseCallMode maps a config value to a CallMode.
func ParseCallMode(s string) (CallMode, error) {
	switch strings.ToLower(s) {
	case "", "sync":
		return CallSync, nil
	case "async":
		return CallAsync, nil
	case "rate_limited":
		return CallRateLimited, nil
	default:
		return CallSync, fmt.Errorf("unknown call mode %q", s)
	}
}

// Suffix returns the action name suffix for the mode.
func (m CallMode) Suffix() string {
	switch m {
	case CallAsync:
		return "_async"
	case CallRateLimited:
		return "_rate_limited"
	default:
		return ""
	}
}

// Client forwards actions to an upstream OneBot HTTP endpoint.
type Client struct {
	baseURL    string
	token      auth.Token
	httpClient *http.Client
	logger     *slog.Logger

	sendMode SendMode
	callMode CallMode
	limiter  *rate.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new upstream client.
func NewClient(baseURL string, token auth.Token, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSendMode sets the params encoding.
func WithSendMode(m SendMode) ClientOption {
	return func(c *Client) {
		c.sendMode = m
	}
}

// WithCallMode sets the endpoint variant.
func WithCallMode(m CallMode) ClientOption {
	return func(c *Client) {
		c.callMode = m
	}
}

// WithRateLimit throttles outgoing requests to perSecond with the given burst.
// A non-positive rate disables throttling.
func WithRateLimit(perSecond float64, burst int) ClientOption {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}
