package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *RelayConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server.path must start with /, got %q", c.Server.Path)
	}
	if c.Server.ReadLimit < 0 {
		return errors.New("server.read_limit must be >= 0")
	}

	if c.Processor.QueueSize < 1 {
		return errors.New("processor.queue_size must be >= 1")
	}
	if c.Fanout.BufferSize < 1 {
		return errors.New("fanout.buffer_size must be >= 1")
	}

	if err := c.Upstream.HTTP.validate(); err != nil {
		return err
	}
	if c.Upstream.WS.URL != "" {
		if err := validateURL("upstream.ws.url", c.Upstream.WS.URL, "ws", "wss"); err != nil {
			return err
		}
		if c.Upstream.WS.ReconnectMaxDelay < c.Upstream.WS.ReconnectBaseDelay {
			return errors.New("upstream.ws.reconnect_max_delay cannot be less than reconnect_base_delay")
		}
	}

	if c.Sources.Heartbeat.Enabled && c.Sources.Heartbeat.Interval <= 0 {
		return errors.New("sources.heartbeat.interval must be > 0")
	}
	if c.Sources.Redis.URL != "" && len(c.Sources.Redis.Channels) == 0 {
		return errors.New("sources.redis.channels is required when sources.redis.url is set")
	}
	if p := c.Sources.Webhook.Path; p != "" {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("sources.webhook.path must start with /, got %q", p)
		}
		if p == c.Server.Path {
			return errors.New("sources.webhook.path must differ from server.path")
		}
	}

	if c.Database.Enabled {
		if err := c.Database.Postgres.validate("database.postgres"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 0 and 65535, got %d", c.Metrics.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (u *UpstreamHTTPConfig) validate() error {
	if u.URL == "" {
		return nil
	}
	if err := validateURL("upstream.http.url", u.URL, "http", "https"); err != nil {
		return err
	}
	switch u.TokenMethod {
	case "header", "query":
	default:
		return fmt.Errorf("upstream.http.token_method must be header or query, got %q", u.TokenMethod)
	}
	switch u.SendMode {
	case "json", "form", "query":
	default:
		return fmt.Errorf("upstream.http.send_mode must be json, form or query, got %q", u.SendMode)
	}
	switch u.CallMode {
	case "sync", "async", "rate_limited":
	default:
		return fmt.Errorf("upstream.http.call_mode must be sync, async or rate_limited, got %q", u.CallMode)
	}
	if u.RateLimit < 0 {
		return errors.New("upstream.http.rate_limit must be >= 0")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.URL != "" {
		return nil
	}
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid url: %w", field, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use scheme %s, got %q", field, strings.Join(schemes, " or "), u.Scheme)
}
